// Package match parses bus match rules and evaluates them against messages.
//
// Rules are compiled once into a Rule and then evaluated per message, so a
// malformed rule is rejected when a filter is installed rather than when
// the first event arrives.
package match

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/danmuck/dbusctl/internal/protocol/signature"
)

// MaxArgIndex is the highest argN key the bus accepts.
const MaxArgIndex = 63

var ErrInvalidRule = errors.New("match: invalid rule")

// Rule is a compiled match rule. A zero Rule matches every message.
type Rule struct {
	Kind          envelope.Kind
	Sender        string
	Interface     string
	Member        string
	Path          envelope.ObjectPath
	PathNamespace envelope.ObjectPath
	Destination   string
	Args          map[int]string
	ArgPaths      map[int]string
	Arg0Namespace string
	Eavesdrop     bool
}

// Parse compiles rule text such as
// "type='signal',interface='org.example.Thing',arg0='hci0'".
func Parse(text string) (*Rule, error) {
	pairs, err := split(text)
	if err != nil {
		return nil, err
	}
	r := &Rule{}
	seen := make(map[string]bool, len(pairs))
	for _, kv := range pairs {
		if seen[kv.key] {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidRule, kv.key)
		}
		seen[kv.key] = true
		if err := r.set(kv.key, kv.value); err != nil {
			return nil, err
		}
	}
	if r.Path != "" && r.PathNamespace != "" {
		return nil, fmt.Errorf("%w: path and path_namespace are exclusive", ErrInvalidRule)
	}
	return r, nil
}

func (r *Rule) set(key, value string) error {
	switch key {
	case "type":
		kind, ok := envelope.ParseKind(value)
		if !ok {
			return fmt.Errorf("%w: unknown type %q", ErrInvalidRule, value)
		}
		r.Kind = kind
	case "sender":
		r.Sender = value
	case "interface":
		r.Interface = value
	case "member":
		r.Member = value
	case "destination":
		r.Destination = value
	case "path", "path_namespace":
		p := envelope.ObjectPath(value)
		if !p.IsValid() {
			return fmt.Errorf("%w: invalid %s %q", ErrInvalidRule, key, value)
		}
		if key == "path" {
			r.Path = p
		} else {
			r.PathNamespace = p
		}
	case "arg0namespace":
		r.Arg0Namespace = value
	case "eavesdrop":
		switch value {
		case "true":
			r.Eavesdrop = true
		case "false":
			r.Eavesdrop = false
		default:
			return fmt.Errorf("%w: eavesdrop must be true or false", ErrInvalidRule)
		}
	default:
		return r.setArg(key, value)
	}
	return nil
}

func (r *Rule) setArg(key, value string) error {
	if !strings.HasPrefix(key, "arg") {
		return fmt.Errorf("%w: unknown key %q", ErrInvalidRule, key)
	}
	num := strings.TrimPrefix(key, "arg")
	isPath := strings.HasSuffix(num, "path")
	num = strings.TrimSuffix(num, "path")
	idx, err := strconv.Atoi(num)
	if err != nil || idx < 0 || idx > MaxArgIndex || num != strconv.Itoa(idx) {
		return fmt.Errorf("%w: unknown key %q", ErrInvalidRule, key)
	}
	if isPath {
		if r.ArgPaths == nil {
			r.ArgPaths = make(map[int]string)
		}
		r.ArgPaths[idx] = value
		return nil
	}
	if r.Args == nil {
		r.Args = make(map[int]string)
	}
	r.Args[idx] = value
	return nil
}

// String renders the rule in canonical key order.
func (r *Rule) String() string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+quote(v))
		}
	}
	if r.Kind != envelope.KindInvalid {
		add("type", r.Kind.String())
	}
	add("sender", r.Sender)
	add("interface", r.Interface)
	add("member", r.Member)
	add("path", string(r.Path))
	add("path_namespace", string(r.PathNamespace))
	add("destination", r.Destination)
	for _, idx := range sortedKeys(r.Args) {
		add("arg"+strconv.Itoa(idx), r.Args[idx])
	}
	for _, idx := range sortedKeys(r.ArgPaths) {
		add("arg"+strconv.Itoa(idx)+"path", r.ArgPaths[idx])
	}
	add("arg0namespace", r.Arg0Namespace)
	if r.Eavesdrop {
		add("eavesdrop", "true")
	}
	return strings.Join(parts, ",")
}

// Matches evaluates the rule against one message header and body.
func (r *Rule) Matches(h envelope.Header, body []envelope.Value) bool {
	if r.Kind != envelope.KindInvalid && r.Kind != h.Kind {
		return false
	}
	if r.Sender != "" && r.Sender != h.Sender {
		return false
	}
	if r.Interface != "" && r.Interface != h.Interface {
		return false
	}
	if r.Member != "" && r.Member != h.Member {
		return false
	}
	if r.Path != "" && r.Path != h.Path {
		return false
	}
	if r.PathNamespace != "" && !inNamespace(string(h.Path), string(r.PathNamespace)) {
		return false
	}
	if r.Destination != "" && r.Destination != h.Destination {
		return false
	}
	for idx, want := range r.Args {
		got, ok := stringArg(body, idx, false)
		if !ok || got != want {
			return false
		}
	}
	for idx, want := range r.ArgPaths {
		got, ok := stringArg(body, idx, true)
		if !ok || !pathMatch(got, want) {
			return false
		}
	}
	if r.Arg0Namespace != "" {
		got, ok := stringArg(body, 0, false)
		if !ok || (got != r.Arg0Namespace && !strings.HasPrefix(got, r.Arg0Namespace+".")) {
			return false
		}
	}
	return true
}

// MatchesEnvelope is Matches over an Envelope's header and body.
func (r *Rule) MatchesEnvelope(e *envelope.Envelope) bool {
	return r.Matches(e.Header(), e.Body())
}

func stringArg(body []envelope.Value, idx int, allowPath bool) (string, bool) {
	if idx >= len(body) {
		return "", false
	}
	v := body[idx]
	switch v.Tag() {
	case signature.String:
		s, ok := v.Scalar.(string)
		return s, ok
	case signature.ObjectPath:
		if !allowPath {
			return "", false
		}
		p, ok := v.Scalar.(envelope.ObjectPath)
		return string(p), ok
	}
	return "", false
}

func inNamespace(path, ns string) bool {
	if ns == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == ns || strings.HasPrefix(path, ns+"/")
}

// pathMatch implements argNpath: equal, or either side ends in '/' and is
// a prefix of the other.
func pathMatch(got, want string) bool {
	if got == want {
		return true
	}
	if strings.HasSuffix(want, "/") && strings.HasPrefix(got, want) {
		return true
	}
	return strings.HasSuffix(got, "/") && strings.HasPrefix(want, got)
}

func sortedKeys(m map[int]string) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
