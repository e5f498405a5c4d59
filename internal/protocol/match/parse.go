package match

import (
	"fmt"
	"strings"
)

type pair struct {
	key   string
	value string
}

// split tokenizes comma separated key='value' pairs. Inside quotes every
// byte is literal; outside quotes \' is a literal quote.
func split(text string) ([]pair, error) {
	var out []pair
	i := 0
	for i < len(text) {
		for i < len(text) && (text[i] == ' ' || text[i] == '\t') {
			i++
		}
		if i >= len(text) {
			break
		}
		eq := strings.IndexByte(text[i:], '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: expected key= at offset %d", ErrInvalidRule, i)
		}
		key := strings.TrimSpace(text[i : i+eq])
		i += eq + 1

		var b strings.Builder
		quoted := false
	value:
		for i < len(text) {
			c := text[i]
			switch {
			case c == '\'':
				quoted = !quoted
			case quoted:
				b.WriteByte(c)
			case c == '\\' && i+1 < len(text) && text[i+1] == '\'':
				b.WriteByte('\'')
				i++
			case c == ',':
				i++
				break value
			default:
				b.WriteByte(c)
			}
			i++
		}
		if quoted {
			return nil, fmt.Errorf("%w: unterminated quote for %q", ErrInvalidRule, key)
		}
		out = append(out, pair{key: key, value: b.String()})
	}
	return out, nil
}

// quote renders v so that split reads it back unchanged.
func quote(v string) string {
	if !strings.Contains(v, "'") {
		return "'" + v + "'"
	}
	parts := strings.Split(v, "'")
	for i, p := range parts {
		if p != "" {
			parts[i] = "'" + p + "'"
		}
	}
	return strings.Join(parts, `\'`)
}
