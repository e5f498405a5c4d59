package loopback

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/danmuck/dbusctl/internal/protocol/signature"
	"github.com/danmuck/dbusctl/internal/transport"
	"github.com/rs/zerolog/log"
)

// Method handles one exported method. The call is in read mode and reply
// is an empty method return to write into. Returning a
// *transport.RemoteError sends that error name; any other error is sent as
// org.freedesktop.DBus.Error.Failed.
type Method func(call *envelope.Envelope, reply *envelope.Envelope) error

type property struct {
	value    envelope.Value
	writable bool
}

type object struct {
	methods map[string]map[string]Method
	props   map[string]map[string]*property
}

func (o *object) interfaces() []string {
	seen := make(map[string]bool)
	for iface := range o.methods {
		seen[iface] = true
	}
	for iface := range o.props {
		seen[iface] = true
	}
	out := make([]string, 0, len(seen))
	for iface := range seen {
		out = append(out, iface)
	}
	sort.Strings(out)
	return out
}

// ToValue converts a Go value into a body value: envelope.Value passes
// through, []byte becomes ay, []string becomes as, []envelope.ObjectPath
// becomes ao and scalars are wrapped with envelope.Scalar.
func ToValue(raw any) (envelope.Value, error) {
	switch x := raw.(type) {
	case envelope.Value:
		return x, x.Validate()
	case []byte:
		items := make([]envelope.Value, 0, len(x))
		for _, b := range x {
			items = append(items, envelope.Value{Signature: string(signature.Byte), Scalar: b})
		}
		return envelope.NewArray(string(signature.Byte), items...)
	case []string:
		items := make([]envelope.Value, 0, len(x))
		for _, s := range x {
			items = append(items, envelope.Value{Signature: string(signature.String), Scalar: s})
		}
		return envelope.NewArray(string(signature.String), items...)
	case []envelope.ObjectPath:
		items := make([]envelope.Value, 0, len(x))
		for _, p := range x {
			v, err := envelope.Scalar(p)
			if err != nil {
				return envelope.Value{}, err
			}
			items = append(items, v)
		}
		return envelope.NewArray(string(signature.ObjectPath), items...)
	}
	return envelope.Scalar(raw)
}

func (s *Session) objectLocked(path envelope.ObjectPath) *object {
	o, ok := s.objects[path]
	if !ok {
		o = &object{
			methods: make(map[string]map[string]Method),
			props:   make(map[string]map[string]*property),
		}
		s.objects[path] = o
	}
	return o
}

// Export registers fn as path/iface.member.
func (s *Session) Export(path envelope.ObjectPath, iface, member string, fn Method) error {
	if !path.IsValid() {
		return fmt.Errorf("%w: invalid object path %q", envelope.ErrInvalidValue, path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	o := s.objectLocked(path)
	if o.methods[iface] == nil {
		o.methods[iface] = make(map[string]Method)
	}
	o.methods[iface][member] = fn
	return nil
}

// AddProperty publishes a property served through
// org.freedesktop.DBus.Properties. raw is converted with ToValue.
func (s *Session) AddProperty(path envelope.ObjectPath, iface, name string, raw any, writable bool) error {
	if !path.IsValid() {
		return fmt.Errorf("%w: invalid object path %q", envelope.ErrInvalidValue, path)
	}
	v, err := ToValue(raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	o := s.objectLocked(path)
	if o.props[iface] == nil {
		o.props[iface] = make(map[string]*property)
	}
	o.props[iface][name] = &property{value: v, writable: writable}
	return nil
}

// UpdateProperty changes a published property and emits
// PropertiesChanged. The new value must keep the property's type.
func (s *Session) UpdateProperty(path envelope.ObjectPath, iface, name string, raw any) error {
	v, err := ToValue(raw)
	if err != nil {
		return err
	}
	if err := s.storeProperty(path, iface, name, v, false); err != nil {
		return err
	}
	return s.emitPropertiesChanged(path, iface, name, v)
}

// Property returns the current value of a published property.
func (s *Session) Property(path envelope.ObjectPath, iface, name string) (envelope.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[path]
	if !ok {
		return envelope.Value{}, false
	}
	p, ok := o.props[iface][name]
	if !ok {
		return envelope.Value{}, false
	}
	return p.value.Clone(), true
}

// ExportObjectManager serves GetManagedObjects at root for every object
// below it.
func (s *Session) ExportObjectManager(root envelope.ObjectPath) error {
	if !root.IsValid() {
		return fmt.Errorf("%w: invalid object path %q", envelope.ErrInvalidValue, root)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	s.roots[root] = true
	return nil
}

func (s *Session) storeProperty(path envelope.ObjectPath, iface, name string, v envelope.Value, remote bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[path]
	if !ok {
		return &transport.RemoteError{Name: transport.ErrorUnknownObject, Message: fmt.Sprintf("Unknown object '%s'", path)}
	}
	p, ok := o.props[iface][name]
	if !ok {
		return &transport.RemoteError{Name: transport.ErrorUnknownProperty, Message: fmt.Sprintf("Unknown property %s.%s", iface, name)}
	}
	if remote && !p.writable {
		return &transport.RemoteError{Name: transport.ErrorPropertyReadOnly, Message: fmt.Sprintf("Property %s.%s is read only", iface, name)}
	}
	if p.value.Signature != v.Signature {
		return &transport.RemoteError{Name: transport.ErrorInvalidArgs, Message: fmt.Sprintf("Property %s.%s has type %s, not %s", iface, name, p.value.Signature, v.Signature)}
	}
	p.value = v.Clone()
	return nil
}

func (s *Session) emitPropertiesChanged(path envelope.ObjectPath, iface, name string, v envelope.Value) error {
	msg, err := envelope.NewSignal(path, transport.InterfaceProperties, "PropertiesChanged")
	if err != nil {
		return err
	}
	defer msg.Release()
	if err := msg.Write(iface); err != nil {
		return err
	}
	if err := msg.OpenContainer(signature.Array, "{sv}"); err != nil {
		return err
	}
	if err := writeVariantEntry(msg, name, v); err != nil {
		return err
	}
	if err := msg.CloseContainer(); err != nil {
		return err
	}
	if err := writeStrings(msg, nil); err != nil {
		return err
	}
	return s.Send(msg)
}

func writeVariantEntry(e *envelope.Envelope, name string, v envelope.Value) error {
	if err := e.OpenContainer(signature.DictEntry, "sv"); err != nil {
		return err
	}
	if err := e.Write(name); err != nil {
		return err
	}
	if err := e.WriteValue(envelope.NewVariant(v)); err != nil {
		return err
	}
	return e.CloseContainer()
}

// dispatch runs one inbound method call against this session's objects
// and returns the reply to send.
func (s *Session) dispatch(call *envelope.Envelope) *envelope.Envelope {
	h := call.Header()
	if h.Interface == "org.freedesktop.DBus.Peer" && h.Member == "Ping" {
		reply, _ := envelope.NewMethodReturn(h)
		return reply
	}

	s.mu.Lock()
	o, known := s.objects[h.Path]
	isRoot := s.roots[h.Path]
	var fn Method
	if known {
		fn = o.methods[h.Interface][h.Member]
		if fn == nil && h.Interface == "" {
			for _, iface := range o.interfaces() {
				if m := o.methods[iface][h.Member]; m != nil {
					fn = m
					break
				}
			}
		}
	}
	var ifaceKnown bool
	if known {
		_, inMethods := o.methods[h.Interface]
		_, inProps := o.props[h.Interface]
		ifaceKnown = inMethods || inProps
	}
	s.mu.Unlock()

	switch {
	case fn != nil:
	case h.Interface == transport.InterfaceProperties && known:
		return s.serveProperties(call)
	case h.Interface == transport.InterfaceObjectManager && isRoot && h.Member == "GetManagedObjects":
		return s.serveManagedObjects(h)
	case !known && !isRoot:
		return errorReply(h, transport.ErrorUnknownObject, fmt.Sprintf("Unknown object '%s'", h.Path))
	case h.Interface != "" && !ifaceKnown:
		return errorReply(h, transport.ErrorUnknownInterface, fmt.Sprintf("Unknown interface '%s'", h.Interface))
	default:
		return errorReply(h, transport.ErrorUnknownMethod, fmt.Sprintf("Unknown method '%s' on '%s'", h.Member, h.Interface))
	}

	reply, _ := envelope.NewMethodReturn(h)
	if err := fn(call, reply); err != nil {
		reply.Release()
		var remote *transport.RemoteError
		if errors.As(err, &remote) {
			return errorReply(h, remote.Name, remote.Message)
		}
		log.Debug().Msgf("loopback.Session.dispatch method=%s.%s err=%v", h.Interface, h.Member, err)
		return errorReply(h, transport.ErrorFailed, err.Error())
	}
	return reply
}

func (s *Session) serveProperties(call *envelope.Envelope) *envelope.Envelope {
	h := call.Header()
	var iface string
	if err := call.Read(&iface); err != nil {
		return errorReply(h, transport.ErrorInvalidArgs, err.Error())
	}
	switch h.Member {
	case "Get":
		var name string
		if err := call.Read(&name); err != nil {
			return errorReply(h, transport.ErrorInvalidArgs, err.Error())
		}
		v, ok := s.Property(h.Path, iface, name)
		if !ok {
			return errorReply(h, transport.ErrorUnknownProperty, fmt.Sprintf("Unknown property %s.%s", iface, name))
		}
		reply, _ := envelope.NewMethodReturn(h)
		if err := reply.WriteValue(envelope.NewVariant(v)); err != nil {
			reply.Release()
			return errorReply(h, transport.ErrorFailed, err.Error())
		}
		return reply
	case "Set":
		var name string
		if err := call.Read(&name); err != nil {
			return errorReply(h, transport.ErrorInvalidArgs, err.Error())
		}
		if call.SignatureType() != signature.Variant {
			return errorReply(h, transport.ErrorInvalidArgs, "Set expects a variant value")
		}
		wrapped, err := call.ReadValue()
		if err != nil || len(wrapped.Items) != 1 {
			return errorReply(h, transport.ErrorInvalidArgs, "Set expects a variant value")
		}
		v := wrapped.Items[0]
		if err := s.storeProperty(h.Path, iface, name, v, true); err != nil {
			var remote *transport.RemoteError
			if errors.As(err, &remote) {
				return errorReply(h, remote.Name, remote.Message)
			}
			return errorReply(h, transport.ErrorFailed, err.Error())
		}
		if err := s.emitPropertiesChanged(h.Path, iface, name, v); err != nil {
			log.Warn().Msgf("loopback.Session.serveProperties emit err=%v", err)
		}
		reply, _ := envelope.NewMethodReturn(h)
		return reply
	case "GetAll":
		reply, _ := envelope.NewMethodReturn(h)
		if err := s.writeProperties(reply, h.Path, iface); err != nil {
			reply.Release()
			return errorReply(h, transport.ErrorFailed, err.Error())
		}
		return reply
	}
	return errorReply(h, transport.ErrorUnknownMethod, fmt.Sprintf("Unknown method '%s' on '%s'", h.Member, h.Interface))
}

// writeProperties writes the a{sv} of one interface in name order.
func (s *Session) writeProperties(e *envelope.Envelope, path envelope.ObjectPath, iface string) error {
	s.mu.Lock()
	var names []string
	values := make(map[string]envelope.Value)
	if o, ok := s.objects[path]; ok {
		for name, p := range o.props[iface] {
			names = append(names, name)
			values[name] = p.value.Clone()
		}
	}
	s.mu.Unlock()
	sort.Strings(names)

	if err := e.OpenContainer(signature.Array, "{sv}"); err != nil {
		return err
	}
	for _, name := range names {
		if err := writeVariantEntry(e, name, values[name]); err != nil {
			return err
		}
	}
	return e.CloseContainer()
}

// serveManagedObjects answers GetManagedObjects with a{oa{sa{sv}}}.
func (s *Session) serveManagedObjects(h envelope.Header) *envelope.Envelope {
	root := string(h.Path)
	s.mu.Lock()
	type entry struct {
		path   envelope.ObjectPath
		ifaces []string
	}
	var entries []entry
	for path, o := range s.objects {
		p := string(path)
		below := (root == "/" && p != "/") || strings.HasPrefix(p, root+"/")
		if !below {
			continue
		}
		entries = append(entries, entry{path: path, ifaces: o.interfaces()})
	}
	s.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	reply, _ := envelope.NewMethodReturn(h)
	fail := func(err error) *envelope.Envelope {
		reply.Release()
		return errorReply(h, transport.ErrorFailed, err.Error())
	}
	if err := reply.OpenContainer(signature.Array, "{oa{sa{sv}}}"); err != nil {
		return fail(err)
	}
	for _, ent := range entries {
		if err := reply.OpenContainer(signature.DictEntry, "oa{sa{sv}}"); err != nil {
			return fail(err)
		}
		if err := reply.Write(ent.path); err != nil {
			return fail(err)
		}
		if err := reply.OpenContainer(signature.Array, "{sa{sv}}"); err != nil {
			return fail(err)
		}
		for _, iface := range ent.ifaces {
			if err := reply.OpenContainer(signature.DictEntry, "sa{sv}"); err != nil {
				return fail(err)
			}
			if err := reply.Write(iface); err != nil {
				return fail(err)
			}
			if err := s.writeProperties(reply, ent.path, iface); err != nil {
				return fail(err)
			}
			if err := reply.CloseContainer(); err != nil {
				return fail(err)
			}
		}
		if err := reply.CloseContainer(); err != nil {
			return fail(err)
		}
		if err := reply.CloseContainer(); err != nil {
			return fail(err)
		}
	}
	if err := reply.CloseContainer(); err != nil {
		return fail(err)
	}
	return reply
}
