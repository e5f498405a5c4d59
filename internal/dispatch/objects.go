package dispatch

import (
	"fmt"
	"sort"

	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/danmuck/dbusctl/internal/protocol/signature"
	"github.com/danmuck/dbusctl/internal/transport"
)

// Object is one entry of GetManagedObjects.
type Object struct {
	Path envelope.ObjectPath
	// Interfaces maps interface name to its properties.
	Interfaces map[string]map[string]envelope.Value
}

// InterfaceNames returns the object's interfaces sorted by name.
func (o Object) InterfaceNames() []string {
	out := make([]string, 0, len(o.Interfaces))
	for name := range o.Interfaces {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Objects enumerates the objects service manages below "/".
func (d *Dispatcher) Objects(service string) ([]Object, error) {
	return d.ObjectsAt(service, "/")
}

// ObjectsAt calls GetManagedObjects on root and decodes a{oa{sa{sv}}}.
// Objects come back in wire order.
func (d *Dispatcher) ObjectsAt(service string, root envelope.ObjectPath) ([]Object, error) {
	msg, err := d.MethodCall(service, root, transport.InterfaceObjectManager, "GetManagedObjects")
	if err != nil {
		return nil, err
	}
	defer msg.Release()

	reply, err := d.Call(msg)
	if err != nil {
		return nil, err
	}
	defer reply.Release()

	objects, err := readManagedObjects(reply)
	if err != nil {
		return nil, fmt.Errorf("dispatch: objects %s: %w", service, err)
	}
	return objects, nil
}

func readManagedObjects(reply *envelope.Envelope) ([]Object, error) {
	if err := reply.EnterContainer(signature.Array, "{oa{sa{sv}}}"); err != nil {
		return nil, err
	}
	objects := make([]Object, 0)
	for reply.EnterContainerIf(signature.DictEntry, "oa{sa{sv}}") {
		obj := Object{Interfaces: make(map[string]map[string]envelope.Value)}
		if err := reply.Read(&obj.Path); err != nil {
			return nil, err
		}
		if err := reply.EnterContainer(signature.Array, "{sa{sv}}"); err != nil {
			return nil, err
		}
		for reply.EnterContainerIf(signature.DictEntry, "sa{sv}") {
			var iface string
			if err := reply.Read(&iface); err != nil {
				return nil, err
			}
			props, err := readProperties(reply)
			if err != nil {
				return nil, err
			}
			obj.Interfaces[iface] = props
			if err := reply.ExitContainer(); err != nil {
				return nil, err
			}
		}
		if err := reply.ExitContainer(); err != nil {
			return nil, err
		}
		if err := reply.ExitContainer(); err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}
	if err := reply.ExitContainer(); err != nil {
		return nil, err
	}
	return objects, nil
}

// readProperties decodes one a{sv} at the cursor.
func readProperties(reply *envelope.Envelope) (map[string]envelope.Value, error) {
	if err := reply.EnterContainer(signature.Array, "{sv}"); err != nil {
		return nil, err
	}
	props := make(map[string]envelope.Value)
	for reply.EnterContainerIf(signature.DictEntry, "sv") {
		var name string
		if err := reply.Read(&name); err != nil {
			return nil, err
		}
		if err := reply.EnterContainer(signature.Variant, ""); err != nil {
			return nil, err
		}
		v, err := reply.ReadValue()
		if err != nil {
			return nil, err
		}
		props[name] = v
		if err := reply.ExitContainer(); err != nil {
			return nil, err
		}
		if err := reply.ExitContainer(); err != nil {
			return nil, err
		}
	}
	if err := reply.ExitContainer(); err != nil {
		return nil, err
	}
	return props, nil
}
