package dispatch

import (
	"fmt"

	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/danmuck/dbusctl/internal/protocol/signature"
	"github.com/danmuck/dbusctl/internal/transport"
)

// PropertyGet calls Properties.Get and returns the reply with the cursor
// already inside the variant. The caller reads the value, may
// ExitContainer, and releases the reply.
func (d *Dispatcher) PropertyGet(service string, path envelope.ObjectPath, iface, name string) (*envelope.Envelope, error) {
	msg, err := d.MethodCall(service, path, transport.InterfaceProperties, "Get")
	if err != nil {
		return nil, err
	}
	defer msg.Release()
	if err := msg.Write(iface); err != nil {
		return nil, err
	}
	if err := msg.Write(name); err != nil {
		return nil, err
	}

	reply, err := d.Call(msg)
	if err != nil {
		return nil, err
	}
	if err := reply.EnterContainer(signature.Variant, ""); err != nil {
		reply.Release()
		return nil, fmt.Errorf("dispatch: get %s.%s: %w", iface, name, err)
	}
	return reply, nil
}

// PropertySet returns a Properties.Set call with the interface and name
// already written. The caller opens a variant, writes the value, closes
// the variant and passes the message to Call.
func (d *Dispatcher) PropertySet(service string, path envelope.ObjectPath, iface, name string) (*envelope.Envelope, error) {
	msg, err := d.MethodCall(service, path, transport.InterfaceProperties, "Set")
	if err != nil {
		return nil, err
	}
	if err := msg.Write(iface); err != nil {
		msg.Release()
		return nil, err
	}
	if err := msg.Write(name); err != nil {
		msg.Release()
		return nil, err
	}
	return msg, nil
}

// GetProperty reads one property into out, which must point at the
// scalar type the service declares. A different type fails with
// envelope.ErrTypeMismatch.
func (d *Dispatcher) GetProperty(service string, path envelope.ObjectPath, iface, name string, out any) error {
	reply, err := d.PropertyGet(service, path, iface, name)
	if err != nil {
		return err
	}
	defer reply.Release()
	if err := reply.Read(out); err != nil {
		return fmt.Errorf("dispatch: get %s.%s: %w", iface, name, err)
	}
	return reply.ExitContainer()
}

// SetProperty writes value, a scalar or an envelope.Value, as a variant.
func (d *Dispatcher) SetProperty(service string, path envelope.ObjectPath, iface, name string, value any) error {
	v, ok := value.(envelope.Value)
	if !ok {
		var err error
		if v, err = envelope.Scalar(value); err != nil {
			return fmt.Errorf("dispatch: set %s.%s: %w", iface, name, err)
		}
	}

	msg, err := d.PropertySet(service, path, iface, name)
	if err != nil {
		return err
	}
	defer msg.Release()
	if err := msg.OpenContainer(signature.Variant, v.Signature); err != nil {
		return err
	}
	if err := msg.WriteValue(v); err != nil {
		return err
	}
	if err := msg.CloseContainer(); err != nil {
		return err
	}

	reply, err := d.Call(msg)
	if err != nil {
		return err
	}
	reply.Release()
	return nil
}

// Scalar lists the property types the typed helpers support.
type Scalar interface {
	bool | uint8 | int16 | uint16 | int32 | uint32 | int64 | uint64 | float64 | string | envelope.ObjectPath
}

// Get reads a property of type T.
func Get[T Scalar](d *Dispatcher, service string, path envelope.ObjectPath, iface, name string) (T, error) {
	var out T
	err := d.GetProperty(service, path, iface, name, &out)
	return out, err
}

// Set writes a property of type T.
func Set[T Scalar](d *Dispatcher, service string, path envelope.ObjectPath, iface, name string, value T) error {
	return d.SetProperty(service, path, iface, name, value)
}

// Properties calls Properties.GetAll for one interface.
func (d *Dispatcher) Properties(service string, path envelope.ObjectPath, iface string) (map[string]envelope.Value, error) {
	msg, err := d.MethodCall(service, path, transport.InterfaceProperties, "GetAll")
	if err != nil {
		return nil, err
	}
	defer msg.Release()
	if err := msg.Write(iface); err != nil {
		return nil, err
	}

	reply, err := d.Call(msg)
	if err != nil {
		return nil, err
	}
	defer reply.Release()
	props, err := readProperties(reply)
	if err != nil {
		return nil, fmt.Errorf("dispatch: properties %s: %w", iface, err)
	}
	return props, nil
}
