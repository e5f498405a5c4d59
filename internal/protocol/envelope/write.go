package envelope

import (
	"fmt"

	"github.com/danmuck/dbusctl/internal/protocol/signature"
)

// writeFrame is one open container scope in write mode.
type writeFrame struct {
	tag    signature.Tag
	node   Value
	elem   string
	expect []string
}

// accepts consumes the next expected member type if it equals sig.
func (f *writeFrame) accepts(sig string) bool {
	if f.tag == signature.Array {
		return sig == f.elem
	}
	if len(f.expect) == 0 || f.expect[0] != sig {
		return false
	}
	f.expect = f.expect[1:]
	return true
}

func (e *Envelope) expectNext(sig string) bool {
	n := len(e.m.wstack)
	if n == 0 {
		return true
	}
	return e.m.wstack[n-1].accepts(sig)
}

// nextExpected describes the type the innermost scope wants, for errors.
func (e *Envelope) nextExpected() string {
	n := len(e.m.wstack)
	if n == 0 {
		return "any"
	}
	f := e.m.wstack[n-1]
	if f.tag == signature.Array {
		return f.elem
	}
	if len(f.expect) == 0 {
		return "nothing"
	}
	return f.expect[0]
}

func (e *Envelope) appendValue(v Value) {
	n := len(e.m.wstack)
	if n == 0 {
		e.m.body = append(e.m.body, v)
		return
	}
	top := &e.m.wstack[n-1]
	top.node.Items = append(top.node.Items, v)
}

// Write appends one value to the current scope. Scalars are bool, uint8,
// int16, uint16, int32, uint32, int64, uint64, float64, string,
// ObjectPath, Signature and UnixFD; a []byte is written as an ay array.
func (e *Envelope) Write(raw any) error {
	if err := e.lock(ModeWrite); err != nil {
		return err
	}
	defer e.m.mu.Unlock()

	var v Value
	if b, ok := raw.([]byte); ok {
		items := make([]Value, len(b))
		for i, c := range b {
			items[i] = Value{Signature: string(signature.Byte), Scalar: c}
		}
		v = Value{Signature: "ay", Items: items}
	} else {
		s, err := Scalar(raw)
		if err != nil {
			return err
		}
		v = s
	}
	if !e.expectNext(v.Signature) {
		return fmt.Errorf("%w: cannot write %q here, expected %q", ErrTypeMismatch, v.Signature, e.nextExpected())
	}
	e.appendValue(v)
	return nil
}

// WriteValue appends an already built complete value.
func (e *Envelope) WriteValue(v Value) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if err := e.lock(ModeWrite); err != nil {
		return err
	}
	defer e.m.mu.Unlock()
	if v.Tag() == signature.DictEntry && len(e.m.wstack) == 0 {
		return fmt.Errorf("%w: dict entry %q outside array", ErrContainerMismatch, v.Signature)
	}
	if !e.expectNext(v.Signature) {
		return fmt.Errorf("%w: cannot write %q here, expected %q", ErrTypeMismatch, v.Signature, e.nextExpected())
	}
	e.appendValue(v.Clone())
	return nil
}

// OpenContainer starts an array, struct, variant or dict-entry scope
// whose members are described by contents.
func (e *Envelope) OpenContainer(tag signature.Tag, contents string) error {
	if err := e.lock(ModeWrite); err != nil {
		return err
	}
	defer e.m.mu.Unlock()

	full, err := signature.Container(tag, contents)
	if err != nil {
		return fmt.Errorf("%w: open %s %q: %v", ErrContainerMismatch, tag, contents, err)
	}
	frame := writeFrame{tag: tag, node: Value{Signature: full}}
	switch tag {
	case signature.Array:
		frame.elem = contents
	case signature.Variant:
		frame.expect = []string{contents}
	default:
		members, err := signature.Split(contents)
		if err != nil {
			return fmt.Errorf("%w: open %s %q: %v", ErrContainerMismatch, tag, contents, err)
		}
		frame.expect = members
	}
	if tag == signature.DictEntry {
		n := len(e.m.wstack)
		if n == 0 || e.m.wstack[n-1].tag != signature.Array {
			return fmt.Errorf("%w: dict entry %q outside array", ErrContainerMismatch, full)
		}
	}
	if !e.expectNext(full) {
		return fmt.Errorf("%w: cannot open %q here, expected %q", ErrContainerMismatch, full, e.nextExpected())
	}
	e.m.wstack = append(e.m.wstack, frame)
	return nil
}

// CloseContainer ends the innermost open scope.
func (e *Envelope) CloseContainer() error {
	if err := e.lock(ModeWrite); err != nil {
		return err
	}
	defer e.m.mu.Unlock()

	n := len(e.m.wstack)
	if n == 0 {
		return fmt.Errorf("%w: no open container", ErrContainerMismatch)
	}
	top := e.m.wstack[n-1]
	if top.tag != signature.Array && len(top.expect) > 0 {
		return fmt.Errorf("%w: %s closed with %d member(s) unwritten", ErrContainerMismatch, top.tag, len(top.expect))
	}
	e.m.wstack = e.m.wstack[:n-1]
	e.appendValue(top.node)
	return nil
}

// Depth reports the number of open (write) or entered (read) scopes.
func (e *Envelope) Depth() int {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	if e.m.mode == ModeWrite {
		return len(e.m.wstack)
	}
	if len(e.m.rstack) == 0 {
		return 0
	}
	return len(e.m.rstack) - 1
}
