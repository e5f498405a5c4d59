package envelope

import (
	"fmt"

	"github.com/danmuck/dbusctl/internal/protocol/signature"
)

// readFrame is one entered scope in read mode. The bottom frame is the
// message body itself.
type readFrame struct {
	tag   signature.Tag
	items []Value
	idx   int
}

func (e *Envelope) current() (Value, bool) {
	n := len(e.m.rstack)
	if n == 0 {
		return Value{}, false
	}
	top := &e.m.rstack[n-1]
	if top.idx >= len(top.items) {
		return Value{}, false
	}
	return top.items[top.idx], true
}

func (e *Envelope) advance() {
	e.m.rstack[len(e.m.rstack)-1].idx++
}

// SignatureType returns the tag of the value at the cursor, or Empty.
func (e *Envelope) SignatureType() signature.Tag {
	if err := e.lock(ModeRead); err != nil {
		return signature.Empty
	}
	defer e.m.mu.Unlock()
	v, ok := e.current()
	if !ok {
		return signature.Empty
	}
	return v.Tag()
}

// SignatureContents returns the contents signature of the value at the
// cursor: the element type for arrays, the members for structs and dict
// entries, the wrapped type for variants. Empty for basic values or when
// nothing is left.
func (e *Envelope) SignatureContents() string {
	if err := e.lock(ModeRead); err != nil {
		return ""
	}
	defer e.m.mu.Unlock()
	v, ok := e.current()
	if !ok {
		return ""
	}
	return v.Contents()
}

// AtEnd reports whether the current scope has no more values.
func (e *Envelope) AtEnd() bool {
	if err := e.lock(ModeRead); err != nil {
		return true
	}
	defer e.m.mu.Unlock()
	_, ok := e.current()
	return !ok
}

func (e *Envelope) enter(tag signature.Tag, contents string) bool {
	v, ok := e.current()
	if !ok || v.Tag() != tag {
		return false
	}
	if contents != "" && v.Contents() != contents {
		return false
	}
	e.advance()
	e.m.rstack = append(e.m.rstack, readFrame{tag: tag, items: v.Items})
	return true
}

// EnterContainer steps into the container at the cursor. An empty
// contents matches any container of that tag.
func (e *Envelope) EnterContainer(tag signature.Tag, contents string) error {
	if err := e.lock(ModeRead); err != nil {
		return err
	}
	defer e.m.mu.Unlock()
	if e.enter(tag, contents) {
		return nil
	}
	v, ok := e.current()
	if !ok {
		return fmt.Errorf("%w: enter %s %q at end of container", ErrContainerMismatch, tag, contents)
	}
	return fmt.Errorf("%w: enter %s %q but next value is %q", ErrContainerMismatch, tag, contents, v.Signature)
}

// EnterContainerIf is the probing form of EnterContainer. It never fails;
// false means the cursor does not hold that container.
func (e *Envelope) EnterContainerIf(tag signature.Tag, contents string) bool {
	if err := e.lock(ModeRead); err != nil {
		return false
	}
	defer e.m.mu.Unlock()
	return e.enter(tag, contents)
}

// EnterAny steps into whichever container is at the cursor.
func (e *Envelope) EnterAny() error {
	if err := e.lock(ModeRead); err != nil {
		return err
	}
	defer e.m.mu.Unlock()
	v, ok := e.current()
	if !ok {
		return fmt.Errorf("%w: nothing to enter", ErrContainerMismatch)
	}
	if !v.Tag().IsContainer() {
		return fmt.Errorf("%w: %q is not a container", ErrContainerMismatch, v.Signature)
	}
	e.enter(v.Tag(), "")
	return nil
}

// ExitContainer leaves the current scope. Every value in it must have been
// read or skipped.
func (e *Envelope) ExitContainer() error {
	if err := e.lock(ModeRead); err != nil {
		return err
	}
	defer e.m.mu.Unlock()
	n := len(e.m.rstack)
	if n <= 1 {
		return fmt.Errorf("%w: no entered container", ErrContainerMismatch)
	}
	top := e.m.rstack[n-1]
	if left := len(top.items) - top.idx; left > 0 {
		return fmt.Errorf("%w: %s exited with %d value(s) unread", ErrContainerMismatch, top.tag, left)
	}
	e.m.rstack = e.m.rstack[:n-1]
	return nil
}

// Skip advances past complete values matching types without decoding them.
func (e *Envelope) Skip(types string) error {
	if err := e.lock(ModeRead); err != nil {
		return err
	}
	defer e.m.mu.Unlock()
	want, err := signature.Split(types)
	if err != nil || len(want) == 0 {
		return fmt.Errorf("%w: skip %q: invalid signature", ErrTypeMismatch, types)
	}
	top := &e.m.rstack[len(e.m.rstack)-1]
	if top.idx+len(want) > len(top.items) {
		return fmt.Errorf("%w: skip %q past end of container", ErrEndOfContainer, types)
	}
	for i, w := range want {
		if got := top.items[top.idx+i].Signature; got != w {
			return fmt.Errorf("%w: skip %q but value %d is %q", ErrTypeMismatch, types, i, got)
		}
	}
	top.idx += len(want)
	return nil
}

// ReadValue consumes the complete value at the cursor, whatever its type.
func (e *Envelope) ReadValue() (Value, error) {
	if err := e.lock(ModeRead); err != nil {
		return Value{}, err
	}
	defer e.m.mu.Unlock()
	v, ok := e.current()
	if !ok {
		return Value{}, ErrEndOfContainer
	}
	e.advance()
	return v, nil
}

// Read consumes one value into out. Scalar pointers (*bool, *uint8, *int16,
// *uint16, *int32, *uint32, *int64, *uint64, *float64, *string,
// *ObjectPath, *Signature, *UnixFD) read one basic value. *[]byte,
// *[]string and *[]ObjectPath read a whole homogeneous array.
func (e *Envelope) Read(out any) error {
	switch p := out.(type) {
	case *[]byte:
		return readArray(e, signature.Byte, p)
	case *[]string:
		return readArray(e, signature.String, p)
	case *[]ObjectPath:
		return readArray(e, signature.ObjectPath, p)
	}

	if err := e.lock(ModeRead); err != nil {
		return err
	}
	defer e.m.mu.Unlock()
	v, ok := e.current()
	if !ok {
		return ErrEndOfContainer
	}
	if err := assign(out, v); err != nil {
		return err
	}
	e.advance()
	return nil
}

// readArray enters an array of tag, reads every element and exits.
func readArray[T any](e *Envelope, tag signature.Tag, out *[]T) error {
	if err := e.EnterContainer(signature.Array, string(tag)); err != nil {
		return err
	}
	items := make([]T, 0)
	for !e.AtEnd() {
		var item T
		if err := e.Read(&item); err != nil {
			return err
		}
		items = append(items, item)
	}
	if err := e.ExitContainer(); err != nil {
		return err
	}
	*out = items
	return nil
}

func assign(out any, v Value) error {
	mismatch := func(want string) error {
		return fmt.Errorf("%w: read %s but value is %q", ErrTypeMismatch, want, v.Signature)
	}
	switch p := out.(type) {
	case *bool:
		b, ok := v.Scalar.(bool)
		if !ok {
			return mismatch("b")
		}
		*p = b
	case *uint8:
		x, ok := v.Scalar.(uint8)
		if !ok {
			return mismatch("y")
		}
		*p = x
	case *int16:
		x, ok := v.Scalar.(int16)
		if !ok {
			return mismatch("n")
		}
		*p = x
	case *uint16:
		x, ok := v.Scalar.(uint16)
		if !ok {
			return mismatch("q")
		}
		*p = x
	case *int32:
		x, ok := v.Scalar.(int32)
		if !ok {
			return mismatch("i")
		}
		*p = x
	case *uint32:
		x, ok := v.Scalar.(uint32)
		if !ok {
			return mismatch("u")
		}
		*p = x
	case *int64:
		x, ok := v.Scalar.(int64)
		if !ok {
			return mismatch("x")
		}
		*p = x
	case *uint64:
		x, ok := v.Scalar.(uint64)
		if !ok {
			return mismatch("t")
		}
		*p = x
	case *float64:
		x, ok := v.Scalar.(float64)
		if !ok {
			return mismatch("d")
		}
		*p = x
	case *string:
		x, ok := v.Scalar.(string)
		if !ok {
			return mismatch("s")
		}
		*p = x
	case *ObjectPath:
		x, ok := v.Scalar.(ObjectPath)
		if !ok {
			return mismatch("o")
		}
		*p = x
	case *Signature:
		x, ok := v.Scalar.(Signature)
		if !ok {
			return mismatch("g")
		}
		*p = x
	case *UnixFD:
		x, ok := v.Scalar.(UnixFD)
		if !ok {
			return mismatch("h")
		}
		*p = x
	default:
		return fmt.Errorf("%w: unsupported read target %T", ErrTypeMismatch, out)
	}
	return nil
}
