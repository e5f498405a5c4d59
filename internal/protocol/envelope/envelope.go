package envelope

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/dbusctl/internal/protocol/signature"
	"github.com/rs/zerolog/log"
)

// message is the shared resource behind every Envelope handle.
type message struct {
	mu       sync.Mutex
	refs     atomic.Int32
	header   Header
	mode     Mode
	body     []Value
	sealed   bool
	released bool

	wstack []writeFrame
	rstack []readFrame

	onRelease func()
}

// Envelope is a handle to one shared message plus its cursor.
//
// Ref returns another handle to the same message; Release drops this
// handle. The message body is discarded when the last handle is released.
type Envelope struct {
	m    *message
	done atomic.Bool
}

func newMessage(h Header, mode Mode) *message {
	m := &message{header: h, mode: mode}
	m.refs.Store(1)
	if mode == ModeRead {
		m.rstack = []readFrame{{tag: signature.Empty}}
	}
	return m
}

// New creates an empty write-mode Envelope for h.
func New(h Header) (*Envelope, error) {
	if err := h.Validate(); err != nil {
		log.Debug().Msgf("envelope.New rejected kind=%s err=%v", h.Kind, err)
		return nil, err
	}
	return &Envelope{m: newMessage(h, ModeWrite)}, nil
}

// NewMethodCall creates a write-mode method call addressed to
// (destination, path, iface, member).
func NewMethodCall(destination string, path ObjectPath, iface, member string) (*Envelope, error) {
	return New(Header{
		Kind:        KindMethodCall,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      member,
	})
}

// NewSignal creates a write-mode broadcast signal.
func NewSignal(path ObjectPath, iface, member string) (*Envelope, error) {
	return New(Header{Kind: KindSignal, Path: path, Interface: iface, Member: member})
}

// NewMethodReturn creates a write-mode reply to call.
func NewMethodReturn(call Header) (*Envelope, error) {
	return New(Header{
		Kind:        KindMethodReturn,
		ReplySerial: call.Serial,
		Destination: call.Sender,
	})
}

// NewError creates a write-mode error reply carrying text as its body.
func NewError(call Header, name, text string) (*Envelope, error) {
	e, err := New(Header{
		Kind:        KindError,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		ErrorName:   name,
	})
	if err != nil {
		return nil, err
	}
	if text != "" {
		if err := e.Write(text); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// FromValues wraps a received message in a read-mode Envelope. Every value
// is validated; a malformed body fails construction.
func FromValues(h Header, body []Value) (*Envelope, error) {
	if h.Kind == KindInvalid {
		return nil, fmt.Errorf("%w: invalid message kind", ErrInvalidHandle)
	}
	for i, v := range body {
		if v.Tag() == signature.DictEntry {
			return nil, fmt.Errorf("%w: body[%d]: dict entry outside array", ErrInvalidHandle, i)
		}
		if err := v.Validate(); err != nil {
			log.Debug().Msgf("envelope.FromValues rejected index=%d err=%v", i, err)
			return nil, fmt.Errorf("%w: body[%d]: %v", ErrInvalidHandle, i, err)
		}
	}
	m := newMessage(h, ModeRead)
	m.body = body
	m.rstack[0].items = body
	return &Envelope{m: m}, nil
}

// OnRelease registers fn to run once when the last handle is released.
func (e *Envelope) OnRelease(fn func()) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	e.m.onRelease = fn
}

// Ref returns a new handle sharing this message and its cursor.
func (e *Envelope) Ref() *Envelope {
	e.m.refs.Add(1)
	return &Envelope{m: e.m}
}

// Release drops this handle. Releasing the same handle twice is a no-op.
func (e *Envelope) Release() {
	if e == nil || e.done.Swap(true) {
		return
	}
	if e.m.refs.Add(-1) != 0 {
		return
	}
	e.m.mu.Lock()
	e.m.released = true
	e.m.body = nil
	e.m.wstack = nil
	e.m.rstack = nil
	fn := e.m.onRelease
	e.m.onRelease = nil
	e.m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Refs reports how many live handles share the message.
func (e *Envelope) Refs() int {
	return int(e.m.refs.Load())
}

// Released reports whether this handle can no longer be used.
func (e *Envelope) Released() bool {
	if e.done.Load() {
		return true
	}
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	return e.m.released
}

// lock acquires the message and checks the handle is usable in mode.
func (e *Envelope) lock(mode Mode) error {
	if e.done.Load() {
		return ErrReleased
	}
	e.m.mu.Lock()
	if e.m.released {
		e.m.mu.Unlock()
		return ErrReleased
	}
	if e.m.mode != mode {
		e.m.mu.Unlock()
		return fmt.Errorf("%w: envelope is in %s mode", ErrWrongMode, e.m.mode)
	}
	if mode == ModeWrite && e.m.sealed {
		e.m.mu.Unlock()
		return ErrSealed
	}
	return nil
}

// Seal hands the composed body to a transport. The write-mode Envelope
// becomes unusable for further writes. All containers must be closed.
func (e *Envelope) Seal() (Header, []Value, error) {
	if err := e.lock(ModeWrite); err != nil {
		return Header{}, nil, err
	}
	defer e.m.mu.Unlock()
	if n := len(e.m.wstack); n > 0 {
		return Header{}, nil, fmt.Errorf("%w: %d container(s) still open", ErrContainerMismatch, n)
	}
	e.m.sealed = true
	body := make([]Value, len(e.m.body))
	for i, v := range e.m.body {
		body[i] = v.Clone()
	}
	return e.m.header, body, nil
}

// Header returns a copy of the routing fields.
func (e *Envelope) Header() Header {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	return e.m.header
}

// SetSerial is used by transports when a message is put on the bus.
func (e *Envelope) SetSerial(serial uint32) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	e.m.header.Serial = serial
}

// Body returns the complete top-level values of the message. The slice is
// shared and must not be modified.
func (e *Envelope) Body() []Value {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	return e.m.body
}

func (e *Envelope) Mode() Mode          { return e.m.mode }
func (e *Envelope) Kind() Kind          { return e.Header().Kind }
func (e *Envelope) Sender() string      { return e.Header().Sender }
func (e *Envelope) Destination() string { return e.Header().Destination }
func (e *Envelope) Path() ObjectPath    { return e.Header().Path }
func (e *Envelope) Interface() string   { return e.Header().Interface }
func (e *Envelope) Member() string      { return e.Header().Member }
func (e *Envelope) ErrorName() string   { return e.Header().ErrorName }

// Empty reports whether the message has no body values.
func (e *Envelope) Empty() bool {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	return len(e.m.body) == 0
}

// Signature returns the signature of the whole body composed or received
// so far.
func (e *Envelope) Signature() string {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	return BodySignature(e.m.body)
}

// HasSignature reports whether the whole body has signature sig.
func (e *Envelope) HasSignature(sig string) bool {
	return e.Signature() == sig
}

// SignatureValid checks sig against the type grammar without touching the
// cursor. An empty signature describes nothing and is not valid here.
func (e *Envelope) SignatureValid(sig string) bool {
	return sig != "" && signature.Valid(sig)
}
