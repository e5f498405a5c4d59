// Package transport defines what the codec, dispatcher and subscription
// registry need from a bus session.
//
// Ownership boundary:
// - sealing outbound Envelopes and producing read-mode inbound Envelopes
// - installing and removing match-rule filters
// - non-blocking processing of pending traffic and bounded readiness waits
//
// A Session must tolerate one goroutine issuing synchronous calls while
// another goroutine processes and waits on it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/dbusctl/internal/protocol/envelope"
)

// DefaultCallTimeout is used when a session has no explicit timeout.
const DefaultCallTimeout = 25 * time.Second

var (
	ErrClosed         = errors.New("transport: session closed")
	ErrNotConnected   = errors.New("transport: not connected")
	ErrTimeout        = errors.New("transport: call timed out")
	ErrNoReply        = errors.New("transport: no reply")
	ErrMatchRejected  = errors.New("transport: match rule rejected")
	ErrUnknownAddress = errors.New("transport: unknown bus address")
)

// Handler receives one matching inbound message. The Envelope is released
// when the handler returns; handlers keep it with Ref.
type Handler func(msg *envelope.Envelope)

// Slot is an installed match-rule filter.
type Slot interface {
	Close() error
}

// Session is one connection to a bus.
type Session interface {
	Address() (string, error)
	IsOpen() bool
	IsReady() bool
	Timeout() time.Duration
	SetTimeout(d time.Duration)

	// Call seals msg, sends it and waits for the reply. Error replies are
	// returned as *RemoteError.
	Call(ctx context.Context, msg *envelope.Envelope) (*envelope.Envelope, error)
	// Send seals msg and puts it on the bus without waiting.
	Send(msg *envelope.Envelope) error

	AddMatch(rule string, handler Handler) (Slot, error)

	// Process dispatches at most one pending inbound message to matching
	// handlers and reports whether it did any work. It never blocks.
	Process() (bool, error)
	// Wait blocks until inbound traffic may be pending or timeout elapses.
	Wait(timeout time.Duration) error

	Close() error
}

// Pollable is implemented by sessions backed by a real descriptor.
type Pollable interface {
	Fd() int
}

// RemoteError is an error reply sent by the peer.
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Well-known error names used by the loopback bus and by real daemons.
const (
	ErrorServiceUnknown   = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrorUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrorUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrorUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrorUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrorInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrorPropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrorLimitsExceeded   = "org.freedesktop.DBus.Error.LimitsExceeded"
	ErrorMatchRuleInvalid = "org.freedesktop.DBus.Error.MatchRuleInvalid"
	ErrorFailed           = "org.freedesktop.DBus.Error.Failed"
)

// Standard interfaces.
const (
	InterfaceProperties    = "org.freedesktop.DBus.Properties"
	InterfaceObjectManager = "org.freedesktop.DBus.ObjectManager"
)

// ReplyError converts an error-kind reply into a *RemoteError, taking the
// first string argument as the message text.
func ReplyError(reply *envelope.Envelope) error {
	if reply.Kind() != envelope.KindError {
		return nil
	}
	out := &RemoteError{Name: reply.ErrorName()}
	for _, v := range reply.Body() {
		if s, ok := v.Scalar.(string); ok {
			out.Message = s
			break
		}
	}
	return out
}
