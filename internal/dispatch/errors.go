package dispatch

import (
	"errors"
	"fmt"

	"github.com/danmuck/dbusctl/internal/protocol/envelope"
)

// ErrCommunication marks every failed round trip: unknown service or
// object, timeout, closed session or an error reply.
var ErrCommunication = errors.New("dispatch: communication failure")

// CallError describes one failed call. errors.Is(err, ErrCommunication)
// holds for every CallError, and the transport error stays reachable
// through errors.As.
type CallError struct {
	Service   string
	Path      envelope.ObjectPath
	Interface string
	Member    string
	Err       error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("dispatch: call %s %s %s.%s: %s", e.Service, e.Path, e.Interface, e.Member, e.Diagnostic())
}

// Diagnostic is the transport's text for the failure.
func (e *CallError) Diagnostic() string {
	if e.Err == nil {
		return "unknown error"
	}
	return e.Err.Error()
}

func (e *CallError) Unwrap() []error {
	return []error{ErrCommunication, e.Err}
}

func callError(h envelope.Header, err error) *CallError {
	return &CallError{
		Service:   h.Destination,
		Path:      h.Path,
		Interface: h.Interface,
		Member:    h.Member,
		Err:       err,
	}
}
