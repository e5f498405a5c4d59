// Package dispatch issues synchronous method calls over a bus.Connection.
//
// A Dispatcher serializes its own calls; separate Dispatchers sharing one
// Connection run independently. Replies are read-mode Envelopes the caller
// must Release.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/dbusctl/internal/bus"
	"github.com/danmuck/dbusctl/internal/observability"
	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/rs/zerolog/log"
)

type Dispatcher struct {
	mu   sync.Mutex
	conn *bus.Connection
}

// New returns a Dispatcher holding its own reference to conn's session.
func New(conn *bus.Connection) *Dispatcher {
	return &Dispatcher{conn: conn.Clone()}
}

// Close drops the Dispatcher's session reference.
func (d *Dispatcher) Close() error {
	return d.conn.Close()
}

func (d *Dispatcher) Connection() *bus.Connection {
	return d.conn
}

// MethodCall builds an empty write-mode call for the caller to fill.
func (d *Dispatcher) MethodCall(service string, path envelope.ObjectPath, iface, member string) (*envelope.Envelope, error) {
	return envelope.NewMethodCall(service, path, iface, member)
}

// Signal builds an empty write-mode broadcast signal.
func (d *Dispatcher) Signal(path envelope.ObjectPath, iface, member string) (*envelope.Envelope, error) {
	return envelope.NewSignal(path, iface, member)
}

// Call sends msg and blocks for the reply, at most the connection timeout.
// msg is sealed by the call and still has to be released by the caller.
func (d *Dispatcher) Call(msg *envelope.Envelope) (*envelope.Envelope, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := msg.Header()
	s := d.conn.Session()
	if s == nil || !s.IsReady() {
		return nil, callError(h, bus.ErrNotReady)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.conn.Timeout())
	defer cancel()

	start := time.Now()
	reply, err := s.Call(ctx, msg)
	observability.RecordBusCall(h.Interface, h.Member, time.Since(start), err == nil)
	if err != nil {
		log.Debug().Msgf("dispatch.Dispatcher.Call service=%s path=%s member=%s.%s err=%v", h.Destination, h.Path, h.Interface, h.Member, err)
		return nil, callError(h, err)
	}
	log.Debug().Msgf("dispatch.Dispatcher.Call service=%s path=%s member=%s.%s reply=%q", h.Destination, h.Path, h.Interface, h.Member, reply.Signature())
	return reply, nil
}

// Send puts msg on the bus without waiting for a reply.
func (d *Dispatcher) Send(msg *envelope.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := msg.Header()
	s := d.conn.Session()
	if s == nil || !s.IsReady() {
		return callError(h, bus.ErrNotReady)
	}
	if err := s.Send(msg); err != nil {
		return callError(h, err)
	}
	return nil
}
