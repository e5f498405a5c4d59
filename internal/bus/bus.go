// Package bus hands out reference-counted Connections to transport
// sessions.
//
// A Hub replaces the process-wide default bus: ModeReuse connections from
// one Hub share a single session, ModeNew opens a dedicated one. Cloning a
// Connection shares its session; the session is closed when the last
// Connection referencing it is closed.
package bus

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/dbusctl/internal/transport"
	"github.com/rs/zerolog/log"
)

type Mode int

const (
	// ModeReuse shares the Hub's session, opening it on first use.
	ModeReuse Mode = iota
	// ModeNew opens a session owned by this Connection and its clones.
	ModeNew
)

var (
	ErrUnknownMode = errors.New("bus: unknown connection mode")
	ErrNotReady    = errors.New("bus: connection not ready")
	ErrClosed      = errors.New("bus: connection closed")
)

func (m Mode) String() string {
	switch m {
	case ModeReuse:
		return "reuse"
	case ModeNew:
		return "new"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode accepts the names used in configuration files.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "reuse", "shared":
		return ModeReuse, nil
	case "new", "private":
		return ModeNew, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, raw)
}

// Opener opens one transport session.
type Opener func() (transport.Session, error)

// handle is the shared resource behind Connections; refs counts them.
type handle struct {
	session transport.Session
	refs    atomic.Int32
	hub     *Hub
}

func (h *handle) acquire() *handle {
	h.refs.Add(1)
	return h
}

// tryAcquire takes a reference unless the handle is already being
// released.
func (h *handle) tryAcquire() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (h *handle) release() error {
	if h.refs.Add(-1) != 0 {
		return nil
	}
	if h.hub != nil {
		h.hub.forget(h)
	}
	log.Debug().Msg("bus.handle.release closing session")
	return h.session.Close()
}

// Hub opens sessions and owns the shared one.
type Hub struct {
	open Opener

	mu     sync.Mutex
	shared *handle
}

func NewHub(open Opener) *Hub {
	return &Hub{open: open}
}

// Connect returns a Connection in the given mode.
func (h *Hub) Connect(mode Mode) (*Connection, error) {
	switch mode {
	case ModeReuse:
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.shared != nil && h.shared.session.IsOpen() && h.shared.tryAcquire() {
			return &Connection{h: h.shared}, nil
		}
		s, err := h.open()
		if err != nil {
			return nil, fmt.Errorf("bus: open shared session: %w", err)
		}
		hd := &handle{session: s, hub: h}
		hd.refs.Store(1)
		h.shared = hd
		log.Debug().Msgf("bus.Hub.Connect mode=%s opened", mode)
		return &Connection{h: hd}, nil
	case ModeNew:
		s, err := h.open()
		if err != nil {
			return nil, fmt.Errorf("bus: open session: %w", err)
		}
		log.Debug().Msgf("bus.Hub.Connect mode=%s opened", mode)
		return Wrap(s), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownMode, int(mode))
}

// Shared reports whether the Hub currently holds a shared session.
func (h *Hub) Shared() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shared != nil
}

func (h *Hub) forget(hd *handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shared == hd {
		h.shared = nil
	}
}

// Connection is one reference to a session.
type Connection struct {
	mu sync.Mutex
	h  *handle
}

// Wrap makes s the sole-owned session of a new Connection.
func Wrap(s transport.Session) *Connection {
	hd := &handle{session: s}
	hd.refs.Store(1)
	return &Connection{h: hd}
}

func (c *Connection) current() *handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h
}

// Clone returns a new Connection sharing the same session.
func (c *Connection) Clone() *Connection {
	hd := c.current()
	if hd == nil {
		return &Connection{}
	}
	return &Connection{h: hd.acquire()}
}

// Reset drops the current session reference and takes one on other's.
func (c *Connection) Reset(other *Connection) error {
	var next *handle
	if other != nil {
		if hd := other.current(); hd != nil {
			next = hd.acquire()
		}
	}
	c.mu.Lock()
	prev := c.h
	c.h = next
	c.mu.Unlock()
	if prev != nil {
		return prev.release()
	}
	return nil
}

// Close drops this reference. Closing twice is a no-op.
func (c *Connection) Close() error {
	return c.Reset(nil)
}

// Refs reports how many Connections share the session.
func (c *Connection) Refs() int {
	hd := c.current()
	if hd == nil {
		return 0
	}
	return int(hd.refs.Load())
}

// Open reports whether the session is open.
func (c *Connection) Open() bool {
	hd := c.current()
	return hd != nil && hd.session.IsOpen()
}

// Ready reports whether the session is connected and usable.
func (c *Connection) Ready() bool {
	hd := c.current()
	return hd != nil && hd.session.IsReady()
}

func (c *Connection) Address() (string, error) {
	hd := c.current()
	if hd == nil || !hd.session.IsReady() {
		return "", ErrNotReady
	}
	addr, err := hd.session.Address()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	return addr, nil
}

// Timeout is the session's call timeout.
func (c *Connection) Timeout() time.Duration {
	hd := c.current()
	if hd == nil {
		return transport.DefaultCallTimeout
	}
	return hd.session.Timeout()
}

func (c *Connection) SetTimeout(d time.Duration) {
	if hd := c.current(); hd != nil {
		hd.session.SetTimeout(d)
	}
}

// Fd returns the session's readiness descriptor for callers that run
// their own poll loop. It reports false after Close or when the transport
// has no descriptor.
func (c *Connection) Fd() (int, bool) {
	hd := c.current()
	if hd == nil || !hd.session.IsOpen() {
		return -1, false
	}
	p, ok := hd.session.(transport.Pollable)
	if !ok {
		return -1, false
	}
	fd := p.Fd()
	return fd, fd >= 0
}

// Session returns the underlying session, or nil after Close.
func (c *Connection) Session() transport.Session {
	hd := c.current()
	if hd == nil {
		return nil
	}
	return hd.session
}
