package loopback

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/danmuck/dbusctl/internal/protocol/frame"
	"github.com/danmuck/dbusctl/internal/protocol/signature"
	"github.com/danmuck/dbusctl/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// DaemonName is the name the bus itself answers to.
const DaemonName = "org.freedesktop.DBus"

var (
	ErrNameTaken = errors.New("loopback: name already owned")
	ErrBusClosed = errors.New("loopback: bus closed")
)

// Limits bounds what one bus accepts.
type Limits struct {
	// MaxMatchRules caps installed filters per session; zero is unlimited.
	MaxMatchRules int
	Frame         frame.Limits
}

func DefaultLimits() Limits {
	return Limits{MaxMatchRules: 512, Frame: frame.DefaultLimits()}
}

// Bus routes messages between sessions of one process.
type Bus struct {
	name   string
	limits Limits

	serial atomic.Uint32

	mu       sync.Mutex
	closed   bool
	nextID   int
	sessions map[string]*Session
	owners   map[string]string
}

func NewBus(name string, limits Limits) *Bus {
	if limits.Frame.MaxPayloadBytes == 0 {
		limits.Frame = frame.DefaultLimits()
	}
	return &Bus{
		name:     name,
		limits:   limits,
		sessions: make(map[string]*Session),
		owners:   make(map[string]string),
	}
}

// Address is the address string sessions report.
func (b *Bus) Address() string {
	return "loopback:name=" + b.name
}

// Connect opens a new session with a fresh unique name.
func (b *Bus) Connect() (*Session, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("loopback: readiness pipe: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, ErrBusClosed
	}
	b.nextID++
	s := newSession(b, ":1."+strconv.Itoa(b.nextID), fds[0], fds[1])
	b.sessions[s.unique] = s
	log.Debug().Msgf("loopback.Bus.Connect bus=%s unique=%s", b.name, s.unique)
	return s, nil
}

// Close disconnects every session.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	return nil
}

// Names lists unique and well-known names in sorted order.
func (b *Bus) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.sessions)+len(b.owners))
	for unique := range b.sessions {
		out = append(out, unique)
	}
	for name := range b.owners {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (b *Bus) nextSerial() uint32 {
	return b.serial.Add(1)
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) requestName(s *Session, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if owner, ok := b.owners[name]; ok && owner != s.unique {
		return fmt.Errorf("%w: %s owned by %s", ErrNameTaken, name, owner)
	}
	b.owners[name] = s.unique
	return nil
}

// resolve maps a unique or well-known name to its session.
func (b *Bus) resolve(name string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if unique, ok := b.owners[name]; ok {
		name = unique
	}
	s, ok := b.sessions[name]
	return s, ok
}

func (b *Bus) nameOwner(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[name]; ok {
		return name, true
	}
	unique, ok := b.owners[name]
	return unique, ok
}

func (b *Bus) detach(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, s.unique)
	for name, owner := range b.owners {
		if owner == s.unique {
			delete(b.owners, name)
		}
	}
}

func (b *Bus) snapshot() []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].unique < out[j].unique })
	return out
}

// broadcast queues a sealed signal on every session with a matching
// filter, or only on the addressed session for unicast signals.
func (b *Bus) broadcast(data []byte) error {
	h, body, err := unseal(data, b.limits.Frame)
	if err != nil {
		return err
	}
	delivered := 0
	for _, s := range b.snapshot() {
		if h.Destination != "" {
			if owner, ok := b.nameOwner(h.Destination); !ok || owner != s.unique {
				continue
			}
		}
		if s.wants(h, body) {
			s.enqueue(data)
			delivered++
		}
	}
	log.Debug().Msgf("loopback.Bus.broadcast member=%s.%s receivers=%d", h.Interface, h.Member, delivered)
	return nil
}

// handleCall routes one sealed method call and returns the sealed reply.
func (b *Bus) handleCall(data []byte) ([]byte, error) {
	h, body, err := unseal(data, b.limits.Frame)
	if err != nil {
		return nil, err
	}
	call, err := envelope.FromValues(h, body)
	if err != nil {
		return nil, err
	}
	defer call.Release()

	var reply *envelope.Envelope
	var sender string
	if h.Destination == DaemonName {
		sender = DaemonName
		reply = b.daemonCall(call)
	} else if target, ok := b.resolve(h.Destination); ok {
		sender = target.unique
		reply = target.dispatch(call)
	} else {
		sender = DaemonName
		reply = errorReply(h, transport.ErrorServiceUnknown, fmt.Sprintf("The name %s was not provided by any service", h.Destination))
	}
	defer reply.Release()

	rh, rbody, err := reply.Seal()
	if err != nil {
		return nil, err
	}
	rh.Serial = b.nextSerial()
	rh.Sender = sender
	return seal(rh, rbody, b.limits.Frame)
}

func (b *Bus) daemonCall(call *envelope.Envelope) *envelope.Envelope {
	h := call.Header()
	switch h.Member {
	case "ListNames":
		reply, _ := envelope.NewMethodReturn(h)
		if err := writeStrings(reply, b.Names()); err != nil {
			reply.Release()
			return errorReply(h, transport.ErrorFailed, err.Error())
		}
		return reply
	case "GetNameOwner", "NameHasOwner":
		var name string
		if err := call.Read(&name); err != nil {
			return errorReply(h, transport.ErrorInvalidArgs, err.Error())
		}
		owner, ok := b.nameOwner(name)
		reply, _ := envelope.NewMethodReturn(h)
		if h.Member == "NameHasOwner" {
			reply.Write(ok)
			return reply
		}
		if !ok {
			reply.Release()
			return errorReply(h, "org.freedesktop.DBus.Error.NameHasNoOwner", "Could not get owner of name '"+name+"'")
		}
		reply.Write(owner)
		return reply
	}
	return errorReply(h, transport.ErrorUnknownMethod, fmt.Sprintf("Unknown method %s on %s", h.Member, DaemonName))
}

func errorReply(call envelope.Header, name, text string) *envelope.Envelope {
	if name == "" {
		name = transport.ErrorFailed
	}
	reply, _ := envelope.NewError(call, name, text)
	return reply
}

func writeStrings(e *envelope.Envelope, items []string) error {
	if err := e.OpenContainer(signature.Array, "s"); err != nil {
		return err
	}
	for _, item := range items {
		if err := e.Write(item); err != nil {
			return err
		}
	}
	return e.CloseContainer()
}
