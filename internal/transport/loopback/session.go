package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/danmuck/dbusctl/internal/protocol/match"
	"github.com/danmuck/dbusctl/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Session is one connection to a loopback Bus.
type Session struct {
	bus    *Bus
	unique string

	timeout atomic.Int64

	mu      sync.Mutex
	closed  bool
	rfd     int
	wfd     int
	inbox   [][]byte
	slots   []*slot
	slotSeq uint64
	objects map[envelope.ObjectPath]*object
	roots   map[envelope.ObjectPath]bool
}

type slot struct {
	id      uint64
	rule    *match.Rule
	handler transport.Handler
	session *Session
	closed  atomic.Bool
}

func (sl *slot) Close() error {
	if sl.closed.Swap(true) {
		return nil
	}
	sl.session.removeSlot(sl.id)
	return nil
}

var (
	_ transport.Session  = (*Session)(nil)
	_ transport.Pollable = (*Session)(nil)
)

func newSession(b *Bus, unique string, rfd, wfd int) *Session {
	s := &Session{
		bus:     b,
		unique:  unique,
		rfd:     rfd,
		wfd:     wfd,
		objects: make(map[envelope.ObjectPath]*object),
		roots:   make(map[envelope.ObjectPath]bool),
	}
	s.timeout.Store(int64(transport.DefaultCallTimeout))
	return s
}

// Unique returns the session's unique bus name.
func (s *Session) Unique() string {
	return s.unique
}

// RequestName takes ownership of a well-known name.
func (s *Session) RequestName(name string) error {
	if !s.IsOpen() {
		return transport.ErrClosed
	}
	if err := s.bus.requestName(s, name); err != nil {
		return err
	}
	log.Debug().Msgf("loopback.Session.RequestName unique=%s name=%s", s.unique, name)
	return nil
}

func (s *Session) Address() (string, error) {
	if !s.IsReady() {
		return "", transport.ErrNotConnected
	}
	return s.bus.Address(), nil
}

func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Session) IsReady() bool {
	return s.IsOpen() && !s.bus.isClosed()
}

func (s *Session) Timeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

func (s *Session) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = transport.DefaultCallTimeout
	}
	s.timeout.Store(int64(d))
}

// Fd is readable while the inbox holds unprocessed messages. It is -1
// once the session is closed.
func (s *Session) Fd() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1
	}
	return s.rfd
}

// sealOutbound stamps serial and sender on msg and encodes it.
func (s *Session) sealOutbound(msg *envelope.Envelope) (envelope.Header, []byte, error) {
	if !s.IsReady() {
		return envelope.Header{}, nil, transport.ErrClosed
	}
	h, body, err := msg.Seal()
	if err != nil {
		return envelope.Header{}, nil, err
	}
	h.Serial = s.bus.nextSerial()
	h.Sender = s.unique
	msg.SetSerial(h.Serial)
	data, err := seal(h, body, s.bus.limits.Frame)
	if err != nil {
		return envelope.Header{}, nil, err
	}
	return h, data, nil
}

type callResult struct {
	data []byte
	err  error
}

func (s *Session) Call(ctx context.Context, msg *envelope.Envelope) (*envelope.Envelope, error) {
	if msg.Kind() != envelope.KindMethodCall {
		return nil, fmt.Errorf("loopback: call needs a method call, got %s", msg.Kind())
	}
	h, data, err := s.sealOutbound(msg)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout())
		defer cancel()
	}

	done := make(chan callResult, 1)
	go func() {
		out, err := s.bus.handleCall(data)
		done <- callResult{data: out, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s.%s serial=%d", transport.ErrTimeout, h.Interface, h.Member, h.Serial)
		}
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		rh, rbody, err := unseal(res.data, s.bus.limits.Frame)
		if err != nil {
			return nil, err
		}
		reply, err := envelope.FromValues(rh, rbody)
		if err != nil {
			return nil, err
		}
		if rh.Kind == envelope.KindError {
			err := transport.ReplyError(reply)
			reply.Release()
			return nil, err
		}
		return reply, nil
	}
}

func (s *Session) Send(msg *envelope.Envelope) error {
	_, data, err := s.sealOutbound(msg)
	if err != nil {
		return err
	}
	if msg.Kind() == envelope.KindMethodCall {
		_, err := s.bus.handleCall(data)
		return err
	}
	return s.bus.broadcast(data)
}

// Emit sends a broadcast signal whose arguments are converted with
// ToValue.
func (s *Session) Emit(path envelope.ObjectPath, iface, member string, args ...any) error {
	msg, err := envelope.NewSignal(path, iface, member)
	if err != nil {
		return err
	}
	defer msg.Release()
	for _, arg := range args {
		v, err := ToValue(arg)
		if err != nil {
			return err
		}
		if err := msg.WriteValue(v); err != nil {
			return err
		}
	}
	return s.Send(msg)
}

func (s *Session) AddMatch(rule string, handler transport.Handler) (transport.Slot, error) {
	r, err := match.Parse(rule)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", transport.ErrMatchRejected, transport.ErrorMatchRuleInvalid, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, transport.ErrClosed
	}
	if limit := s.bus.limits.MaxMatchRules; limit > 0 && len(s.slots) >= limit {
		return nil, fmt.Errorf("%w: %s: %d match rules installed", transport.ErrMatchRejected, transport.ErrorLimitsExceeded, len(s.slots))
	}
	s.slotSeq++
	sl := &slot{id: s.slotSeq, rule: r, handler: handler, session: s}
	s.slots = append(s.slots, sl)
	log.Debug().Msgf("loopback.Session.AddMatch unique=%s slot=%d rule=%q", s.unique, sl.id, r.String())
	return sl, nil
}

func (s *Session) removeSlot(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sl := range s.slots {
		if sl.id == id {
			s.slots = append(s.slots[:i], s.slots[i+1:]...)
			log.Debug().Msgf("loopback.Session.RemoveMatch unique=%s slot=%d", s.unique, id)
			return
		}
	}
}

// MatchCount reports installed filters.
func (s *Session) MatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Pending reports queued inbound messages.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox)
}

func (s *Session) wants(h envelope.Header, body []envelope.Value) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for _, sl := range s.slots {
		if sl.rule.Matches(h, body) {
			return true
		}
	}
	return false
}

func (s *Session) enqueue(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.inbox) == 0 {
		unix.Write(s.wfd, []byte{1})
	}
	s.inbox = append(s.inbox, data)
}

// drainLocked empties the readiness pipe.
func (s *Session) drainLocked() {
	var buf [64]byte
	for {
		n, err := unix.Read(s.rfd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (s *Session) Process() (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, transport.ErrClosed
	}
	if len(s.inbox) == 0 {
		s.mu.Unlock()
		return false, nil
	}
	data := s.inbox[0]
	s.inbox[0] = nil
	s.inbox = s.inbox[1:]
	if len(s.inbox) == 0 {
		s.drainLocked()
	}
	slots := append([]*slot(nil), s.slots...)
	s.mu.Unlock()

	h, body, err := unseal(data, s.bus.limits.Frame)
	if err != nil {
		log.Warn().Msgf("loopback.Session.Process unique=%s decode err=%v", s.unique, err)
		return true, err
	}
	for _, sl := range slots {
		if sl.closed.Load() || !sl.rule.Matches(h, body) {
			continue
		}
		msg, err := envelope.FromValues(h, body)
		if err != nil {
			return true, err
		}
		sl.handler(msg)
		msg.Release()
	}
	return true, nil
}

func (s *Session) Wait(timeout time.Duration) error {
	s.mu.Lock()
	closed, pending, fd := s.closed, len(s.inbox), s.rfd
	s.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if pending > 0 {
		return nil
	}
	if timeout < 0 {
		timeout = 0
	}
	pollDescriptors := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	if _, err := unix.Poll(pollDescriptors, int(timeout/time.Millisecond)); err != nil && err != unix.EINTR {
		return err
	}
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.inbox = nil
	slots := s.slots
	s.slots = nil
	// closing the write end wakes any goroutine polling the read end
	unix.Close(s.wfd)
	unix.Close(s.rfd)
	s.mu.Unlock()

	for _, sl := range slots {
		sl.closed.Store(true)
	}
	s.bus.detach(s)
	log.Debug().Msgf("loopback.Session.Close unique=%s", s.unique)
	return nil
}
