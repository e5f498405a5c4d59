package systembus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/danmuck/dbusctl/internal/protocol/match"
	"github.com/danmuck/dbusctl/internal/transport"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSystemBusAddress = "unix:path=/var/run/dbus/system_bus_socket"
	EnvSystemBusAddress     = "DBUS_SYSTEM_BUS_ADDRESS"

	signalBuffer = 256
)

// Session wraps one godbus connection.
type Session struct {
	conn    *dbus.Conn
	address string
	shared  bool

	timeout atomic.Int64
	signals chan *dbus.Signal

	mu      sync.Mutex
	closed  bool
	pending []*dbus.Signal
	slots   []*slot
	slotSeq uint64
}

type slot struct {
	id      uint64
	text    string
	rule    *match.Rule
	handler transport.Handler
	session *Session
	closed  atomic.Bool
}

func (sl *slot) Close() error {
	if sl.closed.Swap(true) {
		return nil
	}
	return sl.session.removeSlot(sl)
}

var _ transport.Session = (*Session)(nil)

// Open connects a dedicated session. An empty address selects the system
// bus.
func Open(address string) (*Session, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if address == "" {
		conn, err = dbus.ConnectSystemBus()
	} else {
		conn, err = dbus.Connect(address)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	}
	return newSession(conn, address, false), nil
}

// Shared attaches to godbus's process-wide system bus connection. Closing
// the Session leaves that connection open.
func Shared() (*Session, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	}
	return newSession(conn, "", true), nil
}

func newSession(conn *dbus.Conn, address string, shared bool) *Session {
	s := &Session{
		conn:    conn,
		address: address,
		shared:  shared,
		signals: make(chan *dbus.Signal, signalBuffer),
	}
	s.timeout.Store(int64(transport.DefaultCallTimeout))
	conn.Signal(s.signals)
	log.Debug().Msgf("systembus.Session.open shared=%v names=%v", shared, conn.Names())
	return s
}

func (s *Session) Address() (string, error) {
	if !s.IsReady() {
		return "", transport.ErrNotConnected
	}
	if s.address != "" {
		return s.address, nil
	}
	if env := strings.TrimSpace(os.Getenv(EnvSystemBusAddress)); env != "" {
		return env, nil
	}
	return DefaultSystemBusAddress, nil
}

func (s *Session) IsOpen() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	return !closed && s.conn.Connected()
}

func (s *Session) IsReady() bool {
	return s.IsOpen() && len(s.conn.Names()) > 0
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

func methodName(iface, member string) string {
	if iface == "" {
		return member
	}
	return iface + "." + member
}

func (s *Session) Call(ctx context.Context, msg *envelope.Envelope) (*envelope.Envelope, error) {
	if msg.Kind() != envelope.KindMethodCall {
		return nil, fmt.Errorf("systembus: call needs a method call, got %s", msg.Kind())
	}
	if !s.IsOpen() {
		return nil, transport.ErrClosed
	}
	h, body, err := msg.Seal()
	if err != nil {
		return nil, err
	}
	args, err := toArgs(body)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout())
		defer cancel()
	}

	obj := s.conn.Object(h.Destination, dbus.ObjectPath(h.Path))
	call := obj.CallWithContext(ctx, methodName(h.Interface, h.Member), 0, args...)
	if call.Err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s.%s", transport.ErrTimeout, h.Interface, h.Member)
		}
		return nil, remoteError(call.Err)
	}

	values, err := fromBody(call.Body)
	if err != nil {
		return nil, err
	}
	return envelope.FromValues(envelope.Header{
		Kind:        envelope.KindMethodReturn,
		Sender:      h.Destination,
		Destination: s.unique(),
		ReplySerial: h.Serial,
	}, values)
}

func remoteError(err error) error {
	var byValue dbus.Error
	if errors.As(err, &byValue) {
		return toRemote(byValue)
	}
	var byPointer *dbus.Error
	if errors.As(err, &byPointer) && byPointer != nil {
		return toRemote(*byPointer)
	}
	return fmt.Errorf("%w: %v", transport.ErrNoReply, err)
}

func toRemote(e dbus.Error) error {
	out := &transport.RemoteError{Name: e.Name}
	if len(e.Body) > 0 {
		if text, ok := e.Body[0].(string); ok {
			out.Message = text
		}
	}
	return out
}

func (s *Session) unique() string {
	names := s.conn.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func (s *Session) Send(msg *envelope.Envelope) error {
	if !s.IsOpen() {
		return transport.ErrClosed
	}
	h, body, err := msg.Seal()
	if err != nil {
		return err
	}
	args, err := toArgs(body)
	if err != nil {
		return err
	}
	switch h.Kind {
	case envelope.KindSignal:
		return s.conn.Emit(dbus.ObjectPath(h.Path), methodName(h.Interface, h.Member), args...)
	case envelope.KindMethodCall:
		obj := s.conn.Object(h.Destination, dbus.ObjectPath(h.Path))
		return obj.Call(methodName(h.Interface, h.Member), dbus.FlagNoReplyExpected, args...).Err
	}
	return fmt.Errorf("systembus: cannot send %s", h.Kind)
}

func (s *Session) AddMatch(rule string, handler transport.Handler) (transport.Slot, error) {
	r, err := match.Parse(rule)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrMatchRejected, err)
	}
	if !s.IsOpen() {
		return nil, transport.ErrClosed
	}
	if call := s.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrMatchRejected, call.Err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.slotSeq++
	sl := &slot{id: s.slotSeq, text: rule, rule: r, handler: handler, session: s}
	s.slots = append(s.slots, sl)
	log.Debug().Msgf("systembus.Session.AddMatch slot=%d rule=%q", sl.id, rule)
	return sl, nil
}

func (s *Session) removeSlot(sl *slot) error {
	s.mu.Lock()
	for i, cur := range s.slots {
		if cur.id == sl.id {
			s.slots = append(s.slots[:i], s.slots[i+1:]...)
			break
		}
	}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	if call := s.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, sl.text); call.Err != nil {
		log.Warn().Msgf("systembus.Session.RemoveMatch slot=%d err=%v", sl.id, call.Err)
		return call.Err
	}
	log.Debug().Msgf("systembus.Session.RemoveMatch slot=%d", sl.id)
	return nil
}

// next pops one buffered signal without blocking.
func (s *Session) next() *dbus.Signal {
	s.mu.Lock()
	if len(s.pending) > 0 {
		sig := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		return sig
	}
	s.mu.Unlock()
	select {
	case sig, ok := <-s.signals:
		if ok {
			return sig
		}
	default:
	}
	return nil
}

func (s *Session) Process() (bool, error) {
	if !s.IsOpen() {
		return false, transport.ErrClosed
	}
	sig := s.next()
	if sig == nil {
		return false, nil
	}
	h := envelope.Header{
		Kind:   envelope.KindSignal,
		Sender: sig.Sender,
		Path:   envelope.ObjectPath(sig.Path),
	}
	if dot := strings.LastIndex(sig.Name, "."); dot >= 0 {
		h.Interface, h.Member = sig.Name[:dot], sig.Name[dot+1:]
	} else {
		h.Member = sig.Name
	}
	body, err := fromBody(sig.Body)
	if err != nil {
		log.Warn().Msgf("systembus.Session.Process signal=%s decode err=%v", sig.Name, err)
		return true, err
	}

	s.mu.Lock()
	slots := append([]*slot(nil), s.slots...)
	s.mu.Unlock()
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

// Wait blocks until a signal arrives or timeout elapses. A received
// signal is kept for the next Process.
func (s *Session) Wait(timeout time.Duration) error {
	s.mu.Lock()
	closed, pending := s.closed, len(s.pending)
	s.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if pending > 0 {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case sig, ok := <-s.signals:
		if !ok {
			return transport.ErrClosed
		}
		s.mu.Lock()
		s.pending = append(s.pending, sig)
		s.mu.Unlock()
	case <-timer.C:
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
	slots := s.slots
	s.slots = nil
	s.pending = nil
	s.mu.Unlock()

	for _, sl := range slots {
		sl.closed.Store(true)
		s.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, sl.text)
	}
	s.conn.RemoveSignal(s.signals)
	if s.shared {
		return nil
	}
	return s.conn.Close()
}
