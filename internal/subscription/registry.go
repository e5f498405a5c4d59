// Package subscription keeps a set of desired match-rule subscriptions in
// step with a bus session.
//
// Callers change desired state from any goroutine through ID-keyed
// operations. A single loop goroutine per Registry installs and removes the
// bus-side filters, drains pending traffic, and otherwise waits on the
// session for at most Config.PollTimeout.
//
// Status callbacks never run with the registry lock held, so they may call
// back into the Registry. Stop must not be called from a callback.
package subscription

import (
	"errors"
	"sync"
	"time"

	"github.com/danmuck/dbusctl/internal/bus"
	"github.com/danmuck/dbusctl/internal/observability"
	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/danmuck/dbusctl/internal/transport"
	"github.com/rs/zerolog/log"
)

const DefaultPollTimeout = 5 * time.Second

var (
	ErrClosed   = errors.New("subscription: registry closed")
	ErrStopping = errors.New("subscription: registry is stopping")
)

type Config struct {
	// PollTimeout bounds one idle wait of the loop, and with it the
	// latency of Add/Remove and of Stop. Zero means DefaultPollTimeout.
	PollTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{PollTimeout: DefaultPollTimeout}
}

type subscription struct {
	id       ID
	rule     string
	status   Status
	onValue  ValueFunc
	onStatus StatusFunc
	slot     transport.Slot
}

// notice is a status change waiting to be reported outside the lock.
type notice struct {
	fn     StatusFunc
	id     ID
	status Status
}

func fire(notices []notice) {
	for _, n := range notices {
		if n.fn != nil {
			n.fn(n.id, n.status)
		}
	}
}

type Registry struct {
	conn *bus.Connection
	cfg  Config

	mu     sync.Mutex
	subs   []*subscription
	dirty  bool
	state  State
	closed bool
	done   chan struct{}
}

// New returns an idle Registry holding its own reference to conn.
func New(conn *bus.Connection, cfg Config) *Registry {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	return &Registry{conn: conn.Clone(), cfg: cfg}
}

func (r *Registry) find(id ID) *subscription {
	for _, sub := range r.subs {
		if sub.id == id {
			return sub
		}
	}
	return nil
}

// transition must be called with r.mu held.
func (r *Registry) transition(sub *subscription, next Status) notice {
	prev := sub.status
	sub.status = next
	observability.RecordSubscriptionTransition(next.String())
	log.Debug().Msgf("subscription.Registry.transition id=%s %s->%s rule=%q", sub.id, prev, next, sub.rule)
	return notice{fn: sub.onStatus, id: sub.id, status: next}
}

// CreateSignal adds a new subscription in UNDEFINED and returns its ID.
func (r *Registry) CreateSignal() ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := &subscription{id: newID(), status: StatusUndefined}
	r.subs = append(r.subs, sub)
	log.Debug().Msgf("subscription.Registry.CreateSignal id=%s size=%d", sub.id, len(r.subs))
	return sub.id
}

// MatchRule sets the rule installed on the next add.
func (r *Registry) MatchRule(id ID, rule string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.find(id)
	if sub == nil {
		return false
	}
	sub.rule = rule
	return true
}

func (r *Registry) SignalCallback(id ID, fn ValueFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.find(id)
	if sub == nil {
		return false
	}
	sub.onValue = fn
	return true
}

func (r *Registry) SignalStatusCallback(id ID, fn StatusFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.find(id)
	if sub == nil {
		return false
	}
	sub.onStatus = fn
	return true
}

// Add requests installation. It is a no-op while the subscription is
// ADDED and returns false for unknown IDs.
func (r *Registry) Add(id ID) bool {
	return r.request(id, StatusAddRequest)
}

// Remove requests uninstallation; the loop drops the subscription once
// its filter is gone.
func (r *Registry) Remove(id ID) bool {
	return r.request(id, StatusRemoveRequest)
}

func (r *Registry) request(id ID, next Status) bool {
	r.mu.Lock()
	sub := r.find(id)
	if sub == nil {
		r.mu.Unlock()
		return false
	}
	var notices []notice
	if sub.status != next && !(next == StatusAddRequest && sub.status == StatusAdded) {
		notices = append(notices, r.transition(sub, next))
		r.dirty = true
	}
	r.mu.Unlock()
	fire(notices)
	return true
}

func (r *Registry) Contains(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.find(id) != nil
}

// Status reports the subscription's status; false for unknown IDs.
func (r *Registry) Status(id ID) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.find(id)
	if sub == nil {
		return StatusUndefined, false
	}
	return sub.status, true
}

func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Registry) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start launches the loop goroutine. Starting a running registry is a
// no-op.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.closed:
		return ErrClosed
	case r.state == StateRunning:
		return nil
	case r.state == StateStopRequest:
		return ErrStopping
	}
	r.state = StateRunning
	r.done = make(chan struct{})
	go r.run(r.done)
	log.Debug().Msgf("subscription.Registry.Start size=%d poll=%s", len(r.subs), r.cfg.PollTimeout)
	return nil
}

// Stop asks the loop to exit and waits for it. The loop notices the
// request before its next iteration, so Stop takes at most about one
// PollTimeout. Installed filters are removed and ADDED subscriptions fall
// back to ADD_REQUEST so a later Start reinstalls them.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.state != StateRunning {
		done := r.done
		r.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	r.state = StateStopRequest
	done := r.done
	r.mu.Unlock()
	<-done
}

// Close stops the loop and releases the registry's connection reference.
func (r *Registry) Close() error {
	r.Stop()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.conn.Close()
}

func (r *Registry) stopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateStopRequest
}

func (r *Registry) run(done chan struct{}) {
	defer close(done)
	for !r.stopping() {
		s := r.conn.Session()
		if s == nil {
			time.Sleep(r.cfg.PollTimeout)
			continue
		}
		r.reconcile(s)

		worked, err := r.drain(s)
		if err != nil {
			log.Warn().Msgf("subscription.Registry.run process err=%v", err)
		}
		if worked {
			continue
		}
		if err := s.Wait(r.cfg.PollTimeout); err != nil {
			log.Warn().Msgf("subscription.Registry.run wait err=%v", err)
			time.Sleep(r.cfg.PollTimeout)
		}
	}
	r.shutdown()
}

// drain processes everything already pending.
func (r *Registry) drain(s transport.Session) (bool, error) {
	worked := false
	for {
		ok, err := s.Process()
		if err != nil {
			return worked, err
		}
		if !ok {
			return worked, nil
		}
		worked = true
	}
}

// reconcile applies pending add and remove requests in registration
// order. Install failures end in MATCH_FAILED and are never retried here.
func (r *Registry) reconcile(s transport.Session) {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	r.dirty = false

	var notices []notice
	kept := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		switch sub.status {
		case StatusRemoveRequest:
			r.uninstall(sub)
			notices = append(notices, r.transition(sub, StatusRemoved))
			continue
		case StatusAddRequest:
			r.uninstall(sub)
			slot, err := s.AddMatch(sub.rule, r.deliver(sub))
			if err != nil {
				log.Warn().Msgf("subscription.Registry.reconcile id=%s rule=%q err=%v", sub.id, sub.rule, err)
				notices = append(notices, r.transition(sub, StatusMatchFailed))
				break
			}
			sub.slot = slot
			observability.AddInstalledFilters(1)
			notices = append(notices, r.transition(sub, StatusAdded))
		}
		kept = append(kept, sub)
	}
	r.subs = kept
	r.mu.Unlock()
	fire(notices)
}

// uninstall must be called with r.mu held.
func (r *Registry) uninstall(sub *subscription) {
	if sub.slot == nil {
		return
	}
	if err := sub.slot.Close(); err != nil {
		log.Warn().Msgf("subscription.Registry.uninstall id=%s err=%v", sub.id, err)
	}
	sub.slot = nil
	observability.AddInstalledFilters(-1)
}

// deliver wraps the value callback so it only runs while sub is ADDED.
func (r *Registry) deliver(sub *subscription) transport.Handler {
	return func(msg *envelope.Envelope) {
		r.mu.Lock()
		fn, id, active := sub.onValue, sub.id, sub.status == StatusAdded
		r.mu.Unlock()
		if !active || fn == nil {
			return
		}
		observability.RecordSubscriptionEvent()
		fn(id, msg)
	}
}

func (r *Registry) shutdown() {
	r.mu.Lock()
	var notices []notice
	for _, sub := range r.subs {
		r.uninstall(sub)
		switch sub.status {
		case StatusAdded:
			notices = append(notices, r.transition(sub, StatusAddRequest))
			r.dirty = true
		case StatusAddRequest, StatusRemoveRequest:
			r.dirty = true
		}
	}
	r.mu.Unlock()
	fire(notices)

	r.mu.Lock()
	r.state = StateIdle
	r.mu.Unlock()
	log.Debug().Msgf("subscription.Registry.shutdown demoted=%d", len(notices))
}
