package subscription

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/dbusctl/internal/bus"
	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/danmuck/dbusctl/internal/testutil/testlog"
	"github.com/danmuck/dbusctl/internal/transport/loopback"
)

const (
	testPath  = envelope.ObjectPath("/org/example/sensor")
	testIface = "org.example.Sensor1"
	testPoll  = 20 * time.Millisecond
)

type fixture struct {
	bus     *loopback.Bus
	emitter *loopback.Session
	client  *loopback.Session
	conn    *bus.Connection
	r       *Registry
}

func newFixture(t *testing.T, limits loopback.Limits) *fixture {
	t.Helper()
	b := loopback.NewBus(t.Name(), limits)
	emitter, err := b.Connect()
	if err != nil {
		t.Fatalf("connect emitter: %v", err)
	}
	client, err := b.Connect()
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	conn := bus.Wrap(client)
	r := New(conn, Config{PollTimeout: testPoll})
	t.Cleanup(func() {
		r.Close()
		conn.Close()
		b.Close()
	})
	return &fixture{bus: b, emitter: emitter, client: client, conn: conn, r: r}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func statusIs(r *Registry, id ID, want Status) func() bool {
	return func() bool {
		got, ok := r.Status(id)
		return ok && got == want
	}
}

// recorder collects status callbacks in order.
type recorder struct {
	mu   sync.Mutex
	seen []Status
}

func (rec *recorder) record(_ ID, s Status) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.seen = append(rec.seen, s)
}

func (rec *recorder) snapshot() []Status {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]Status(nil), rec.seen...)
}

func equalStatuses(got, want []Status) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestStatusAndStateNames(t *testing.T) {
	testlog.Start(t)
	names := map[Status]string{
		StatusUndefined:     "UNDEFINED",
		StatusAddRequest:    "ADD_REQUEST",
		StatusAdded:         "ADDED",
		StatusMatchFailed:   "MATCH_FAILED",
		StatusRemoveRequest: "REMOVE_REQUEST",
		StatusRemoved:       "REMOVED",
		Status(42):          "UNKNOWN",
	}
	for s, want := range names {
		if s.String() != want {
			t.Fatalf("status %d=%s want %s", int(s), s, want)
		}
	}
	if StateIdle.String() != "IDLE" || StateRunning.String() != "RUNNING" || StateStopRequest.String() != "STOP_REQUEST" {
		t.Fatalf("state names=%s,%s,%s", StateIdle, StateRunning, StateStopRequest)
	}
}

func TestNewAppliesDefaultPollTimeout(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, loopback.DefaultLimits())
	r := New(f.conn, Config{})
	defer r.Close()
	if r.cfg.PollTimeout != DefaultPollTimeout {
		t.Fatalf("poll timeout=%s", r.cfg.PollTimeout)
	}
	if DefaultConfig().PollTimeout != DefaultPollTimeout {
		t.Fatalf("default config=%+v", DefaultConfig())
	}
}

func TestCreateAndAddWithoutLoop(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, loopback.DefaultLimits())

	id := f.r.CreateSignal()
	if id == "" {
		t.Fatalf("empty id")
	}
	if other := f.r.CreateSignal(); other == id {
		t.Fatalf("ids collide: %s", id)
	}
	if got, ok := f.r.Status(id); !ok || got != StatusUndefined {
		t.Fatalf("status=%s ok=%v want UNDEFINED", got, ok)
	}
	if !f.r.Contains(id) || f.r.Size() != 2 {
		t.Fatalf("contains=%v size=%d", f.r.Contains(id), f.r.Size())
	}

	if !f.r.MatchRule(id, "type=signal") || !f.r.Add(id) {
		t.Fatalf("mutators failed for known id")
	}
	time.Sleep(3 * testPoll)
	if got, _ := f.r.Status(id); got != StatusAddRequest {
		t.Fatalf("status=%s want ADD_REQUEST while idle", got)
	}
	if f.client.MatchCount() != 0 {
		t.Fatalf("filter installed without a running loop")
	}
	if f.r.State() != StateIdle {
		t.Fatalf("state=%s", f.r.State())
	}
}

func TestUnknownIDLeavesRegistryUnchanged(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, loopback.DefaultLimits())
	f.r.CreateSignal()
	unknown := ID("not-a-subscription")

	if f.r.Add(unknown) {
		t.Fatalf("add accepted unknown id")
	}
	if f.r.Remove(unknown) || f.r.MatchRule(unknown, "type=signal") {
		t.Fatalf("mutators accepted unknown id")
	}
	if f.r.SignalCallback(unknown, func(ID, *envelope.Envelope) {}) || f.r.SignalStatusCallback(unknown, func(ID, Status) {}) {
		t.Fatalf("callbacks accepted unknown id")
	}
	if f.r.Contains(unknown) {
		t.Fatalf("contains unknown id")
	}
	if _, ok := f.r.Status(unknown); ok {
		t.Fatalf("status reported for unknown id")
	}
	if f.r.Size() != 1 {
		t.Fatalf("size=%d want 1", f.r.Size())
	}
}

func TestSignalDeliveredAfterAdded(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, loopback.DefaultLimits())

	rec := &recorder{}
	var counter atomic.Int32
	var seenAtValue []Status

	id := f.r.CreateSignal()
	f.r.MatchRule(id, "type=signal")
	f.r.SignalStatusCallback(id, rec.record)
	f.r.SignalCallback(id, func(got ID, msg *envelope.Envelope) {
		if got != id {
			t.Errorf("value callback id=%s want %s", got, id)
		}
		var reading int32
		if err := msg.Read(&reading); err != nil || reading != 21 {
			t.Errorf("reading=%d err=%v", reading, err)
		}
		seenAtValue = rec.snapshot()
		counter.Add(1)
	})
	if !f.r.Add(id) {
		t.Fatalf("add failed")
	}
	if got, _ := f.r.Status(id); got != StatusAddRequest {
		t.Fatalf("status=%s want ADD_REQUEST", got)
	}
	if err := f.r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, "ADDED", statusIs(f.r, id, StatusAdded))

	if err := f.emitter.Emit(testPath, testIface, "Reading", int32(21)); err != nil {
		t.Fatalf("emit: %v", err)
	}
	eventually(t, "value callback", func() bool { return counter.Load() == 1 })
	time.Sleep(3 * testPoll)
	if counter.Load() != 1 {
		t.Fatalf("counter=%d want 1", counter.Load())
	}
	want := []Status{StatusAddRequest, StatusAdded}
	if !equalStatuses(seenAtValue, want) {
		t.Fatalf("statuses at value callback=%v want %v", seenAtValue, want)
	}
}

func TestAddWhileAddedIsNoop(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, loopback.DefaultLimits())
	rec := &recorder{}
	id := f.r.CreateSignal()
	f.r.MatchRule(id, "type=signal,member=Reading")
	f.r.SignalStatusCallback(id, rec.record)
	f.r.Add(id)
	f.r.Start()
	eventually(t, "ADDED", statusIs(f.r, id, StatusAdded))

	if !f.r.Add(id) {
		t.Fatalf("add returned false for known id")
	}
	time.Sleep(3 * testPoll)
	if got, _ := f.r.Status(id); got != StatusAdded {
		t.Fatalf("status=%s want ADDED", got)
	}
	if f.client.MatchCount() != 1 {
		t.Fatalf("match count=%d want 1", f.client.MatchCount())
	}
	if got := rec.snapshot(); !equalStatuses(got, []Status{StatusAddRequest, StatusAdded}) {
		t.Fatalf("statuses=%v", got)
	}
}

func TestRemoveDropsSubscription(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, loopback.DefaultLimits())
	rec := &recorder{}

	added := f.r.CreateSignal()
	f.r.MatchRule(added, "type=signal")
	f.r.SignalStatusCallback(added, rec.record)
	f.r.Add(added)
	undefined := f.r.CreateSignal()

	f.r.Start()
	eventually(t, "ADDED", statusIs(f.r, added, StatusAdded))

	f.r.Remove(added)
	f.r.Remove(undefined)
	eventually(t, "removal", func() bool {
		return !f.r.Contains(added) && !f.r.Contains(undefined)
	})
	if f.r.Size() != 0 {
		t.Fatalf("size=%d want 0", f.r.Size())
	}
	if f.client.MatchCount() != 0 {
		t.Fatalf("match count=%d want 0", f.client.MatchCount())
	}
	want := []Status{StatusAddRequest, StatusAdded, StatusRemoveRequest, StatusRemoved}
	if got := rec.snapshot(); !equalStatuses(got, want) {
		t.Fatalf("statuses=%v want %v", got, want)
	}
}

func TestNoValueAfterRemoveRequested(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, loopback.DefaultLimits())
	var counter atomic.Int32
	id := f.r.CreateSignal()
	f.r.MatchRule(id, "type=signal")
	f.r.SignalCallback(id, func(ID, *envelope.Envelope) { counter.Add(1) })
	f.r.Add(id)
	f.r.Start()
	eventually(t, "ADDED", statusIs(f.r, id, StatusAdded))

	f.r.Remove(id)
	if err := f.emitter.Emit(testPath, testIface, "Reading", int32(1)); err != nil {
		t.Fatalf("emit: %v", err)
	}
	eventually(t, "removal", func() bool { return !f.r.Contains(id) })
	time.Sleep(3 * testPoll)
	if counter.Load() != 0 {
		t.Fatalf("value callback ran %d time(s) after remove", counter.Load())
	}
}

func TestRemoveFromValueCallbackStopsLaterDeliveries(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, loopback.DefaultLimits())
	var counter atomic.Int32
	var statusInside Status
	id := f.r.CreateSignal()
	f.r.MatchRule(id, "type=signal")
	f.r.SignalCallback(id, func(got ID, _ *envelope.Envelope) {
		counter.Add(1)
		f.r.Remove(got)
		statusInside, _ = f.r.Status(got)
	})
	f.r.Add(id)
	f.r.Start()
	eventually(t, "ADDED", statusIs(f.r, id, StatusAdded))

	for i := 0; i < 3; i++ {
		if err := f.emitter.Emit(testPath, testIface, "Reading", int32(i)); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	eventually(t, "removal", func() bool { return !f.r.Contains(id) })
	time.Sleep(3 * testPoll)
	if counter.Load() != 1 {
		t.Fatalf("value callback ran %d time(s) want 1", counter.Load())
	}
	if statusInside != StatusRemoveRequest {
		t.Fatalf("status after remove inside callback=%s want REMOVE_REQUEST", statusInside)
	}
}

func TestMatchFailedIsTerminal(t *testing.T) {
	testlog.Start(t)
	limits := loopback.DefaultLimits()
	limits.MaxMatchRules = 1
	f := newFixture(t, limits)

	var hits atomic.Int32
	first := f.r.CreateSignal()
	f.r.MatchRule(first, "type=signal,member=A")
	f.r.SignalCallback(first, func(ID, *envelope.Envelope) { hits.Add(1) })
	rec := &recorder{}
	second := f.r.CreateSignal()
	f.r.MatchRule(second, "type=signal,member=B")
	f.r.SignalStatusCallback(second, rec.record)
	f.r.Add(first)
	f.r.Add(second)

	f.r.Start()
	eventually(t, "first ADDED", statusIs(f.r, first, StatusAdded))
	eventually(t, "second MATCH_FAILED", statusIs(f.r, second, StatusMatchFailed))

	time.Sleep(3 * testPoll)
	if got, _ := f.r.Status(second); got != StatusMatchFailed {
		t.Fatalf("status=%s, failed subscription was retried", got)
	}
	if f.r.State() != StateRunning {
		t.Fatalf("state=%s after install failure", f.r.State())
	}

	if err := f.emitter.Emit(testPath, testIface, "A"); err != nil {
		t.Fatalf("emit: %v", err)
	}
	eventually(t, "delivery to first", func() bool { return hits.Load() == 1 })

	f.r.Stop()
	f.r.Start()
	eventually(t, "first re-ADDED", statusIs(f.r, first, StatusAdded))
	time.Sleep(3 * testPoll)
	if got, _ := f.r.Status(second); got != StatusMatchFailed {
		t.Fatalf("status=%s after restart", got)
	}
	if got := rec.snapshot(); !equalStatuses(got, []Status{StatusAddRequest, StatusMatchFailed}) {
		t.Fatalf("statuses=%v", got)
	}
}

func TestInvalidRuleFailsMatch(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, loopback.DefaultLimits())
	id := f.r.CreateSignal()
	f.r.MatchRule(id, "type=bogus")
	f.r.Add(id)
	f.r.Start()
	eventually(t, "MATCH_FAILED", statusIs(f.r, id, StatusMatchFailed))
	if f.client.MatchCount() != 0 {
		t.Fatalf("match count=%d", f.client.MatchCount())
	}
}

func TestStopDemotesAndRestartReinstalls(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, loopback.DefaultLimits())
	rec := &recorder{}
	id := f.r.CreateSignal()
	f.r.MatchRule(id, "type=signal")
	f.r.SignalStatusCallback(id, rec.record)
	f.r.Add(id)

	f.r.Start()
	if err := f.r.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if f.r.State() != StateRunning {
		t.Fatalf("state=%s", f.r.State())
	}
	eventually(t, "ADDED", statusIs(f.r, id, StatusAdded))

	f.r.Stop()
	if f.r.State() != StateIdle {
		t.Fatalf("state=%s after stop", f.r.State())
	}
	if got, _ := f.r.Status(id); got != StatusAddRequest {
		t.Fatalf("status=%s want ADD_REQUEST after stop", got)
	}
	if f.client.MatchCount() != 0 {
		t.Fatalf("match count=%d after stop", f.client.MatchCount())
	}
	f.r.Stop()

	f.r.Start()
	eventually(t, "re-ADDED", statusIs(f.r, id, StatusAdded))
	if f.client.MatchCount() != 1 {
		t.Fatalf("match count=%d after restart", f.client.MatchCount())
	}
	want := []Status{StatusAddRequest, StatusAdded, StatusAddRequest, StatusAdded}
	if got := rec.snapshot(); !equalStatuses(got, want) {
		t.Fatalf("statuses=%v want %v", got, want)
	}
}

func TestStopIsBoundedByPollTimeout(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, loopback.DefaultLimits())
	r := New(f.conn, Config{PollTimeout: 50 * time.Millisecond})
	defer r.Close()
	r.Start()
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	r.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stop took %s", elapsed)
	}
}

func TestCallbacksMayReenterRegistry(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, loopback.DefaultLimits())
	rec := &recorder{}
	id := f.r.CreateSignal()
	f.r.MatchRule(id, "type=signal")
	f.r.SignalStatusCallback(id, func(got ID, s Status) {
		if cur, ok := f.r.Status(got); ok && cur != s {
			t.Errorf("callback status=%s registry status=%s", s, cur)
		}
		f.r.Size()
		rec.record(got, s)
	})
	f.r.SignalCallback(id, func(got ID, msg *envelope.Envelope) {
		f.r.Remove(got)
	})
	f.r.Add(id)
	f.r.Start()
	eventually(t, "ADDED", statusIs(f.r, id, StatusAdded))

	f.emitter.Emit(testPath, testIface, "Reading", int32(3))
	eventually(t, "self removal", func() bool { return !f.r.Contains(id) })
	want := []Status{StatusAddRequest, StatusAdded, StatusRemoveRequest, StatusRemoved}
	if got := rec.snapshot(); !equalStatuses(got, want) {
		t.Fatalf("statuses=%v want %v", got, want)
	}
}

func TestConcurrentCallers(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, loopback.DefaultLimits())
	f.r.Start()

	const n = 16
	ids := make([]ID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := f.r.CreateSignal()
			f.r.MatchRule(id, fmt.Sprintf("type=signal,member=M%d", i))
			f.r.Add(id)
			ids[i] = id
		}(i)
	}
	wg.Wait()
	eventually(t, "all ADDED", func() bool {
		for _, id := range ids {
			if s, _ := f.r.Status(id); s != StatusAdded {
				return false
			}
		}
		return true
	})
	if f.client.MatchCount() != n {
		t.Fatalf("match count=%d want %d", f.client.MatchCount(), n)
	}

	for _, id := range ids {
		wg.Add(1)
		go func(id ID) {
			defer wg.Done()
			f.r.Remove(id)
		}(id)
	}
	wg.Wait()
	eventually(t, "all removed", func() bool { return f.r.Size() == 0 })
	if f.client.MatchCount() != 0 {
		t.Fatalf("match count=%d after removal", f.client.MatchCount())
	}
}

func TestCloseReleasesConnection(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, loopback.DefaultLimits())
	r := New(f.conn, Config{PollTimeout: testPoll})
	if f.conn.Refs() != 3 {
		t.Fatalf("refs=%d want 3", f.conn.Refs())
	}
	r.Start()
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if f.conn.Refs() != 2 {
		t.Fatalf("refs=%d want 2 after close", f.conn.Refs())
	}
	if err := r.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("start after close err=%v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
