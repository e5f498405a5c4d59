package loopback

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/danmuck/dbusctl/internal/protocol/frame"
	"github.com/danmuck/dbusctl/internal/protocol/signature"
	"github.com/danmuck/dbusctl/internal/testutil/testlog"
	"github.com/danmuck/dbusctl/internal/transport"
)

const (
	testService = "org.example.Service"
	testPath    = envelope.ObjectPath("/org/example/Thing")
	testIface   = "org.example.Thing"
)

func newPair(t *testing.T, limits Limits) (*Bus, *Session, *Session) {
	t.Helper()
	bus := NewBus(t.Name(), limits)
	service, err := bus.Connect()
	if err != nil {
		t.Fatalf("connect service: %v", err)
	}
	if err := service.RequestName(testService); err != nil {
		t.Fatalf("request name: %v", err)
	}
	client, err := bus.Connect()
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus, service, client
}

func echo(call *envelope.Envelope, reply *envelope.Envelope) error {
	for !call.AtEnd() {
		v, err := call.ReadValue()
		if err != nil {
			return err
		}
		if err := reply.WriteValue(v); err != nil {
			return err
		}
	}
	return nil
}

func newCall(t *testing.T, member string) *envelope.Envelope {
	t.Helper()
	msg, err := envelope.NewMethodCall(testService, testPath, testIface, member)
	if err != nil {
		t.Fatalf("new call: %v", err)
	}
	return msg
}

func TestCallEchoesNestedBody(t *testing.T) {
	testlog.Start(t)
	_, service, client := newPair(t, DefaultLimits())
	if err := service.Export(testPath, testIface, "Echo", echo); err != nil {
		t.Fatalf("export: %v", err)
	}

	msg := newCall(t, "Echo")
	if err := msg.OpenContainer(signature.Array, "{sv}"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := writeVariantEntry(msg, "Name", mustValue(t, "hci0")); err != nil {
		t.Fatalf("entry: %v", err)
	}
	if err := msg.CloseContainer(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := msg.Write(uint16(9)); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply, err := client.Call(context.Background(), msg)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	defer reply.Release()
	if reply.Kind() != envelope.KindMethodReturn || reply.Mode() != envelope.ModeRead {
		t.Fatalf("unexpected reply %s/%s", reply.Kind(), reply.Mode())
	}
	if reply.Sender() != service.Unique() {
		t.Fatalf("reply sender=%q want %q", reply.Sender(), service.Unique())
	}
	if reply.Header().ReplySerial != msg.Header().Serial || msg.Header().Serial == 0 {
		t.Fatalf("reply serial mismatch")
	}
	if got := envelope.Format(reply.Body()); got != `a{sv} 1 "Name" s "hci0" q 9` {
		t.Fatalf("reply=%s", got)
	}
	if err := msg.Write(int32(1)); !errors.Is(err, envelope.ErrSealed) {
		t.Fatalf("expected sent envelope to be sealed, got %v", err)
	}
}

func TestCallErrors(t *testing.T) {
	testlog.Start(t)
	bus, service, client := newPair(t, DefaultLimits())
	service.Export(testPath, testIface, "Fail", func(call, reply *envelope.Envelope) error {
		return &transport.RemoteError{Name: "org.example.Error.Busy", Message: "try later"}
	})
	service.Export(testPath, testIface, "Broken", func(call, reply *envelope.Envelope) error {
		return errors.New("exploded")
	})

	cases := []struct {
		dest   string
		path   envelope.ObjectPath
		iface  string
		member string
		name   string
	}{
		{"org.example.Missing", testPath, testIface, "Fail", transport.ErrorServiceUnknown},
		{testService, "/nope", testIface, "Fail", transport.ErrorUnknownObject},
		{testService, testPath, "org.example.Other", "Fail", transport.ErrorUnknownInterface},
		{testService, testPath, testIface, "Missing", transport.ErrorUnknownMethod},
		{testService, testPath, testIface, "Fail", "org.example.Error.Busy"},
		{testService, testPath, testIface, "Broken", transport.ErrorFailed},
		{DaemonName, "/org/freedesktop/DBus", DaemonName, "Reload", transport.ErrorUnknownMethod},
	}
	for _, tc := range cases {
		msg, err := envelope.NewMethodCall(tc.dest, tc.path, tc.iface, tc.member)
		if err != nil {
			t.Fatalf("new call: %v", err)
		}
		_, err = client.Call(context.Background(), msg)
		var remote *transport.RemoteError
		if !errors.As(err, &remote) || remote.Name != tc.name {
			t.Fatalf("%s %s %s.%s: expected %s, got %v", tc.dest, tc.path, tc.iface, tc.member, tc.name, err)
		}
	}

	names := bus.Names()
	if len(names) != 3 {
		t.Fatalf("names=%v", names)
	}
}

func TestCallTimeout(t *testing.T) {
	testlog.Start(t)
	_, service, client := newPair(t, DefaultLimits())
	release := make(chan struct{})
	defer close(release)
	service.Export(testPath, testIface, "Hang", func(call, reply *envelope.Envelope) error {
		<-release
		return nil
	})
	client.SetTimeout(30 * time.Millisecond)
	if client.Timeout() != 30*time.Millisecond {
		t.Fatalf("timeout=%s", client.Timeout())
	}

	_, err := client.Call(context.Background(), newCall(t, "Hang"))
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestPayloadLimit(t *testing.T) {
	testlog.Start(t)
	limits := DefaultLimits()
	limits.Frame.MaxPayloadBytes = 64
	_, service, client := newPair(t, limits)
	service.Export(testPath, testIface, "Echo", echo)

	msg := newCall(t, "Echo")
	if err := msg.Write(string(make([]byte, 256))); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := client.Call(context.Background(), msg); !errors.Is(err, frame.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestPropertiesServe(t *testing.T) {
	testlog.Start(t)
	_, service, client := newPair(t, DefaultLimits())
	if err := service.AddProperty(testPath, testIface, "Name", "thing", false); err != nil {
		t.Fatalf("add property: %v", err)
	}
	if err := service.AddProperty(testPath, testIface, "Level", int32(3), true); err != nil {
		t.Fatalf("add property: %v", err)
	}

	get := func(name string) (*envelope.Envelope, error) {
		msg, _ := envelope.NewMethodCall(testService, testPath, transport.InterfaceProperties, "Get")
		msg.Write(testIface)
		msg.Write(name)
		return client.Call(context.Background(), msg)
	}
	set := func(name string, raw any) error {
		msg, _ := envelope.NewMethodCall(testService, testPath, transport.InterfaceProperties, "Set")
		msg.Write(testIface)
		msg.Write(name)
		v, err := ToValue(raw)
		if err != nil {
			return err
		}
		if err := msg.WriteValue(envelope.NewVariant(v)); err != nil {
			return err
		}
		reply, err := client.Call(context.Background(), msg)
		if err == nil {
			reply.Release()
		}
		return err
	}

	reply, err := get("Name")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := reply.EnterContainer(signature.Variant, "s"); err != nil {
		t.Fatalf("enter: %v", err)
	}
	var name string
	if err := reply.Read(&name); err != nil || name != "thing" {
		t.Fatalf("name=%q,%v", name, err)
	}

	if _, err := get("Missing"); !isRemote(err, transport.ErrorUnknownProperty) {
		t.Fatalf("expected UnknownProperty, got %v", err)
	}
	if err := set("Name", "other"); !isRemote(err, transport.ErrorPropertyReadOnly) {
		t.Fatalf("expected PropertyReadOnly, got %v", err)
	}
	if err := set("Level", "high"); !isRemote(err, transport.ErrorInvalidArgs) {
		t.Fatalf("expected InvalidArgs, got %v", err)
	}
	if err := set("Level", int32(7)); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok := service.Property(testPath, testIface, "Level")
	if !ok || v.Scalar != int32(7) {
		t.Fatalf("level=%v,%v", v.Scalar, ok)
	}

	msg, _ := envelope.NewMethodCall(testService, testPath, transport.InterfaceProperties, "GetAll")
	msg.Write(testIface)
	all, err := client.Call(context.Background(), msg)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if got := envelope.Format(all.Body()); got != `a{sv} 2 "Level" i 7 "Name" s "thing"` {
		t.Fatalf("get all=%s", got)
	}
}

func TestPropertiesChangedSignal(t *testing.T) {
	testlog.Start(t)
	_, service, client := newPair(t, DefaultLimits())
	service.AddProperty(testPath, testIface, "Powered", false, true)

	var got []string
	if _, err := client.AddMatch("type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',arg0='"+testIface+"'", func(msg *envelope.Envelope) {
		got = append(got, envelope.Format(msg.Body()))
	}); err != nil {
		t.Fatalf("add match: %v", err)
	}
	if err := service.UpdateProperty(testPath, testIface, "Powered", true); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := service.UpdateProperty(testPath, testIface, "Powered", "yes"); !isRemote(err, transport.ErrorInvalidArgs) {
		t.Fatalf("expected InvalidArgs, got %v", err)
	}
	processAll(t, client)
	if len(got) != 1 || got[0] != `s "org.example.Thing" a{sv} 1 "Powered" b true as 0` {
		t.Fatalf("signals=%v", got)
	}
}

func TestManagedObjects(t *testing.T) {
	testlog.Start(t)
	_, service, client := newPair(t, DefaultLimits())
	service.ExportObjectManager("/")
	service.AddProperty("/org/example/b", "org.example.B", "Count", uint32(2), false)
	service.AddProperty("/org/example/a", "org.example.A", "Name", "first", false)
	service.Export("/org/example/a", "org.example.Extra", "Poke", echo)

	msg, _ := envelope.NewMethodCall(testService, "/", transport.InterfaceObjectManager, "GetManagedObjects")
	reply, err := client.Call(context.Background(), msg)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	want := `a{oa{sa{sv}}} 2 "/org/example/a" 2 "org.example.A" 1 "Name" s "first" "org.example.Extra" 0 "/org/example/b" 1 "org.example.B" 1 "Count" u 2`
	if got := envelope.Format(reply.Body()); got != want {
		t.Fatalf("managed objects=%s", got)
	}
}

func TestSignalDelivery(t *testing.T) {
	testlog.Start(t)
	_, service, client := newPair(t, DefaultLimits())

	var hits []string
	slot, err := client.AddMatch("type='signal',interface='org.example.Thing',member='Changed'", func(msg *envelope.Envelope) {
		var s string
		if err := msg.Read(&s); err != nil {
			t.Errorf("read: %v", err)
		}
		hits = append(hits, s)
	})
	if err != nil {
		t.Fatalf("add match: %v", err)
	}
	if client.MatchCount() != 1 {
		t.Fatalf("match count=%d", client.MatchCount())
	}

	if err := service.Emit(testPath, testIface, "Other", "skip"); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if client.Pending() != 0 {
		t.Fatalf("non-matching signal was queued")
	}
	if err := service.Emit(testPath, testIface, "Changed", "one"); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := service.Emit(testPath, testIface, "Changed", "two"); err != nil {
		t.Fatalf("emit: %v", err)
	}

	start := time.Now()
	if err := client.Wait(time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("wait blocked with pending messages")
	}
	processAll(t, client)
	if len(hits) != 2 || hits[0] != "one" || hits[1] != "two" {
		t.Fatalf("hits=%v", hits)
	}

	if err := slot.Close(); err != nil {
		t.Fatalf("slot close: %v", err)
	}
	if err := slot.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}
	service.Emit(testPath, testIface, "Changed", "three")
	processAll(t, client)
	if len(hits) != 2 {
		t.Fatalf("delivered after slot close: %v", hits)
	}
}

func TestWaitIsBounded(t *testing.T) {
	testlog.Start(t)
	_, _, client := newPair(t, DefaultLimits())

	start := time.Now()
	if err := client.Wait(40 * time.Millisecond); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("wait elapsed=%s", elapsed)
	}
	if did, err := client.Process(); did || err != nil {
		t.Fatalf("process on empty inbox=%v,%v", did, err)
	}
}

func TestMatchRejection(t *testing.T) {
	testlog.Start(t)
	limits := DefaultLimits()
	limits.MaxMatchRules = 1
	_, _, client := newPair(t, limits)

	noop := func(*envelope.Envelope) {}
	if _, err := client.AddMatch("type='bogus'", noop); !errors.Is(err, transport.ErrMatchRejected) {
		t.Fatalf("expected ErrMatchRejected for bad rule, got %v", err)
	}
	if _, err := client.AddMatch("type='signal'", noop); err != nil {
		t.Fatalf("first match: %v", err)
	}
	if _, err := client.AddMatch("type='signal'", noop); !errors.Is(err, transport.ErrMatchRejected) {
		t.Fatalf("expected ErrMatchRejected over quota, got %v", err)
	}
}

func TestSessionClose(t *testing.T) {
	testlog.Start(t)
	bus, service, client := newPair(t, DefaultLimits())

	addr, err := client.Address()
	if err != nil || addr != bus.Address() {
		t.Fatalf("address=%q,%v", addr, err)
	}
	if !client.IsOpen() || !client.IsReady() {
		t.Fatalf("expected open session")
	}
	if err := service.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if service.IsOpen() {
		t.Fatalf("expected closed session")
	}
	if _, err := service.Address(); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := service.Process(); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := client.Call(context.Background(), newCall(t, "Echo")); !isRemote(err, transport.ErrorServiceUnknown) {
		t.Fatalf("expected ServiceUnknown after owner left, got %v", err)
	}
	bus.Close()
	if client.IsReady() {
		t.Fatalf("expected session not ready after bus close")
	}
}

func TestWireBooleanNormalization(t *testing.T) {
	testlog.Start(t)
	for _, tc := range []struct {
		u    uint64
		want bool
	}{{0, false}, {1, true}, {7, true}, {1 << 31, true}} {
		v, err := decodeValue(wireValue{Sig: "b", U: tc.u})
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if v.Scalar != tc.want {
			t.Fatalf("wire %d decoded to %v", tc.u, v.Scalar)
		}
	}
	if _, err := decodeValue(wireValue{Sig: "y", U: 300}); !errors.Is(err, envelope.ErrInvalidValue) {
		t.Fatalf("expected byte range error, got %v", err)
	}
}

func TestWireIntegerRanges(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		w  wireValue
		ok bool
	}{
		{wireValue{Sig: "y", U: math.MaxUint8}, true},
		{wireValue{Sig: "y", U: math.MaxUint8 + 1}, false},
		{wireValue{Sig: "q", U: math.MaxUint16 + 1}, false},
		{wireValue{Sig: "u", U: math.MaxUint32 + 1}, false},
		{wireValue{Sig: "n", I: math.MinInt16}, true},
		{wireValue{Sig: "n", I: math.MaxInt16}, true},
		{wireValue{Sig: "n", I: math.MaxInt16 + 1}, false},
		{wireValue{Sig: "n", I: math.MinInt16 - 1}, false},
		{wireValue{Sig: "i", I: math.MinInt32}, true},
		{wireValue{Sig: "i", I: math.MaxInt32}, true},
		{wireValue{Sig: "i", I: math.MaxInt32 + 1}, false},
		{wireValue{Sig: "i", I: math.MinInt32 - 1}, false},
		{wireValue{Sig: "x", I: math.MinInt64}, true},
	}
	for _, tc := range cases {
		v, err := decodeValue(tc.w)
		if tc.ok {
			if err != nil {
				t.Fatalf("decode %+v: %v", tc.w, err)
			}
			if err := v.Validate(); err != nil {
				t.Fatalf("decoded %+v is invalid: %v", tc.w, err)
			}
			continue
		}
		if !errors.Is(err, envelope.ErrInvalidValue) {
			t.Fatalf("expected range error for %+v, got %v", tc.w, err)
		}
	}
}

func TestUnsealRejectsSignatureMismatch(t *testing.T) {
	testlog.Start(t)
	h := envelope.Header{Kind: envelope.KindSignal, Path: testPath, Interface: testIface, Member: "Changed"}
	data, err := seal(h, []envelope.Value{mustValue(t, "x")}, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, _, err := unseal(data, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("unseal: %v", err)
	}
	if got.Path != testPath || got.Interface != testIface || got.Member != "Changed" || got.Kind != envelope.KindSignal {
		t.Fatalf("route fields lost: %+v", got)
	}
	if _, _, err := unseal(data[:10], frame.DefaultLimits()); !errors.Is(err, frame.ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}

	f, err := frame.ReadFrame(bytes.NewReader(data), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	f.Route = encodeRoute(h, "i")
	var buf bytes.Buffer
	if err := frame.WriteFrame(&buf, f, frame.DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if _, _, err := unseal(buf.Bytes(), frame.DefaultLimits()); !errors.Is(err, envelope.ErrInvalidValue) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
}

func processAll(t *testing.T, s *Session) {
	t.Helper()
	for {
		did, err := s.Process()
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if !did {
			return
		}
	}
}

func isRemote(err error, name string) bool {
	var remote *transport.RemoteError
	return errors.As(err, &remote) && remote.Name == name
}

func mustValue(t *testing.T, raw any) envelope.Value {
	t.Helper()
	v, err := ToValue(raw)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	return v
}
