package match

import (
	"errors"
	"testing"

	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/danmuck/dbusctl/internal/testutil/testlog"
)

func signalHeader() envelope.Header {
	return envelope.Header{
		Kind:      envelope.KindSignal,
		Sender:    ":1.7",
		Path:      "/org/bluez/hci0",
		Interface: "org.freedesktop.DBus.Properties",
		Member:    "PropertiesChanged",
	}
}

func body(t *testing.T, raws ...any) []envelope.Value {
	t.Helper()
	out := make([]envelope.Value, 0, len(raws))
	for _, raw := range raws {
		v, err := envelope.Scalar(raw)
		if err != nil {
			t.Fatalf("scalar: %v", err)
		}
		out = append(out, v)
	}
	return out
}

func TestParseFields(t *testing.T) {
	testlog.Start(t)

	r, err := Parse("type='signal', sender=':1.7',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',path_namespace='/org/bluez',arg0='org.bluez.Adapter1',arg2path='/x/',eavesdrop='true'")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Kind != envelope.KindSignal || r.Sender != ":1.7" || r.Member != "PropertiesChanged" {
		t.Fatalf("unexpected rule %+v", r)
	}
	if r.PathNamespace != "/org/bluez" || r.Args[0] != "org.bluez.Adapter1" || r.ArgPaths[2] != "/x/" || !r.Eavesdrop {
		t.Fatalf("unexpected rule %+v", r)
	}
}

func TestParseRejects(t *testing.T) {
	testlog.Start(t)

	for _, text := range []string{
		"type='bogus'",
		"kind='signal'",
		"type='signal',type='signal'",
		"path='relative'",
		"path='/a',path_namespace='/a'",
		"arg64='x'",
		"arg01='x'",
		"argpath='x'",
		"member='open",
		"='x'",
		"eavesdrop='yes'",
	} {
		if _, err := Parse(text); !errors.Is(err, ErrInvalidRule) {
			t.Fatalf("expected ErrInvalidRule for %q, got %v", text, err)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	testlog.Start(t)

	text := `type='signal',member='Changed',arg0='it'\''s',arg1path='/a/'`
	r, err := Parse(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Args[0] != "it's" {
		t.Fatalf("arg0=%q", r.Args[0])
	}
	again, err := Parse(r.String())
	if err != nil {
		t.Fatalf("reparse %q: %v", r.String(), err)
	}
	if again.String() != r.String() {
		t.Fatalf("canonical form changed: %q vs %q", again.String(), r.String())
	}
}

func TestMatches(t *testing.T) {
	testlog.Start(t)

	h := signalHeader()
	b := body(t, "org.bluez.Adapter1", int32(3), envelope.ObjectPath("/x/y"))

	cases := []struct {
		rule string
		want bool
	}{
		{"", true},
		{"type='signal'", true},
		{"type='method_call'", false},
		{"sender=':1.7'", true},
		{"sender=':1.8'", false},
		{"interface='org.freedesktop.DBus.Properties',member='PropertiesChanged'", true},
		{"member='InterfacesAdded'", false},
		{"path='/org/bluez/hci0'", true},
		{"path='/org/bluez'", false},
		{"path_namespace='/org/bluez'", true},
		{"path_namespace='/org/blu'", false},
		{"path_namespace='/'", true},
		{"arg0='org.bluez.Adapter1'", true},
		{"arg0='org.bluez.Device1'", false},
		{"arg1='3'", false},
		{"arg5='x'", false},
		{"arg2path='/x/'", true},
		{"arg2path='/x/y'", true},
		{"arg2path='/z/'", false},
		{"arg2='/x/y'", false},
		{"arg0namespace='org.bluez'", true},
		{"arg0namespace='org.blu'", false},
		{"destination='org.example'", false},
	}
	for _, tc := range cases {
		r, err := Parse(tc.rule)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.rule, err)
		}
		if got := r.Matches(h, b); got != tc.want {
			t.Fatalf("rule %q matches=%v want %v", tc.rule, got, tc.want)
		}
	}
}

func TestMatchesEnvelope(t *testing.T) {
	testlog.Start(t)

	e, err := envelope.NewSignal("/org/example/Thing", "org.example.Thing", "Changed")
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if err := e.Write("on"); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := Parse("type='signal',interface='org.example.Thing',arg0='on'")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !r.MatchesEnvelope(e) {
		t.Fatalf("expected envelope to match")
	}
}
