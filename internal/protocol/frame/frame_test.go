package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/dbusctl/internal/testutil/testlog"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)

	in := Frame{
		Header:  Header{Serial: 42, Kind: 4},
		Route:   []byte("route"),
		Payload: []byte{0x82, 0x01, 0x02},
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Magic != Magic || out.Header.Kind != in.Header.Kind || out.Header.Serial != in.Header.Serial {
		t.Fatalf("header mismatch: got=%+v want=%+v", out.Header, in.Header)
	}
	if out.Header.Flags&FlagHasRoute == 0 {
		t.Fatalf("expected route flag set: %+v", out.Header)
	}
	if string(out.Route) != "route" {
		t.Fatalf("route mismatch: %q", string(out.Route))
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameRejectsForeignMagic(t *testing.T) {
	testlog.Start(t)
	buf := EncodeHeader(Header{Magic: 1, Version: Version, HeaderLen: FixedHeaderLen})
	_, err := ReadFrame(bytes.NewReader(buf), DefaultLimits())
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestReadFrameHeaderLenTooSmall(t *testing.T) {
	testlog.Start(t)
	buf := EncodeHeader(Header{Magic: Magic, Version: Version, HeaderLen: 8})
	_, err := ReadFrame(bytes.NewReader(buf), DefaultLimits())
	if !errors.Is(err, ErrHeaderLenTooSmall) {
		t.Fatalf("expected ErrHeaderLenTooSmall, got %v", err)
	}
}

func TestReadFrameRouteFlagWithoutRouteBytes(t *testing.T) {
	testlog.Start(t)
	buf := EncodeHeader(Header{Magic: Magic, Version: Version, HeaderLen: FixedHeaderLen, Flags: FlagHasRoute})
	_, err := ReadFrame(bytes.NewReader(buf), DefaultLimits())
	if !errors.Is(err, ErrHeaderLenMismatch) {
		t.Fatalf("expected ErrHeaderLenMismatch, got %v", err)
	}
}

func TestWriteFrameEnforcesPayloadLimit(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxRouteBytes: 16, MaxPayloadBytes: 4}
	err := WriteFrame(&bytes.Buffer{}, Frame{Payload: []byte("too large")}, limits)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}
