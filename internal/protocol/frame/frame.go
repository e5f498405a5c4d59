package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic          uint32 = 0x44424C42 // "DBLB"
	Version        uint16 = 1
	FixedHeaderLen uint16 = 32

	FlagHasRoute uint32 = 0x01
	FlagNoReply  uint32 = 0x02
	FlagIsError  uint32 = 0x04
)

var (
	ErrShortHeader        = errors.New("frame: short fixed header")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrHeaderLenTooSmall  = errors.New("frame: header_len smaller than fixed header")
	ErrHeaderLenMismatch  = errors.New("frame: route flag set but header_len has no route bytes")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrRouteTooLarge      = errors.New("frame: route block too large")
)

// Header is the fixed header of one sealed bus message.
type Header struct {
	Magic      uint32
	Version    uint16
	HeaderLen  uint16
	Serial     uint64
	Kind       uint32
	Flags      uint32
	PayloadLen uint64
}

// Frame is one sealed message: routing fields and body, each encoded by
// the caller.
type Frame struct {
	Header  Header
	Route   []byte
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxRouteBytes   uint64
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxRouteBytes:   16 * 1024,
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, ErrInvalidMagic
	}
	if h.Version != Version {
		return Frame{}, ErrUnsupportedVersion
	}
	if h.HeaderLen < FixedHeaderLen {
		return Frame{}, ErrHeaderLenTooSmall
	}

	routeLen := uint64(h.HeaderLen - FixedHeaderLen)
	if h.Flags&FlagHasRoute != 0 && routeLen == 0 {
		return Frame{}, ErrHeaderLenMismatch
	}
	if routeLen > limits.MaxRouteBytes {
		return Frame{}, ErrRouteTooLarge
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	route := make([]byte, routeLen)
	if routeLen > 0 {
		if _, err := io.ReadFull(r, route); err != nil {
			return Frame{}, err
		}
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}

	return Frame{Header: h, Route: route, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	routeLen := uint64(len(f.Route))
	payloadLen := uint64(len(f.Payload))
	if routeLen > limits.MaxRouteBytes || routeLen > uint64(^uint16(0)-FixedHeaderLen) {
		return ErrRouteTooLarge
	}
	if payloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen + uint16(routeLen)
	h.PayloadLen = payloadLen
	if routeLen > 0 {
		h.Flags |= FlagHasRoute
	} else {
		h.Flags &^= FlagHasRoute
	}

	if _, err := w.Write(EncodeHeader(h)); err != nil {
		return err
	}
	if routeLen > 0 {
		if _, err := w.Write(f.Route); err != nil {
			return err
		}
	}
	if payloadLen > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.Serial)
	binary.BigEndian.PutUint32(buf[16:20], h.Kind)
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint64(buf[24:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:  binary.BigEndian.Uint16(b[6:8]),
		Serial:     binary.BigEndian.Uint64(b[8:16]),
		Kind:       binary.BigEndian.Uint32(b[16:20]),
		Flags:      binary.BigEndian.Uint32(b[20:24]),
		PayloadLen: binary.BigEndian.Uint64(b[24:32]),
	}, nil
}
