package loopback

import (
	"bytes"
	"fmt"
	"math"

	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/danmuck/dbusctl/internal/protocol/frame"
	"github.com/danmuck/dbusctl/internal/protocol/signature"
	"github.com/danmuck/dbusctl/internal/protocol/tlv"
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("loopback: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("loopback: CBOR decoder initialization failed: " + err.Error())
	}
}

// wireValue is one body value on the loopback wire. Booleans travel as
// the integer 0 or 1 in U.
type wireValue struct {
	Sig   string      `cbor:"1,keyasint"`
	U     uint64      `cbor:"2,keyasint,omitempty"`
	I     int64       `cbor:"3,keyasint,omitempty"`
	F     float64     `cbor:"4,keyasint,omitempty"`
	S     string      `cbor:"5,keyasint,omitempty"`
	Items []wireValue `cbor:"6,keyasint,omitempty"`
}

// encodeRoute packs the header fields that do not fit the fixed frame
// header.
func encodeRoute(h envelope.Header, sig string) []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.U32(tlv.FieldReplySerial, h.ReplySerial),
		tlv.String(tlv.FieldSender, h.Sender),
		tlv.String(tlv.FieldDestination, h.Destination),
		tlv.Path(tlv.FieldPath, string(h.Path)),
		tlv.String(tlv.FieldInterface, h.Interface),
		tlv.String(tlv.FieldMember, h.Member),
		tlv.String(tlv.FieldErrorName, h.ErrorName),
		tlv.Sig(tlv.FieldSignature, sig),
	})
}

// decodeRoute fills h from a route block and returns the declared body
// signature.
func decodeRoute(route []byte, h *envelope.Header) (string, error) {
	fields, err := tlv.DecodeFields(route)
	if err != nil {
		return "", err
	}
	if h.ReplySerial, err = tlv.GetU32(fields, tlv.FieldReplySerial); err != nil {
		return "", err
	}
	var path string
	strs := []struct {
		code, typ uint8
		dst       *string
	}{
		{tlv.FieldSender, tlv.TypeString, &h.Sender},
		{tlv.FieldDestination, tlv.TypeString, &h.Destination},
		{tlv.FieldPath, tlv.TypePath, &path},
		{tlv.FieldInterface, tlv.TypeString, &h.Interface},
		{tlv.FieldMember, tlv.TypeString, &h.Member},
		{tlv.FieldErrorName, tlv.TypeString, &h.ErrorName},
	}
	for _, f := range strs {
		if *f.dst, err = tlv.GetString(fields, f.code, f.typ); err != nil {
			return "", err
		}
	}
	h.Path = envelope.ObjectPath(path)
	return tlv.GetString(fields, tlv.FieldSignature, tlv.TypeSig)
}

func encodeValue(v envelope.Value) (wireValue, error) {
	out := wireValue{Sig: v.Signature}
	if v.Tag().IsContainer() {
		out.Items = make([]wireValue, 0, len(v.Items))
		for _, item := range v.Items {
			w, err := encodeValue(item)
			if err != nil {
				return wireValue{}, err
			}
			out.Items = append(out.Items, w)
		}
		return out, nil
	}
	switch x := v.Scalar.(type) {
	case bool:
		if x {
			out.U = 1
		}
	case uint8:
		out.U = uint64(x)
	case uint16:
		out.U = uint64(x)
	case uint32:
		out.U = uint64(x)
	case uint64:
		out.U = x
	case envelope.UnixFD:
		out.U = uint64(x)
	case int16:
		out.I = int64(x)
	case int32:
		out.I = int64(x)
	case int64:
		out.I = x
	case float64:
		out.F = x
	case string:
		out.S = x
	case envelope.ObjectPath:
		out.S = string(x)
	case envelope.Signature:
		out.S = string(x)
	default:
		return wireValue{}, fmt.Errorf("%w: cannot encode %T", envelope.ErrInvalidValue, v.Scalar)
	}
	return out, nil
}

func decodeValue(w wireValue) (envelope.Value, error) {
	tag, _ := signature.Describe(w.Sig)
	if tag.IsContainer() {
		out := envelope.Value{Signature: w.Sig, Items: make([]envelope.Value, 0, len(w.Items))}
		for _, item := range w.Items {
			v, err := decodeValue(item)
			if err != nil {
				return envelope.Value{}, err
			}
			out.Items = append(out.Items, v)
		}
		return out, nil
	}
	var raw any
	switch tag {
	case signature.Boolean:
		raw = w.U != 0
	case signature.Byte:
		if w.U > math.MaxUint8 {
			return envelope.Value{}, fmt.Errorf("%w: byte out of range", envelope.ErrInvalidValue)
		}
		raw = uint8(w.U)
	case signature.Uint16:
		if w.U > math.MaxUint16 {
			return envelope.Value{}, fmt.Errorf("%w: uint16 out of range", envelope.ErrInvalidValue)
		}
		raw = uint16(w.U)
	case signature.Uint32:
		if w.U > math.MaxUint32 {
			return envelope.Value{}, fmt.Errorf("%w: uint32 out of range", envelope.ErrInvalidValue)
		}
		raw = uint32(w.U)
	case signature.UnixFD:
		raw = envelope.UnixFD(w.U)
	case signature.Uint64:
		raw = w.U
	case signature.Int16:
		if w.I < math.MinInt16 || w.I > math.MaxInt16 {
			return envelope.Value{}, fmt.Errorf("%w: int16 out of range", envelope.ErrInvalidValue)
		}
		raw = int16(w.I)
	case signature.Int32:
		if w.I < math.MinInt32 || w.I > math.MaxInt32 {
			return envelope.Value{}, fmt.Errorf("%w: int32 out of range", envelope.ErrInvalidValue)
		}
		raw = int32(w.I)
	case signature.Int64:
		raw = w.I
	case signature.Double:
		raw = w.F
	case signature.String:
		raw = w.S
	case signature.ObjectPath:
		raw = envelope.ObjectPath(w.S)
	case signature.Signature:
		raw = envelope.Signature(w.S)
	default:
		return envelope.Value{}, fmt.Errorf("%w: unknown wire type %q", envelope.ErrInvalidValue, w.Sig)
	}
	return envelope.Value{Signature: w.Sig, Scalar: raw}, nil
}

func frameFlags(kind envelope.Kind) uint32 {
	switch kind {
	case envelope.KindSignal, envelope.KindMethodReturn:
		return frame.FlagNoReply
	case envelope.KindError:
		return frame.FlagNoReply | frame.FlagIsError
	}
	return 0
}

// seal encodes one message into a frame.
func seal(h envelope.Header, body []envelope.Value, limits frame.Limits) ([]byte, error) {
	values := make([]wireValue, 0, len(body))
	for _, v := range body {
		w, err := encodeValue(v)
		if err != nil {
			return nil, err
		}
		values = append(values, w)
	}
	payload, err := encMode.Marshal(values)
	if err != nil {
		return nil, err
	}
	route := encodeRoute(h, envelope.BodySignature(body))
	var buf bytes.Buffer
	f := frame.Frame{
		Header: frame.Header{
			Serial: uint64(h.Serial),
			Kind:   uint32(h.Kind),
			Flags:  frameFlags(h.Kind),
		},
		Route:   route,
		Payload: payload,
	}
	if err := frame.WriteFrame(&buf, f, limits); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// unseal decodes a frame produced by seal into an independent header and
// body.
func unseal(data []byte, limits frame.Limits) (envelope.Header, []envelope.Value, error) {
	f, err := frame.ReadFrame(bytes.NewReader(data), limits)
	if err != nil {
		return envelope.Header{}, nil, err
	}
	h := envelope.Header{
		Kind:   envelope.Kind(f.Header.Kind),
		Serial: uint32(f.Header.Serial),
	}
	declared, err := decodeRoute(f.Route, &h)
	if err != nil {
		return envelope.Header{}, nil, fmt.Errorf("loopback: decode route: %w", err)
	}
	var values []wireValue
	if err := decMode.Unmarshal(f.Payload, &values); err != nil {
		return envelope.Header{}, nil, fmt.Errorf("loopback: decode body: %w", err)
	}
	body := make([]envelope.Value, 0, len(values))
	for _, w := range values {
		v, err := decodeValue(w)
		if err != nil {
			return envelope.Header{}, nil, err
		}
		body = append(body, v)
	}
	if got := envelope.BodySignature(body); got != declared {
		return envelope.Header{}, nil, fmt.Errorf("%w: body %q does not match declared %q", envelope.ErrInvalidValue, got, declared)
	}
	return h, body, nil
}
