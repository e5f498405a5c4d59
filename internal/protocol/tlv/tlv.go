package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is the encoded size of one field's code, type and length.
const HeaderLen = 6

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrDuplicateField   = errors.New("tlv: duplicate field")
)

// Header field codes. Codes follow the bus message header numbering so a
// route block dumps the same way a real header does.
const (
	FieldPath        uint8 = 1
	FieldInterface   uint8 = 2
	FieldMember      uint8 = 3
	FieldErrorName   uint8 = 4
	FieldReplySerial uint8 = 5
	FieldDestination uint8 = 6
	FieldSender      uint8 = 7
	FieldSignature   uint8 = 8
)

// Value type codes carried next to each field.
const (
	TypeU32    uint8 = 'u'
	TypeString uint8 = 's'
	TypePath   uint8 = 'o'
	TypeSig    uint8 = 'g'
)

// Field is one decoded header field.
type Field struct {
	Code  uint8
	Type  uint8
	Value []byte
}

func String(code uint8, s string) Field { return Field{Code: code, Type: TypeString, Value: []byte(s)} }
func Path(code uint8, p string) Field   { return Field{Code: code, Type: TypePath, Value: []byte(p)} }
func Sig(code uint8, s string) Field    { return Field{Code: code, Type: TypeSig, Value: []byte(s)} }

func U32(code uint8, v uint32) Field {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return Field{Code: code, Type: TypeU32, Value: b}
}

func EncodeField(f Field) []byte {
	buf := make([]byte, HeaderLen+len(f.Value))
	buf[0] = f.Code
	buf[1] = f.Type
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(f.Value)))
	copy(buf[HeaderLen:], f.Value)
	return buf
}

// EncodeFields concatenates fields, skipping string-typed fields with an
// empty value.
func EncodeFields(fields []Field) []byte {
	out := make([]byte, 0)
	for _, f := range fields {
		if f.Type != TypeU32 && len(f.Value) == 0 {
			continue
		}
		out = append(out, EncodeField(f)...)
	}
	return out
}

// DecodeFields splits payload into fields. Unknown codes are kept; a code
// seen twice is rejected.
func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	seen := make(map[uint8]bool)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		code := payload[i]
		typeID := payload[i+1]
		l := binary.BigEndian.Uint32(payload[i+2 : i+6])
		i += HeaderLen
		if uint32(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		if seen[code] {
			return nil, fmt.Errorf("%w: code %d", ErrDuplicateField, code)
		}
		seen[code] = true
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{Code: code, Type: typeID, Value: val})
	}
	return fields, nil
}

func GetField(fields []Field, code uint8) (Field, bool) {
	for _, f := range fields {
		if f.Code == code {
			return f, true
		}
	}
	return Field{}, false
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("tlv: field %d type mismatch: got %q want %q", f.Code, f.Type, expected)
	}
	return nil
}

// GetString returns the text of a string-like field, or "" when absent.
func GetString(fields []Field, code, expected uint8) (string, error) {
	f, ok := GetField(fields, code)
	if !ok {
		return "", nil
	}
	if err := MustType(f, expected); err != nil {
		return "", err
	}
	return string(f.Value), nil
}

// GetU32 returns a uint32 field, or 0 when absent.
func GetU32(fields []Field, code uint8) (uint32, error) {
	f, ok := GetField(fields, code)
	if !ok {
		return 0, nil
	}
	if err := MustType(f, TypeU32); err != nil {
		return 0, err
	}
	return U32FromBytes(f.Value)
}

func U32FromBytes(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("tlv: invalid u32 length: %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}
