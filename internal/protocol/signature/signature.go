package signature

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

// Tag is a single-character type code from the bus type system.
type Tag byte

const (
	Empty      Tag = ' '
	Byte       Tag = 'y'
	Boolean    Tag = 'b'
	Int16      Tag = 'n'
	Uint16     Tag = 'q'
	Int32      Tag = 'i'
	Uint32     Tag = 'u'
	Int64      Tag = 'x'
	Uint64     Tag = 't'
	Double     Tag = 'd'
	String     Tag = 's'
	ObjectPath Tag = 'o'
	Signature  Tag = 'g'
	UnixFD     Tag = 'h'
	Array      Tag = 'a'
	Variant    Tag = 'v'
	Struct     Tag = 'r'
	DictEntry  Tag = 'e'

	StructBegin    Tag = '('
	StructEnd      Tag = ')'
	DictEntryBegin Tag = '{'
	DictEntryEnd   Tag = '}'
)

// Grammar limits of the bus type system.
const (
	MaxLength      = 255
	MaxArrayDepth  = 32
	MaxStructDepth = 32
)

var ErrInvalid = errors.New("signature: invalid")

// Error reports where and why a signature was rejected. Offset is -1 when
// the bus library rejected the signature without a position.
type Error struct {
	Signature string
	Offset    int
	Reason    string
}

func (e *Error) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("signature: %q: %s", e.Signature, e.Reason)
	}
	return fmt.Sprintf("signature: %q offset=%d: %s", e.Signature, e.Offset, e.Reason)
}

func (e *Error) Unwrap() error {
	return ErrInvalid
}

func (t Tag) String() string {
	if t == Empty {
		return "EMPTY"
	}
	return string(rune(t))
}

// IsBasic reports whether t is a fixed or string-like scalar type.
func (t Tag) IsBasic() bool {
	switch t {
	case Byte, Boolean, Int16, Uint16, Int32, Uint32, Int64, Uint64,
		Double, String, ObjectPath, Signature, UnixFD:
		return true
	}
	return false
}

// IsContainer reports whether t names a container scope usable with
// open/enter operations.
func (t Tag) IsContainer() bool {
	switch t {
	case Array, Variant, Struct, DictEntry:
		return true
	}
	return false
}

// Valid reports whether sig is a well-formed sequence of complete types.
// The empty signature is valid.
func Valid(sig string) bool {
	return Validate(sig) == nil
}

// Validate checks sig against the type grammar. The bus library parses
// it first; the local pass then enforces basic dict keys and non-empty
// structs and reports the failing offset.
func Validate(sig string) error {
	if len(sig) > MaxLength {
		return &Error{Signature: sig, Offset: MaxLength, Reason: "too long"}
	}
	if _, err := dbus.ParseSignature(sig); err != nil {
		reason := err.Error()
		var se dbus.SignatureError
		if errors.As(err, &se) {
			reason = se.Reason
		}
		return &Error{Signature: sig, Offset: -1, Reason: reason}
	}
	for pos := 0; pos < len(sig); {
		end, err := parseOne(sig, pos, 0, 0, false)
		if err != nil {
			return err
		}
		pos = end
	}
	return nil
}

// Split breaks sig into its complete types.
func Split(sig string) ([]string, error) {
	if err := Validate(sig); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(sig))
	for pos := 0; pos < len(sig); {
		end, _ := parseOne(sig, pos, 0, 0, false)
		out = append(out, sig[pos:end])
		pos = end
	}
	return out, nil
}

// Next returns the first complete type of sig and what follows it.
func Next(sig string) (string, string, error) {
	if sig == "" {
		return "", "", &Error{Signature: sig, Reason: "empty"}
	}
	end, err := parseOne(sig, 0, 0, 0, false)
	if err != nil {
		return "", "", err
	}
	return sig[:end], sig[end:], nil
}

// IsSingle reports whether sig is exactly one complete type.
func IsSingle(sig string) bool {
	first, rest, err := Next(sig)
	return err == nil && first != "" && rest == ""
}

// Container returns the complete signature of a container with the given
// tag and contents. Variant contents name the wrapped value's type; the
// container's own signature is always "v".
func Container(tag Tag, contents string) (string, error) {
	var full string
	switch tag {
	case Array:
		full = string(Array) + contents
	case Struct:
		full = "(" + contents + ")"
	case DictEntry:
		// dict entries are only legal as array elements
		full = "{" + contents + "}"
		if err := Validate("a" + full); err != nil {
			return "", err
		}
		return full, nil
	case Variant:
		if !IsSingle(contents) {
			return "", &Error{Signature: contents, Reason: "variant needs exactly one complete type"}
		}
		return string(Variant), nil
	default:
		return "", &Error{Signature: string(tag), Reason: "not a container tag"}
	}
	if !IsSingle(full) {
		if err := Validate(full); err != nil {
			return "", err
		}
		return "", &Error{Signature: full, Reason: "not a single complete type"}
	}
	return full, nil
}

// Describe splits one complete type into the tag callers pass to
// open/enter and the contents signature of that container. Basic types
// return their own tag and empty contents. Variants return empty contents
// because the wrapped type lives in the value, not the signature.
func Describe(single string) (Tag, string) {
	if single == "" {
		return Empty, ""
	}
	switch Tag(single[0]) {
	case Array:
		return Array, single[1:]
	case StructBegin:
		return Struct, strings.TrimSuffix(single[1:], ")")
	case DictEntryBegin:
		return DictEntry, strings.TrimSuffix(single[1:], "}")
	}
	return Tag(single[0]), ""
}

func parseOne(sig string, pos, arrays, structs int, inArray bool) (int, error) {
	if pos >= len(sig) {
		return pos, &Error{Signature: sig, Offset: pos, Reason: "unexpected end"}
	}
	t := Tag(sig[pos])
	switch {
	case t.IsBasic() || t == Variant:
		return pos + 1, nil
	case t == Array:
		if arrays+1 > MaxArrayDepth {
			return pos, &Error{Signature: sig, Offset: pos, Reason: "array nesting too deep"}
		}
		return parseOne(sig, pos+1, arrays+1, structs, true)
	case t == StructBegin:
		if structs+1 > MaxStructDepth {
			return pos, &Error{Signature: sig, Offset: pos, Reason: "struct nesting too deep"}
		}
		cur := pos + 1
		fields := 0
		for {
			if cur >= len(sig) {
				return cur, &Error{Signature: sig, Offset: cur, Reason: "unterminated struct"}
			}
			if Tag(sig[cur]) == StructEnd {
				break
			}
			end, err := parseOne(sig, cur, arrays, structs+1, false)
			if err != nil {
				return end, err
			}
			cur = end
			fields++
		}
		if fields == 0 {
			return cur, &Error{Signature: sig, Offset: pos, Reason: "empty struct"}
		}
		return cur + 1, nil
	case t == DictEntryBegin:
		if !inArray {
			return pos, &Error{Signature: sig, Offset: pos, Reason: "dict entry outside array"}
		}
		if pos+1 >= len(sig) || !Tag(sig[pos+1]).IsBasic() {
			return pos + 1, &Error{Signature: sig, Offset: pos + 1, Reason: "dict key must be basic"}
		}
		end, err := parseOne(sig, pos+2, arrays, structs+1, false)
		if err != nil {
			return end, err
		}
		if end >= len(sig) || Tag(sig[end]) != DictEntryEnd {
			return end, &Error{Signature: sig, Offset: end, Reason: "dict entry needs exactly one value type"}
		}
		return end + 1, nil
	}
	return pos, &Error{Signature: sig, Offset: pos, Reason: fmt.Sprintf("unknown type code %q", sig[pos])}
}
