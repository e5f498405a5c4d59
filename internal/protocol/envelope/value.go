package envelope

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/danmuck/dbusctl/internal/protocol/signature"
)

// Value is one complete typed value of a message body.
//
// Basic values carry their Go scalar in Scalar. Containers carry members in
// Items: array elements, struct fields, the key and value of a dict entry,
// or the single wrapped value of a variant.
type Value struct {
	Signature string
	Scalar    any
	Items     []Value
}

// Tag returns the container or basic tag of v.
func (v Value) Tag() signature.Tag {
	tag, _ := signature.Describe(v.Signature)
	return tag
}

// Contents returns what enter/open expect for v: the element type of an
// array, the fields of a struct or dict entry, or the wrapped type of a
// variant.
func (v Value) Contents() string {
	tag, contents := signature.Describe(v.Signature)
	if tag == signature.Variant && len(v.Items) == 1 {
		return v.Items[0].Signature
	}
	return contents
}

// Scalar wraps one basic Go value.
func Scalar(raw any) (Value, error) {
	tag, ok := tagOf(raw)
	if !ok {
		return Value{}, fmt.Errorf("%w: unsupported scalar %T", ErrTypeMismatch, raw)
	}
	if err := checkScalar(raw); err != nil {
		return Value{}, err
	}
	return Value{Signature: string(tag), Scalar: raw}, nil
}

// checkScalar applies the content rules of string-like types: valid UTF-8
// without NUL, well-formed object paths and signatures.
func checkScalar(raw any) error {
	switch x := raw.(type) {
	case string:
		if !utf8.ValidString(x) {
			return fmt.Errorf("%w: string is not valid UTF-8", ErrInvalidValue)
		}
		if strings.IndexByte(x, 0) >= 0 {
			return fmt.Errorf("%w: string contains NUL", ErrInvalidValue)
		}
	case ObjectPath:
		if !x.IsValid() {
			return fmt.Errorf("%w: invalid object path %q", ErrInvalidValue, x)
		}
	case Signature:
		if !signature.Valid(string(x)) {
			return fmt.Errorf("%w: invalid signature value %q", ErrInvalidValue, x)
		}
	}
	return nil
}

// NewArray builds an array value whose elements all have type elem.
func NewArray(elem string, items ...Value) (Value, error) {
	full, err := signature.Container(signature.Array, elem)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrContainerMismatch, err)
	}
	out := Value{Signature: full, Items: make([]Value, 0, len(items))}
	for i, item := range items {
		if item.Signature != elem {
			return Value{}, fmt.Errorf("%w: element %d has type %q want %q", ErrTypeMismatch, i, item.Signature, elem)
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

// NewStruct builds a struct from its fields.
func NewStruct(fields ...Value) (Value, error) {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f.Signature)
	}
	full, err := signature.Container(signature.Struct, b.String())
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrContainerMismatch, err)
	}
	return Value{Signature: full, Items: append([]Value(nil), fields...)}, nil
}

// NewDictEntry builds one key/value pair for an a{..} dictionary.
func NewDictEntry(key, val Value) (Value, error) {
	full, err := signature.Container(signature.DictEntry, key.Signature+val.Signature)
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrContainerMismatch, err)
	}
	return Value{Signature: full, Items: []Value{key, val}}, nil
}

// NewVariant wraps inner in a variant.
func NewVariant(inner Value) Value {
	return Value{Signature: string(signature.Variant), Items: []Value{inner}}
}

// Validate checks that v is internally consistent: the signature is one
// complete type and every member agrees with it. Strings and object paths
// must be present and well-formed.
func (v Value) Validate() error {
	if !isComplete(v.Signature) {
		return fmt.Errorf("%w: %q is not a single complete type", ErrInvalidValue, v.Signature)
	}
	tag, contents := signature.Describe(v.Signature)
	switch tag {
	case signature.Array:
		for i, item := range v.Items {
			if item.Signature != contents {
				return fmt.Errorf("%w: array element %d has type %q want %q", ErrInvalidValue, i, item.Signature, contents)
			}
			if err := item.Validate(); err != nil {
				return err
			}
		}
		return nil
	case signature.Struct, signature.DictEntry:
		want, err := signature.Split(contents)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		if len(v.Items) != len(want) {
			return fmt.Errorf("%w: %q has %d members want %d", ErrInvalidValue, v.Signature, len(v.Items), len(want))
		}
		for i, item := range v.Items {
			if item.Signature != want[i] {
				return fmt.Errorf("%w: member %d has type %q want %q", ErrInvalidValue, i, item.Signature, want[i])
			}
			if err := item.Validate(); err != nil {
				return err
			}
		}
		return nil
	case signature.Variant:
		if len(v.Items) != 1 {
			return fmt.Errorf("%w: variant must wrap exactly one value", ErrInvalidValue)
		}
		return v.Items[0].Validate()
	}
	if v.Scalar == nil {
		return fmt.Errorf("%w: missing %s value", ErrInvalidValue, tag)
	}
	got, ok := tagOf(v.Scalar)
	if !ok || got != tag {
		return fmt.Errorf("%w: scalar %T does not match type %q", ErrInvalidValue, v.Scalar, v.Signature)
	}
	return checkScalar(v.Scalar)
}

// isComplete accepts one complete type. Dict entries only exist as array
// elements, so they are checked in that position.
func isComplete(sig string) bool {
	if strings.HasPrefix(sig, string(signature.DictEntryBegin)) {
		return signature.IsSingle(string(signature.Array) + sig)
	}
	return signature.IsSingle(sig)
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	out := Value{Signature: v.Signature, Scalar: v.Scalar}
	if v.Items != nil {
		out.Items = make([]Value, len(v.Items))
		for i, item := range v.Items {
			out.Items[i] = item.Clone()
		}
	}
	return out
}

// BodySignature concatenates the signatures of a body.
func BodySignature(body []Value) string {
	var b strings.Builder
	for _, v := range body {
		b.WriteString(v.Signature)
	}
	return b.String()
}
