package main

import (
	"fmt"
	"strconv"

	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/danmuck/dbusctl/internal/protocol/signature"
)

// parseArgs reads command-line tokens in busctl notation: arrays take a
// count followed by their elements, variants take a signature followed by
// the value, structs and dict entries list their members in order.
func parseArgs(sig string, tokens []string) ([]envelope.Value, error) {
	if sig == "" {
		if len(tokens) > 0 {
			return nil, fmt.Errorf("arguments given without a signature")
		}
		return nil, nil
	}
	types, err := signature.Split(sig)
	if err != nil {
		return nil, err
	}
	out := make([]envelope.Value, 0, len(types))
	for _, t := range types {
		v, rest, err := parseValue(t, tokens)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		tokens = rest
	}
	if len(tokens) > 0 {
		return nil, fmt.Errorf("too many arguments: %d left after %q", len(tokens), sig)
	}
	return out, nil
}

func parseValue(sig string, tokens []string) (envelope.Value, []string, error) {
	if len(tokens) == 0 {
		return envelope.Value{}, nil, fmt.Errorf("missing value for %q", sig)
	}
	tag, contents := signature.Describe(sig)
	switch tag {
	case signature.Array:
		n, err := strconv.Atoi(tokens[0])
		if err != nil || n < 0 {
			return envelope.Value{}, nil, fmt.Errorf("array %q needs an element count, got %q", sig, tokens[0])
		}
		tokens = tokens[1:]
		items := make([]envelope.Value, 0, n)
		for i := 0; i < n; i++ {
			item, rest, err := parseValue(contents, tokens)
			if err != nil {
				return envelope.Value{}, nil, err
			}
			items = append(items, item)
			tokens = rest
		}
		v, err := envelope.NewArray(contents, items...)
		return v, tokens, err
	case signature.Variant:
		inner := tokens[0]
		if !signature.IsSingle(inner) {
			return envelope.Value{}, nil, fmt.Errorf("variant needs one complete type, got %q", inner)
		}
		v, rest, err := parseValue(inner, tokens[1:])
		if err != nil {
			return envelope.Value{}, nil, err
		}
		return envelope.NewVariant(v), rest, nil
	case signature.Struct, signature.DictEntry:
		members, err := signature.Split(contents)
		if err != nil {
			return envelope.Value{}, nil, err
		}
		fields := make([]envelope.Value, 0, len(members))
		for _, m := range members {
			f, rest, err := parseValue(m, tokens)
			if err != nil {
				return envelope.Value{}, nil, err
			}
			fields = append(fields, f)
			tokens = rest
		}
		if tag == signature.DictEntry {
			v, err := envelope.NewDictEntry(fields[0], fields[1])
			return v, tokens, err
		}
		v, err := envelope.NewStruct(fields...)
		return v, tokens, err
	}
	v, err := parseScalar(tag, tokens[0])
	return v, tokens[1:], err
}

func parseScalar(tag signature.Tag, raw string) (envelope.Value, error) {
	var (
		x   any
		err error
	)
	switch tag {
	case signature.Byte:
		var n uint64
		n, err = strconv.ParseUint(raw, 0, 8)
		x = uint8(n)
	case signature.Boolean:
		x, err = strconv.ParseBool(raw)
	case signature.Int16:
		var n int64
		n, err = strconv.ParseInt(raw, 0, 16)
		x = int16(n)
	case signature.Uint16:
		var n uint64
		n, err = strconv.ParseUint(raw, 0, 16)
		x = uint16(n)
	case signature.Int32:
		var n int64
		n, err = strconv.ParseInt(raw, 0, 32)
		x = int32(n)
	case signature.Uint32:
		var n uint64
		n, err = strconv.ParseUint(raw, 0, 32)
		x = uint32(n)
	case signature.Int64:
		x, err = strconv.ParseInt(raw, 0, 64)
	case signature.Uint64:
		x, err = strconv.ParseUint(raw, 0, 64)
	case signature.Double:
		x, err = strconv.ParseFloat(raw, 64)
	case signature.String:
		x = raw
	case signature.ObjectPath:
		x = envelope.ObjectPath(raw)
	case signature.Signature:
		x = envelope.Signature(raw)
	case signature.UnixFD:
		var n uint64
		n, err = strconv.ParseUint(raw, 0, 32)
		x = envelope.UnixFD(n)
	default:
		return envelope.Value{}, fmt.Errorf("unsupported type %q", string(tag))
	}
	if err != nil {
		return envelope.Value{}, fmt.Errorf("parse %q as %s: %w", raw, tag, err)
	}
	return envelope.Scalar(x)
}
