package systembus

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/danmuck/dbusctl/internal/protocol/envelope"
	"github.com/danmuck/dbusctl/internal/protocol/signature"
	"github.com/godbus/dbus/v5"
)

var ErrUnsupported = errors.New("systembus: unsupported value")

var (
	variantType    = reflect.TypeOf(dbus.Variant{})
	objectPathType = reflect.TypeOf(dbus.ObjectPath(""))
	signatureType  = reflect.TypeOf(dbus.Signature{})
	fdIndexType    = reflect.TypeOf(dbus.UnixFDIndex(0))
	fdType         = reflect.TypeOf(dbus.UnixFD(0))
)

// goType returns the Go type godbus marshals as sig. Structs become
// anonymous structs with exported fields F0..Fn.
func goType(sig string) (reflect.Type, error) {
	tag, contents := signature.Describe(sig)
	switch tag {
	case signature.Byte:
		return reflect.TypeOf(uint8(0)), nil
	case signature.Boolean:
		return reflect.TypeOf(false), nil
	case signature.Int16:
		return reflect.TypeOf(int16(0)), nil
	case signature.Uint16:
		return reflect.TypeOf(uint16(0)), nil
	case signature.Int32:
		return reflect.TypeOf(int32(0)), nil
	case signature.Uint32:
		return reflect.TypeOf(uint32(0)), nil
	case signature.Int64:
		return reflect.TypeOf(int64(0)), nil
	case signature.Uint64:
		return reflect.TypeOf(uint64(0)), nil
	case signature.Double:
		return reflect.TypeOf(float64(0)), nil
	case signature.String:
		return reflect.TypeOf(""), nil
	case signature.ObjectPath:
		return objectPathType, nil
	case signature.Signature:
		return signatureType, nil
	case signature.UnixFD:
		return fdIndexType, nil
	case signature.Variant:
		return variantType, nil
	case signature.Array:
		if etag, pair := signature.Describe(contents); etag == signature.DictEntry {
			parts, err := signature.Split(pair)
			if err != nil || len(parts) != 2 {
				return nil, fmt.Errorf("%w: dict %q", ErrUnsupported, sig)
			}
			kt, err := goType(parts[0])
			if err != nil {
				return nil, err
			}
			vt, err := goType(parts[1])
			if err != nil {
				return nil, err
			}
			return reflect.MapOf(kt, vt), nil
		}
		et, err := goType(contents)
		if err != nil {
			return nil, err
		}
		return reflect.SliceOf(et), nil
	case signature.Struct:
		parts, err := signature.Split(contents)
		if err != nil {
			return nil, fmt.Errorf("%w: struct %q", ErrUnsupported, sig)
		}
		fields := make([]reflect.StructField, 0, len(parts))
		for i, p := range parts {
			ft, err := goType(p)
			if err != nil {
				return nil, err
			}
			fields = append(fields, reflect.StructField{Name: "F" + strconv.Itoa(i), Type: ft})
		}
		return reflect.StructOf(fields), nil
	}
	return nil, fmt.Errorf("%w: signature %q", ErrUnsupported, sig)
}

// toGo converts one body value into the Go value godbus sends with the
// same signature.
func toGo(v envelope.Value) (reflect.Value, error) {
	switch v.Tag() {
	case signature.Variant:
		if len(v.Items) != 1 {
			return reflect.Value{}, fmt.Errorf("%w: empty variant", ErrUnsupported)
		}
		inner, err := toGo(v.Items[0])
		if err != nil {
			return reflect.Value{}, err
		}
		sig, err := dbus.ParseSignature(v.Items[0].Signature)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(dbus.MakeVariantWithSignature(inner.Interface(), sig)), nil
	case signature.Array:
		t, err := goType(v.Signature)
		if err != nil {
			return reflect.Value{}, err
		}
		if t.Kind() == reflect.Map {
			out := reflect.MakeMapWithSize(t, len(v.Items))
			for _, entry := range v.Items {
				key, err := toGo(entry.Items[0])
				if err != nil {
					return reflect.Value{}, err
				}
				val, err := toGo(entry.Items[1])
				if err != nil {
					return reflect.Value{}, err
				}
				out.SetMapIndex(key, val)
			}
			return out, nil
		}
		out := reflect.MakeSlice(t, 0, len(v.Items))
		for _, item := range v.Items {
			elem, err := toGo(item)
			if err != nil {
				return reflect.Value{}, err
			}
			out = reflect.Append(out, elem)
		}
		return out, nil
	case signature.Struct:
		t, err := goType(v.Signature)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(t).Elem()
		for i, field := range v.Items {
			fv, err := toGo(field)
			if err != nil {
				return reflect.Value{}, err
			}
			out.Field(i).Set(fv)
		}
		return out, nil
	}

	switch x := v.Scalar.(type) {
	case envelope.ObjectPath:
		return reflect.ValueOf(dbus.ObjectPath(x)), nil
	case envelope.Signature:
		sig, err := dbus.ParseSignature(string(x))
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(sig), nil
	case envelope.UnixFD:
		return reflect.ValueOf(dbus.UnixFDIndex(x)), nil
	case nil:
		return reflect.Value{}, fmt.Errorf("%w: missing %s value", ErrUnsupported, v.Signature)
	}
	return reflect.ValueOf(v.Scalar), nil
}

// toArgs converts a whole body for BusObject.Call and Conn.Emit.
func toArgs(body []envelope.Value) ([]interface{}, error) {
	out := make([]interface{}, 0, len(body))
	for _, v := range body {
		rv, err := toGo(v)
		if err != nil {
			return nil, err
		}
		out = append(out, rv.Interface())
	}
	return out, nil
}

// fromGo converts a value decoded by godbus. hint is the expected
// signature when it is known, as it is inside variants; without a hint an
// empty array of structs cannot be typed and is rejected.
func fromGo(x interface{}, hint string) (envelope.Value, error) {
	switch y := x.(type) {
	case dbus.Variant:
		inner, err := fromGo(y.Value(), y.Signature().String())
		if err != nil {
			return envelope.Value{}, err
		}
		return envelope.NewVariant(inner), nil
	case dbus.ObjectPath:
		return envelope.Scalar(envelope.ObjectPath(y))
	case dbus.Signature:
		return envelope.Scalar(envelope.Signature(y.String()))
	case dbus.UnixFDIndex:
		return envelope.Scalar(envelope.UnixFD(y))
	case dbus.UnixFD:
		return envelope.Scalar(envelope.UnixFD(uint32(y)))
	case []interface{}:
		return fromStruct(y, hint)
	case bool, uint8, int16, uint16, int32, uint32, int64, uint64, float64, string:
		return envelope.Scalar(y)
	}

	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return fromSlice(rv, hint)
	case reflect.Map:
		return fromMap(rv, hint)
	case reflect.Struct:
		fields := make([]interface{}, rv.NumField())
		for i := range fields {
			fields[i] = rv.Field(i).Interface()
		}
		return fromStruct(fields, hint)
	}
	return envelope.Value{}, fmt.Errorf("%w: %T", ErrUnsupported, x)
}

func memberHints(hint string, tag signature.Tag, n int) []string {
	out := make([]string, n)
	htag, contents := signature.Describe(hint)
	if htag != tag {
		return out
	}
	parts, err := signature.Split(contents)
	if err != nil || len(parts) != n {
		return out
	}
	return parts
}

func fromStruct(fields []interface{}, hint string) (envelope.Value, error) {
	hints := memberHints(hint, signature.Struct, len(fields))
	items := make([]envelope.Value, 0, len(fields))
	for i, f := range fields {
		v, err := fromGo(f, hints[i])
		if err != nil {
			return envelope.Value{}, err
		}
		items = append(items, v)
	}
	return envelope.NewStruct(items...)
}

func fromSlice(rv reflect.Value, hint string) (envelope.Value, error) {
	elemHint := ""
	if tag, contents := signature.Describe(hint); tag == signature.Array {
		elemHint = contents
	}
	if elemHint == "" {
		elemHint, _ = sigOfType(rv.Type().Elem())
	}
	items := make([]envelope.Value, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		v, err := fromGo(rv.Index(i).Interface(), elemHint)
		if err != nil {
			return envelope.Value{}, err
		}
		items = append(items, v)
	}
	if elemHint == "" {
		if len(items) == 0 {
			return envelope.Value{}, fmt.Errorf("%w: cannot type empty %s", ErrUnsupported, rv.Type())
		}
		elemHint = items[0].Signature
	}
	return envelope.NewArray(elemHint, items...)
}

// fromMap builds a{kv} with entries sorted by key.
func fromMap(rv reflect.Value, hint string) (envelope.Value, error) {
	keyHint, valHint := "", ""
	if tag, contents := signature.Describe(hint); tag == signature.Array {
		if parts := memberHints(contents, signature.DictEntry, 2); parts[0] != "" {
			keyHint, valHint = parts[0], parts[1]
		}
	}
	if keyHint == "" {
		keyHint, _ = sigOfType(rv.Type().Key())
		valHint, _ = sigOfType(rv.Type().Elem())
	}

	keys := rv.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
	})
	entries := make([]envelope.Value, 0, len(keys))
	for _, k := range keys {
		kv, err := fromGo(k.Interface(), keyHint)
		if err != nil {
			return envelope.Value{}, err
		}
		vv, err := fromGo(rv.MapIndex(k).Interface(), valHint)
		if err != nil {
			return envelope.Value{}, err
		}
		entry, err := envelope.NewDictEntry(kv, vv)
		if err != nil {
			return envelope.Value{}, err
		}
		entries = append(entries, entry)
	}
	elem := "{" + keyHint + valHint + "}"
	if len(entries) > 0 {
		elem = entries[0].Signature
	} else if keyHint == "" || valHint == "" {
		return envelope.Value{}, fmt.Errorf("%w: cannot type empty %s", ErrUnsupported, rv.Type())
	}
	return envelope.NewArray(elem, entries...)
}

// sigOfType derives a signature from a Go type godbus decoded into. It
// fails for []interface{} structs, whose field types are not in the type.
func sigOfType(t reflect.Type) (string, bool) {
	switch t {
	case variantType:
		return "v", true
	case objectPathType:
		return "o", true
	case signatureType:
		return "g", true
	case fdIndexType, fdType:
		return "h", true
	}
	switch t.Kind() {
	case reflect.Uint8:
		return "y", true
	case reflect.Bool:
		return "b", true
	case reflect.Int16:
		return "n", true
	case reflect.Uint16:
		return "q", true
	case reflect.Int32:
		return "i", true
	case reflect.Uint32:
		return "u", true
	case reflect.Int64:
		return "x", true
	case reflect.Uint64:
		return "t", true
	case reflect.Float64:
		return "d", true
	case reflect.String:
		return "s", true
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Interface {
			return "", false
		}
		elem, ok := sigOfType(t.Elem())
		return "a" + elem, ok
	case reflect.Map:
		k, ok := sigOfType(t.Key())
		if !ok {
			return "", false
		}
		v, ok := sigOfType(t.Elem())
		return "a{" + k + v + "}", ok
	case reflect.Struct:
		sig := "("
		for i := 0; i < t.NumField(); i++ {
			f, ok := sigOfType(t.Field(i).Type)
			if !ok {
				return "", false
			}
			sig += f
		}
		return sig + ")", true
	}
	return "", false
}

// fromBody converts a decoded reply or signal body.
func fromBody(body []interface{}) ([]envelope.Value, error) {
	out := make([]envelope.Value, 0, len(body))
	for _, x := range body {
		v, err := fromGo(x, "")
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
