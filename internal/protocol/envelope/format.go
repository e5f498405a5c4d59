package envelope

import (
	"strconv"
	"strings"

	"github.com/danmuck/dbusctl/internal/protocol/signature"
)

// Format renders values in the compact "type value" notation used by
// busctl, e.g. `a{sv} 1 "Name" s "hci0"`.
func Format(body []Value) string {
	parts := make([]string, 0, len(body))
	for _, v := range body {
		parts = append(parts, v.Signature+" "+formatMembers(v))
	}
	return strings.Join(parts, " ")
}

func formatMembers(v Value) string {
	switch v.Tag() {
	case signature.Array:
		parts := []string{strconv.Itoa(len(v.Items))}
		for _, item := range v.Items {
			parts = append(parts, formatMembers(item))
		}
		return strings.Join(parts, " ")
	case signature.Struct, signature.DictEntry:
		parts := make([]string, 0, len(v.Items))
		for _, item := range v.Items {
			parts = append(parts, formatMembers(item))
		}
		return strings.Join(parts, " ")
	case signature.Variant:
		if len(v.Items) != 1 {
			return "?"
		}
		return v.Items[0].Signature + " " + formatMembers(v.Items[0])
	}
	switch x := v.Scalar.(type) {
	case string:
		return strconv.Quote(x)
	case ObjectPath:
		return strconv.Quote(string(x))
	case Signature:
		return strconv.Quote(string(x))
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case uint8:
		return strconv.FormatUint(uint64(x), 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case UnixFD:
		return strconv.FormatUint(uint64(x), 10)
	case int16:
		return strconv.FormatInt(int64(x), 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return "?"
}
