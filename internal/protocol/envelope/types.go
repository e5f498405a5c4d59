package envelope

import (
	"fmt"
	"strings"

	"github.com/danmuck/dbusctl/internal/protocol/signature"
)

// Kind is the message type carried in the header.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindMethodCall
	KindMethodReturn
	KindError
	KindSignal
)

func (k Kind) String() string {
	switch k {
	case KindMethodCall:
		return "method_call"
	case KindMethodReturn:
		return "method_return"
	case KindError:
		return "error"
	case KindSignal:
		return "signal"
	default:
		return "invalid"
	}
}

// ParseKind accepts the names used in match rules.
func ParseKind(raw string) (Kind, bool) {
	switch strings.TrimSpace(raw) {
	case "method_call":
		return KindMethodCall, true
	case "method_return":
		return KindMethodReturn, true
	case "error":
		return KindError, true
	case "signal":
		return KindSignal, true
	}
	return KindInvalid, false
}

// Mode says whether an Envelope is being composed or decoded.
type Mode uint8

const (
	ModeWrite Mode = iota
	ModeRead
)

func (m Mode) String() string {
	if m == ModeRead {
		return "read"
	}
	return "write"
}

// ObjectPath is a bus object path such as /org/example/Thing.
type ObjectPath string

// IsValid checks the object path grammar.
func (p ObjectPath) IsValid() bool {
	s := string(p)
	if s == "/" {
		return true
	}
	if len(s) < 2 || s[0] != '/' || s[len(s)-1] == '/' {
		return false
	}
	for _, elem := range strings.Split(s[1:], "/") {
		if elem == "" {
			return false
		}
		for i := 0; i < len(elem); i++ {
			c := elem[i]
			ok := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
			if !ok {
				return false
			}
		}
	}
	return true
}

// Signature is a signature carried as a value (type code g).
type Signature string

// UnixFD is an index into the message's out-of-band descriptor table.
type UnixFD uint32

// Header holds the routing fields of one message.
type Header struct {
	Kind        Kind
	Serial      uint32
	ReplySerial uint32
	Sender      string
	Destination string
	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
}

// Validate enforces the required header fields per message kind.
func (h Header) Validate() error {
	switch h.Kind {
	case KindMethodCall:
		if h.Path == "" || strings.TrimSpace(h.Member) == "" {
			return fmt.Errorf("%w: method call needs path and member", ErrInvalidHandle)
		}
	case KindSignal:
		if h.Path == "" || strings.TrimSpace(h.Interface) == "" || strings.TrimSpace(h.Member) == "" {
			return fmt.Errorf("%w: signal needs path, interface and member", ErrInvalidHandle)
		}
	case KindError:
		if strings.TrimSpace(h.ErrorName) == "" {
			return fmt.Errorf("%w: error needs error name", ErrInvalidHandle)
		}
	case KindMethodReturn:
	default:
		return fmt.Errorf("%w: invalid message kind %d", ErrInvalidHandle, h.Kind)
	}
	if h.Path != "" && !h.Path.IsValid() {
		return fmt.Errorf("%w: invalid object path %q", ErrInvalidHandle, h.Path)
	}
	return nil
}

// tagOf maps a scalar Go type to its type code.
func tagOf(v any) (signature.Tag, bool) {
	switch v.(type) {
	case uint8:
		return signature.Byte, true
	case bool:
		return signature.Boolean, true
	case int16:
		return signature.Int16, true
	case uint16:
		return signature.Uint16, true
	case int32:
		return signature.Int32, true
	case uint32:
		return signature.Uint32, true
	case int64:
		return signature.Int64, true
	case uint64:
		return signature.Uint64, true
	case float64:
		return signature.Double, true
	case string:
		return signature.String, true
	case ObjectPath:
		return signature.ObjectPath, true
	case Signature:
		return signature.Signature, true
	case UnixFD:
		return signature.UnixFD, true
	}
	return signature.Empty, false
}
