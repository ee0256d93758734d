package consent

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidValue = errors.New("invalid consent value")

// Value is the user's tracking consent. Each value also names the storage
// area that receives events written while it is current.
type Value uint8

const (
	Pending Value = iota
	Granted
	Denied
)

// Values lists every consent value, in on-disk area order.
var Values = []Value{Pending, Granted, Denied}

func (v Value) String() string {
	switch v {
	case Pending:
		return "pending"
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
}

// Valid reports whether v is one of the known values.
func (v Value) Valid() bool {
	return v <= Denied
}

// ParseValue parses the lowercase name of a consent value.
func ParseValue(s string) (Value, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return Pending, nil
	case "granted":
		return Granted, nil
	case "denied", "not_granted":
		return Denied, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidValue, s)
}

// MarshalText implements encoding.TextMarshaler.
func (v Value) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidValue, uint8(v))
	}
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Value) UnmarshalText(text []byte) error {
	parsed, err := ParseValue(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
