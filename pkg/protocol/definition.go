package protocol

import (
	"fmt"
	"strings"
)

// Direction selects one of the two independent message tables.
type Direction int

const (
	ToStreamer   Direction = 0
	FromStreamer Direction = 1
)

func (d Direction) String() string {
	switch d {
	case ToStreamer:
		return "ToStreamer"
	case FromStreamer:
		return "FromStreamer"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

func (d Direction) valid() bool {
	return d == ToStreamer || d == FromStreamer
}

// FieldType is a primitive wire field. All multi-byte fields are little-endian.
type FieldType uint8

const (
	Uint8 FieldType = iota + 1
	Uint16
	Int16
	Float64
)

// Size returns the encoded width in bytes, or 0 for an unknown type.
func (f FieldType) Size() int {
	switch f {
	case Uint8:
		return 1
	case Uint16, Int16:
		return 2
	case Float64:
		return 8
	default:
		return 0
	}
}

func (f FieldType) String() string {
	switch f {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Int16:
		return "int16"
	case Float64:
		return "double"
	default:
		return fmt.Sprintf("FieldType(%d)", uint8(f))
	}
}

// ParseFieldType accepts the names used in negotiated protocol documents.
func ParseFieldType(s string) (FieldType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uint8":
		return Uint8, nil
	case "uint16":
		return Uint16, nil
	case "int16":
		return Int16, nil
	case "double", "float64":
		return Float64, nil
	default:
		return 0, fmt.Errorf("%w: unsupported field type %q", ErrInvalidDefinition, s)
	}
}

func (f FieldType) MarshalText() ([]byte, error) {
	if f.Size() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, f)
	}
	return []byte(f.String()), nil
}

func (f *FieldType) UnmarshalText(text []byte) error {
	parsed, err := ParseFieldType(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// MessageDefinition describes one message kind. Inbound definitions only
// carry an ID; their payload shape belongs to the handler.
type MessageDefinition struct {
	ID         byte        `json:"id"`
	ByteLength int         `json:"byteLength"`
	Structure  []FieldType `json:"structure"`
}

// Validate checks that the declared fields add up to ByteLength.
func (d MessageDefinition) Validate() error {
	if d.ByteLength < 0 {
		return fmt.Errorf("%w: negative byteLength %d", ErrInvalidDefinition, d.ByteLength)
	}
	total := 0
	for _, f := range d.Structure {
		size := f.Size()
		if size == 0 {
			return fmt.Errorf("%w: unknown field type %d", ErrInvalidDefinition, uint8(f))
		}
		total += size
	}
	if total != d.ByteLength {
		return fmt.Errorf("%w: fields total %d bytes, byteLength is %d", ErrInvalidDefinition, total, d.ByteLength)
	}
	return nil
}

func fixed(id byte, types ...FieldType) MessageDefinition {
	n := 0
	for _, t := range types {
		n += t.Size()
	}
	return MessageDefinition{ID: id, ByteLength: n, Structure: types}
}
