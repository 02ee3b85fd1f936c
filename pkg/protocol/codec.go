package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode builds the binary frame for an outbound message. Values are written
// in declaration order; extra values are ignored and missing ones are left
// as zero bytes.
func (c *Catalog) Encode(name string, values ...float64) ([]byte, error) {
	def, ok := c.LookupByName(ToStreamer, name)
	if !ok {
		c.log.Errorf("Attempted to send %q but it is not in the outbound catalog", name)
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, name)
	}

	buf := make([]byte, def.ByteLength+1)
	buf[0] = def.ID
	offset := 1
	for i, f := range def.Structure {
		if i >= len(values) {
			break
		}
		putField(buf[offset:], f, values[i])
		offset += f.Size()
	}
	return buf, nil
}

// Decode resolves the inbound name of a frame. The returned payload excludes
// the id byte and aliases frame.
func (c *Catalog) Decode(frame []byte) (string, []byte, error) {
	if len(frame) == 0 {
		return "", nil, ErrEmptyFrame
	}
	name, ok := c.LookupByID(FromStreamer, frame[0])
	if !ok {
		c.log.Warnf("Dropping frame with unregistered id %d (%d bytes)", frame[0], len(frame))
		return "", nil, fmt.Errorf("%w: %d", ErrUnknownMessageID, frame[0])
	}
	return name, frame[1:], nil
}

// DecodeFields reads values back out of a fixed-layout payload.
func DecodeFields(def MessageDefinition, payload []byte) ([]float64, error) {
	if len(payload) < def.ByteLength {
		return nil, fmt.Errorf("%w: payload is %d bytes, need %d", ErrInvalidDefinition, len(payload), def.ByteLength)
	}
	values := make([]float64, 0, len(def.Structure))
	offset := 0
	for _, f := range def.Structure {
		b := payload[offset:]
		switch f {
		case Uint8:
			values = append(values, float64(b[0]))
		case Uint16:
			values = append(values, float64(binary.LittleEndian.Uint16(b)))
		case Int16:
			values = append(values, float64(int16(binary.LittleEndian.Uint16(b))))
		case Float64:
			values = append(values, math.Float64frombits(binary.LittleEndian.Uint64(b)))
		default:
			return nil, fmt.Errorf("%w: unknown field type %d", ErrInvalidDefinition, uint8(f))
		}
		offset += f.Size()
	}
	return values, nil
}

func putField(b []byte, f FieldType, v float64) {
	switch f {
	case Uint8:
		b[0] = uint8(wrap(v, 8))
	case Uint16, Int16:
		binary.LittleEndian.PutUint16(b, uint16(wrap(v, 16)))
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
}

// wrap converts v to an unsigned integer of the given width the way a
// typed array store does: truncate toward zero, reduce modulo 2^bits, and
// map NaN and infinities to zero.
func wrap(v float64, bits int) uint64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	m := math.Ldexp(1, bits)
	v = math.Mod(math.Trunc(v), m)
	if v < 0 {
		v += m
	}
	return uint64(v)
}
