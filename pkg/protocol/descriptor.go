package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"golang.org/x/text/encoding/unicode"
)

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// EncodeDescriptor frames v as [id][u16 count][count UTF-16LE code units].
func (c *Catalog) EncodeDescriptor(name string, v any) ([]byte, error) {
	def, ok := c.LookupByName(ToStreamer, name)
	if !ok {
		c.log.Errorf("Attempted to emit descriptor %q but it is not in the outbound catalog", name)
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, name)
	}

	text, err := marshalJSON(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	units, err := utf16LE.NewEncoder().Bytes(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	count := len(units) / 2
	if count > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d code units exceeds frame limit", ErrMalformedDescriptor, count)
	}

	frame := make([]byte, 3+len(units))
	frame[0] = def.ID
	binary.LittleEndian.PutUint16(frame[1:3], uint16(count))
	copy(frame[3:], units)
	return frame, nil
}

// DecodeDescriptor is the inverse of EncodeDescriptor. The id byte is not
// checked.
func DecodeDescriptor(frame []byte, v any) error {
	if len(frame) < 3 {
		return fmt.Errorf("%w: frame is %d bytes", ErrMalformedDescriptor, len(frame))
	}
	count := int(binary.LittleEndian.Uint16(frame[1:3]))
	body := frame[3:]
	if len(body) < count*2 {
		return fmt.Errorf("%w: declared %d code units, have %d bytes", ErrMalformedDescriptor, count, len(body))
	}
	return UnmarshalText(body[:count*2], v)
}

// DecodeText decodes an inbound text payload. Streamer text messages carry
// raw UTF-16LE after the id byte with no length prefix.
func DecodeText(payload []byte) (string, error) {
	if len(payload)%2 != 0 {
		return "", fmt.Errorf("%w: odd payload length %d", ErrMalformedDescriptor, len(payload))
	}
	text, err := utf16LE.NewDecoder().Bytes(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	return string(text), nil
}

// UnmarshalText decodes a UTF-16LE JSON payload into v.
func UnmarshalText(payload []byte, v any) error {
	text, err := DecodeText(payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	return nil
}

// EncodeText is the inverse of DecodeText and is what a streamer puts on the
// wire for Response, Command and similar messages.
func EncodeText(s string) ([]byte, error) {
	return utf16LE.NewEncoder().Bytes([]byte(s))
}

func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
