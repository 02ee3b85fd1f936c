package transfer

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/logging"
)

// sizeHeaderLen is the int32 total-size prefix carried by every chunk.
const sizeHeaderLen = 4

// Image is a completed freeze frame.
type Image struct {
	JPEG []byte
}

// FreezeFrame reassembles the JPEG preview the streamer sends while the
// video is paused. The expected size is in bytes.
type FreezeFrame struct {
	*Reassembler
	width  int
	height int
}

func NewFreezeFrame(loggerFactory logging.LoggerFactory) *FreezeFrame {
	return &FreezeFrame{Reassembler: NewReassembler("freeze frame", Bytes, loggerFactory)}
}

// Receive handles one FreezeFrame payload (without the message id). The first
// chunk seen while idle starts a transfer and fixes its size; the size header
// of later chunks is ignored.
func (f *FreezeFrame) Receive(payload []byte) (Image, bool, error) {
	total, body, err := splitSizeHeader(payload)
	if err != nil {
		return Image{}, false, err
	}
	if !f.Receiving() {
		if total < 0 {
			return Image{}, false, fmt.Errorf("%w: %d", ErrInvalidSize, total)
		}
		f.Begin()
		f.width, f.height = 0, 0
		_ = f.SetExpectedSize(total)
	}

	p, err := f.Append(body)
	if err != nil {
		return Image{}, false, err
	}
	if !p.Done() {
		return Image{}, false, nil
	}
	return Image{JPEG: f.Payload()}, true, nil
}

// SetDimensions is called back once the image has been decoded elsewhere.
func (f *FreezeFrame) SetDimensions(width, height int) {
	f.width, f.height = width, height
}

func (f *FreezeFrame) Dimensions() (int, int) {
	return f.width, f.height
}

func splitSizeHeader(payload []byte) (int, []byte, error) {
	if len(payload) < sizeHeaderLen {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrShortChunk, len(payload))
	}
	total := int(int32(binary.LittleEndian.Uint32(payload[:sizeHeaderLen])))
	return total, payload[sizeHeaderLen:], nil
}

// SizeHeader builds the chunk prefix. It is the sending side's counterpart
// of the parsing done here.
func SizeHeader(total int) []byte {
	b := make([]byte, sizeHeaderLen)
	binary.LittleEndian.PutUint32(b, uint32(int32(total)))
	return b
}
