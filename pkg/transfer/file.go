package transfer

import (
	"fmt"
	"time"

	"github.com/pion/logging"
)

// MaxFileChunkPayload is the number of file bytes the streamer packs into a
// single FileContents message. The size header counts chunks of this size.
const MaxFileChunkPayload = 16379

// FileChunkCount returns how many FileContents messages carry total bytes.
func FileChunkCount(total int) int {
	if total <= 0 {
		return 0
	}
	return (total + MaxFileChunkPayload - 1) / MaxFileChunkPayload
}

// File is a completed file transfer.
type File struct {
	Data      []byte
	MimeType  string
	Extension string
	Elapsed   time.Duration
	// Kbps is the average effective rate, informational only.
	Kbps float64
}

// FileTransfer reassembles files the streamer pushes to the player.
type FileTransfer struct {
	*Reassembler
}

func NewFileTransfer(loggerFactory logging.LoggerFactory) *FileTransfer {
	return &FileTransfer{Reassembler: NewReassembler("file", Chunks, loggerFactory)}
}

// Extension records the file extension, beginning a transfer if idle.
func (f *FileTransfer) Extension(ext string) {
	f.ensureReceiving()
	f.SetExtension(ext)
}

// MimeType records the MIME type, beginning a transfer if idle.
func (f *FileTransfer) MimeType(mime string) {
	f.ensureReceiving()
	f.SetMimeType(mime)
}

// Contents handles one FileContents payload. Contents that arrive before any
// metadata are ignored with ErrNotReceiving.
func (f *FileTransfer) Contents(payload []byte) (File, bool, error) {
	if !f.Receiving() {
		f.log.Warnf("Ignoring file contents: %v", ErrNotReceiving)
		return File{}, false, ErrNotReceiving
	}
	total, body, err := splitSizeHeader(payload)
	if err != nil {
		return File{}, false, err
	}
	if total < 0 {
		return File{}, false, fmt.Errorf("%w: %d", ErrInvalidSize, total)
	}
	_ = f.SetExpectedSize(FileChunkCount(total))

	p, err := f.Append(body)
	if err != nil {
		return File{}, false, err
	}
	if !p.Done() {
		return File{}, false, nil
	}

	data := f.Payload()
	meta := f.Metadata()
	elapsed := f.Elapsed()
	file := File{
		Data:      data,
		MimeType:  meta.MimeType,
		Extension: meta.Extension,
		Elapsed:   elapsed,
	}
	if elapsed > 0 {
		file.Kbps = float64(len(data)*8) / 1000 / elapsed.Seconds()
	}
	f.log.Infof("Received %d byte .%s file in %s (%.1f kbps)", len(data), meta.Extension, elapsed, file.Kbps)
	return file, true, nil
}
