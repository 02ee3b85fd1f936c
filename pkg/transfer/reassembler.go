// Package transfer reassembles payloads that the streamer splits across many
// data channel messages.
package transfer

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/logging"
)

var (
	// ErrTransferOverflow means more data arrived than was announced. The
	// accumulated chunks are discarded and the streamer has to start over.
	ErrTransferOverflow = errors.New("transfer overflow")

	ErrNotReceiving = errors.New("no transfer in progress")
	ErrShortChunk   = errors.New("chunk shorter than size header")
	ErrInvalidSize  = errors.New("invalid transfer size")
)

// State is the lifecycle of one transfer.
type State int

const (
	Idle State = iota
	Receiving
	Complete
	Overflowed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Receiving:
		return "receiving"
	case Complete:
		return "complete"
	case Overflowed:
		return "overflowed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SizeUnit is what the expected size counts.
type SizeUnit int

const (
	Bytes SizeUnit = iota
	Chunks
)

// Metadata travels alongside the payload.
type Metadata struct {
	MimeType  string
	Extension string
}

// Progress is returned from every Append.
type Progress struct {
	State    State
	Received int
	Expected int
}

// Done reports whether the transfer just completed.
func (p Progress) Done() bool {
	return p.State == Complete
}

// Reassembler is a generic Idle -> Receiving -> Complete|Overflowed state
// machine. It is not safe for concurrent use.
type Reassembler struct {
	kind     string
	unit     SizeUnit
	log      logging.LeveledLogger
	now      func() time.Time
	state    State
	expected int
	chunks   [][]byte
	bytes    int
	valid    bool
	meta     Metadata
	started  time.Time
	finished time.Time
}

// NewReassembler returns an idle reassembler. kind names the transfer in logs.
func NewReassembler(kind string, unit SizeUnit, loggerFactory logging.LoggerFactory) *Reassembler {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Reassembler{
		kind: kind,
		unit: unit,
		log:  loggerFactory.NewLogger("transfer"),
		now:  time.Now,
	}
}

// Begin starts a fresh transfer. A transfer that was still Receiving is
// thrown away; the return value reports whether that happened.
func (r *Reassembler) Begin() (superseded bool) {
	if r.state == Receiving {
		superseded = true
		r.log.Warnf("%s transfer restarted with %d of %d %s received; discarding partial data",
			r.kind, r.received(), r.expected, r.unitName())
	}
	r.state = Receiving
	r.expected = 0
	r.chunks = nil
	r.bytes = 0
	r.valid = false
	r.meta = Metadata{}
	r.started = r.now()
	r.finished = time.Time{}
	return superseded
}

// Reset abandons any transfer and returns to Idle. It reports whether a
// transfer was still receiving.
func (r *Reassembler) Reset() (discarded bool) {
	if r.state == Receiving {
		discarded = true
		r.log.Warnf("%s transfer abandoned with %d of %d %s received",
			r.kind, r.received(), r.expected, r.unitName())
	}
	r.state = Idle
	r.expected = 0
	r.chunks = nil
	r.bytes = 0
	r.valid = false
	return discarded
}

// ensureReceiving begins a transfer unless one is already in flight.
func (r *Reassembler) ensureReceiving() {
	if r.state != Receiving {
		r.Begin()
	}
}

// SetExpectedSize records the announced total in the reassembler's unit.
func (r *Reassembler) SetExpectedSize(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, n)
	}
	r.expected = n
	return nil
}

func (r *Reassembler) SetMimeType(mime string) {
	r.meta.MimeType = mime
}

func (r *Reassembler) SetExtension(ext string) {
	r.meta.Extension = ext
}

// Append adds a chunk and checks the terminal conditions.
func (r *Reassembler) Append(chunk []byte) (Progress, error) {
	if r.state != Receiving {
		return r.progress(), ErrNotReceiving
	}

	r.chunks = append(r.chunks, append([]byte(nil), chunk...))
	r.bytes += len(chunk)

	switch got := r.received(); {
	case got == r.expected:
		r.state = Complete
		r.valid = true
		r.finished = r.now()
		r.log.Debugf("%s transfer complete: %d bytes in %d chunks", r.kind, r.bytes, len(r.chunks))
	case got > r.expected:
		r.log.Errorf("%s transfer overflow: received %d %s, expected %d", r.kind, got, r.unitName(), r.expected)
		r.state = Overflowed
		r.valid = false
		p := r.progress()
		r.chunks = nil
		r.bytes = 0
		return p, ErrTransferOverflow
	}
	return r.progress(), nil
}

// Invalidate marks the last completed payload as stale without touching an
// in-flight transfer.
func (r *Reassembler) Invalidate() {
	r.valid = false
}

// Payload returns the concatenated chunks in arrival order.
func (r *Reassembler) Payload() []byte {
	out := make([]byte, 0, r.bytes)
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	return out
}

func (r *Reassembler) State() State         { return r.state }
func (r *Reassembler) Valid() bool          { return r.valid }
func (r *Reassembler) Metadata() Metadata   { return r.meta }
func (r *Reassembler) Expected() int        { return r.expected }
func (r *Reassembler) Receiving() bool      { return r.state == Receiving }
func (r *Reassembler) StartedAt() time.Time { return r.started }

// Elapsed is the wall time from Begin to completion.
func (r *Reassembler) Elapsed() time.Duration {
	if r.finished.IsZero() {
		return 0
	}
	return r.finished.Sub(r.started)
}

func (r *Reassembler) received() int {
	if r.unit == Chunks {
		return len(r.chunks)
	}
	return r.bytes
}

func (r *Reassembler) progress() Progress {
	return Progress{State: r.state, Received: r.received(), Expected: r.expected}
}

func (r *Reassembler) unitName() string {
	if r.unit == Chunks {
		return "chunks"
	}
	return "bytes"
}
