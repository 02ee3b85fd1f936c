package main

import (
	"errors"
	"time"
)

var ErrNoLatencyTest = errors.New("no latency test in progress")

// StreamerTimings is the timing report the streamer answers a LatencyTest
// with. All values are epoch milliseconds on the streamer's clock.
type StreamerTimings struct {
	ReceiptTimeMs      float64 `json:"ReceiptTimeMs"`
	TransmissionTimeMs float64 `json:"TransmissionTimeMs"`
	PreCaptureTimeMs   float64 `json:"PreCaptureTimeMs"`
	PostCaptureTimeMs  float64 `json:"PostCaptureTimeMs"`
	PreEncodeTimeMs    float64 `json:"PreEncodeTimeMs"`
	PostEncodeTimeMs   float64 `json:"PostEncodeTimeMs"`
}

// Millis is a duration in milliseconds that the streamer may not report.
type Millis struct {
	Value float64
	Valid bool
}

func span(from, to float64) Millis {
	if from == 0 || to == 0 {
		return Millis{}
	}
	return Millis{Value: to - from, Valid: true}
}

// LatencySample is one completed latency test.
type LatencySample struct {
	StartMs   float64
	ReceiptMs float64
	// NetworkLatencyMs is the round trip minus the time the streamer held
	// the request.
	NetworkLatencyMs   float64
	StreamerDurationMs float64
	EncodeMs           Millis
	CaptureToSendMs    Millis
}

// LatencyTest tracks one outstanding test at a time.
type LatencyTest struct {
	startMs float64
	running bool
}

func NewLatencyTest() *LatencyTest {
	return &LatencyTest{}
}

func epochMillis(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Millisecond)
}

// Start begins a test and returns its start time in epoch milliseconds.
// A test already running is replaced.
func (l *LatencyTest) Start(now time.Time) float64 {
	l.startMs = epochMillis(now)
	l.running = true
	return l.startMs
}

func (l *LatencyTest) Running() bool { return l.running }

// Complete combines the streamer's timings with our receipt time.
func (l *LatencyTest) Complete(t StreamerTimings, receivedAt time.Time) (LatencySample, error) {
	if !l.running {
		return LatencySample{}, ErrNoLatencyTest
	}
	l.running = false

	receipt := epochMillis(receivedAt)
	held := t.TransmissionTimeMs - t.ReceiptTimeMs
	return LatencySample{
		StartMs:            l.startMs,
		ReceiptMs:          receipt,
		NetworkLatencyMs:   (receipt - l.startMs) - held,
		StreamerDurationMs: held,
		EncodeMs:           span(t.PreEncodeTimeMs, t.PostEncodeTimeMs),
		CaptureToSendMs:    span(t.PreCaptureTimeMs, t.TransmissionTimeMs),
	}, nil
}
