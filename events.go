package main

import (
	"time"

	"github.com/tomaslejdung/pixelpeep/pkg/protocol"
	"github.com/tomaslejdung/pixelpeep/pkg/signal"
	"github.com/tomaslejdung/pixelpeep/pkg/transfer"
)

// Events published by the player. They are delivered to the UI as
// bubbletea messages, or logged in headless mode.

// SignalStateEvent reports a signalling transport state change.
type SignalStateEvent struct {
	State signal.State
}

type PlayerCountEvent struct {
	Count int
}

// DisconnectedEvent carries the text shown while a reconnect is pending.
type DisconnectedEvent struct {
	Reason string
}

type WarningEvent struct {
	Warning string
}

// PeerStateEvent reports a peer connection state change.
type PeerStateEvent struct {
	State          string
	ConnectionType string // "direct", "relay" or "unknown"
}

// DataChannelEvent reports whether the data channel to the streamer is open.
type DataChannelEvent struct {
	Open bool
}

type QualityOwnershipEvent struct {
	Owner bool
}

type InputOwnershipEvent struct {
	Owner bool
}

// ResponseEvent is a Response message from the streamer application.
type ResponseEvent struct {
	Text string
}

// CommandEvent is a Command message from the streamer.
type CommandEvent struct {
	Command map[string]any
}

// OnScreenKeyboardEvent asks for the on-screen keyboard. X and Y are player
// pixels.
type OnScreenKeyboardEvent struct {
	Show bool
	X, Y float64
}

type FreezeFrameEvent struct {
	Image transfer.Image
}

type UnfreezeFrameEvent struct{}

type EncoderQPEvent struct {
	QP      float64
	Quality EncodingQuality
}

type LatencyEvent struct {
	Sample LatencySample
}

type InitialSettingsEvent struct {
	Settings InitialSettings
}

// FileEvent is a completed file transfer.
type FileEvent struct {
	File transfer.File
}

// TransferSupersededEvent is published when a new transfer begins while a
// previous one of the same kind was still receiving.
type TransferSupersededEvent struct {
	Kind string
}

type TransferErrorEvent struct {
	Kind string
	Err  error
}

// ProtocolUpdateEvent summarises an applied protocol update.
type ProtocolUpdateEvent struct {
	Result protocol.UpdateResult
}

// AFKWarningEvent is published every second of the inactivity countdown.
type AFKWarningEvent struct {
	Remaining int
}

type AFKResumedEvent struct{}

type AFKTimeoutEvent struct{}

// StatsEvent carries the latest aggregated peer statistics.
type StatsEvent struct {
	Stats AggregatedStats
	At    time.Time
}

// SavedEvent reports where a received file or preview image was written.
type SavedEvent struct {
	Kind   string
	Path   string
	Width  int
	Height int
}
