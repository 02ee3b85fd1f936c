package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/pion/logging"
	"github.com/tomaslejdung/pixelpeep/pkg/eventloop"
	"github.com/tomaslejdung/pixelpeep/pkg/metrics"
	"github.com/tomaslejdung/pixelpeep/pkg/protocol"
	"github.com/tomaslejdung/pixelpeep/pkg/quantize"
	"github.com/tomaslejdung/pixelpeep/pkg/transfer"
)

var (
	ErrNoDataChannel       = errors.New("data channel not open")
	ErrLatencyTestDisabled = errors.New("latency test disabled by streamer")
	ErrBuiltinMessage      = errors.New("message has a built-in handler")
)

// resizeInterval is the minimum gap between Resolution commands.
const resizeInterval = time.Second

// FrameSender delivers encoded frames to the streamer.
type FrameSender interface {
	Send(data []byte) error
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Scheduler     eventloop.Scheduler
	LoggerFactory logging.LoggerFactory
	Metrics       *metrics.Metrics
	// Emit receives every published event. It is called on the loop.
	Emit  func(any)
	Now   func() time.Time
	Input InputOptions
	AFK   AFKOptions
	// OnAFKTimeout runs when the inactivity countdown expires.
	OnAFKTimeout func()
}

// InitialSettings is the streamer's configuration snapshot.
type InitialSettings struct {
	PixelStreaming *PixelStreamingSettings `json:"PixelStreaming,omitempty"`
	Encoder        *EncoderSettings        `json:"Encoder,omitempty"`
	WebRTC         *WebRTCSettings         `json:"WebRTC,omitempty"`
}

type PixelStreamingSettings struct {
	AllowPixelStreamingCommands *bool `json:"AllowPixelStreamingCommands,omitempty"`
	DisableLatencyTest          bool  `json:"DisableLatencyTest"`
}

type EncoderSettings struct {
	TargetBitrate int    `json:"TargetBitrate"`
	MaxBitrate    int    `json:"MaxBitrate"`
	MinQP         int    `json:"MinQP"`
	MaxQP         int    `json:"MaxQP"`
	RateControl   string `json:"RateControl"`
}

type WebRTCSettings struct {
	DegradationPref string `json:"DegradationPref"`
	FPS             int    `json:"FPS"`
	MinBitrate      int    `json:"MinBitrate"`
	MaxBitrate      int    `json:"MaxBitrate"`
	LowQP           int    `json:"LowQP"`
	HighQP          int    `json:"HighQP"`
}

// WebRTCParams are the streamer's WebRTC knobs. Zero fields are not sent.
type WebRTCParams struct {
	FPS        int
	MinBitrate int // bps
	MaxBitrate int // bps
}

// keyboardCommand is the Command the streamer sends when a text widget gains
// or loses focus.
type keyboardCommand struct {
	Command              string  `json:"command"`
	ShowOnScreenKeyboard bool    `json:"showOnScreenKeyboard"`
	X                    float64 `json:"x"`
	Y                    float64 `json:"y"`
}

// Engine is the player side of the data channel protocol. It owns the
// catalog, the reassemblers and the quantizer. Every method must be called
// on the scheduler's loop.
type Engine struct {
	catalog   *protocol.Catalog
	freeze    *transfer.FreezeFrame
	file      *transfer.FileTransfer
	quantizer *quantize.Quantizer
	input     *Input
	latency   *LatencyTest
	afk       *AFK

	log     logging.LeveledLogger
	metrics *metrics.Metrics
	sched   eventloop.Scheduler
	now     func() time.Time
	emit    func(any)
	sink    FrameSender

	builtinOut map[string]bool
	builtinIn  map[string]bool
	outbound   map[string]bool
	handlers   map[string]func(payload []byte)
	listeners  map[string]func(response string)

	qualityController bool
	inputController   bool
	inputKnown        bool
	encoderQP         float64
	settings          InitialSettings

	matchViewport bool
	viewport      [2]int
	lastResize    time.Time
	resizeTimer   *eventloop.Timer
}

// NewEngine returns an engine with the built-in catalog and no data channel.
func NewEngine(opts EngineOptions) *Engine {
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Emit == nil {
		opts.Emit = func(any) {}
	}

	e := &Engine{
		catalog:     protocol.NewDefaultCatalog(opts.LoggerFactory),
		freeze:      transfer.NewFreezeFrame(opts.LoggerFactory),
		file:        transfer.NewFileTransfer(opts.LoggerFactory),
		quantizer:   quantize.New(opts.LoggerFactory),
		latency:     NewLatencyTest(),
		log:         opts.LoggerFactory.NewLogger("player"),
		metrics:     opts.Metrics,
		sched:       opts.Scheduler,
		now:         opts.Now,
		emit:        opts.Emit,
		builtinOut:  make(map[string]bool),
		builtinIn:   make(map[string]bool),
		outbound:    make(map[string]bool),
		handlers:    make(map[string]func([]byte)),
		listeners:   make(map[string]func(string)),
		encoderQP:   -1,
		resizeTimer: eventloop.NewTimer(opts.Scheduler),
	}
	for name := range protocol.DefaultToStreamer() {
		e.builtinOut[name] = true
	}
	for name := range protocol.DefaultFromStreamer() {
		e.builtinIn[name] = true
	}
	e.input = NewInput(e.Send, e.quantizer, opts.Input, opts.LoggerFactory)
	e.afk = NewAFK(opts.Scheduler, opts.AFK, opts.LoggerFactory, e.emit, opts.OnAFKTimeout)
	return e
}

func (e *Engine) Catalog() *protocol.Catalog { return e.catalog }
func (e *Engine) Input() *Input              { return e.input }
func (e *Engine) AFK() *AFK                  { return e.afk }
func (e *Engine) QualityController() bool    { return e.qualityController }
func (e *Engine) EncoderQP() float64         { return e.encoderQP }
func (e *Engine) Settings() InitialSettings  { return e.settings }

// InputController reports input ownership and whether the streamer has told
// us yet.
func (e *Engine) InputController() (owner, known bool) {
	return e.inputController, e.inputKnown
}

// Attach starts using sink for outbound frames. Transfers left over from a
// previous data channel are abandoned.
func (e *Engine) Attach(sink FrameSender) {
	if e.freeze.Reset() {
		e.emit(TransferSupersededEvent{Kind: "freeze_frame"})
	}
	if e.file.Reset() {
		e.emit(TransferSupersededEvent{Kind: "file"})
	}
	e.sink = sink
	e.emit(DataChannelEvent{Open: true})
	e.afk.Start()
}

// Detach stops sending. Held keys are forgotten since the streamer releases
// them itself when the channel drops.
func (e *Engine) Detach() {
	if e.sink == nil {
		return
	}
	e.sink = nil
	e.afk.Stop()
	e.resizeTimer.Stop()
	e.input.Reset()
	e.emit(DataChannelEvent{Open: false})
}

// Attached reports whether a data channel is in use.
func (e *Engine) Attached() bool { return e.sink != nil }

// RegisterHandler installs a handler for a custom inbound message so that a
// negotiated protocol update may admit it.
func (e *Engine) RegisterHandler(name string, fn func(payload []byte)) error {
	if e.builtinIn[name] {
		return fmt.Errorf("%w: %s", ErrBuiltinMessage, name)
	}
	e.handlers[name] = fn
	return nil
}

// RegisterOutbound allows a negotiated protocol update to add the custom
// outbound message name.
func (e *Engine) RegisterOutbound(name string) {
	e.outbound[name] = true
}

// AddResponseListener registers fn for every Response message under name,
// replacing any previous listener of that name.
func (e *Engine) AddResponseListener(name string, fn func(response string)) {
	e.listeners[name] = fn
}

func (e *Engine) RemoveResponseListener(name string) {
	delete(e.listeners, name)
}

func (e *Engine) hasHandler(dir protocol.Direction, name string) bool {
	if dir == protocol.ToStreamer {
		return e.builtinOut[name] || e.outbound[name]
	}
	if e.builtinIn[name] {
		return true
	}
	_, ok := e.handlers[name]
	return ok
}

// HandleFrame dispatches one inbound data channel message.
func (e *Engine) HandleFrame(data []byte) {
	name, payload, err := e.catalog.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrEmptyFrame) {
			e.metrics.FrameDropped("empty")
		} else {
			e.metrics.FrameDropped("unknown_id")
		}
		return
	}
	e.metrics.FrameReceived(name)

	switch name {
	case protocol.QualityControlOwnership:
		e.qualityController = ownership(payload)
		e.log.Infof("Received quality controller message, will control quality: %t", e.qualityController)
		e.emit(QualityOwnershipEvent{Owner: e.qualityController})
	case protocol.InputControlOwnership:
		e.inputController = ownership(payload)
		e.inputKnown = true
		e.log.Infof("Received input controller message, will control input: %t", e.inputController)
		e.emit(InputOwnershipEvent{Owner: e.inputController})
	case protocol.Response:
		e.onResponse(payload)
	case protocol.Command:
		e.onCommand(payload)
	case protocol.FreezeFrame:
		e.onFreezeFrame(payload)
	case protocol.UnfreezeFrame:
		e.freeze.Invalidate()
		e.emit(UnfreezeFrameEvent{})
	case protocol.VideoEncoderAvgQP:
		e.onVideoEncoderAvgQP(payload)
	case protocol.LatencyTest:
		e.onLatencyTest(payload)
	case protocol.InitialSettings:
		e.onInitialSettings(payload)
	case protocol.FileExtension:
		e.onFileMetadata(payload, e.file.Extension)
	case protocol.FileMimeType:
		e.onFileMetadata(payload, e.file.MimeType)
	case protocol.FileContents:
		e.onFileContents(payload)
	case protocol.TestEcho:
	case protocol.Protocol:
		e.onProtocol(payload)
	default:
		if fn, ok := e.handlers[name]; ok {
			fn(payload)
			return
		}
		e.log.Errorf("No handler for inbound %s", name)
		e.metrics.FrameDropped("no_handler")
	}
}

func ownership(payload []byte) bool {
	return len(payload) > 0 && payload[0] != 0
}

func (e *Engine) onResponse(payload []byte) {
	text, err := protocol.DecodeText(payload)
	if err != nil {
		e.log.Errorf("Bad Response message: %v", err)
		return
	}
	for _, fn := range e.listeners {
		fn(text)
	}
	e.emit(ResponseEvent{Text: text})
}

func (e *Engine) onCommand(payload []byte) {
	text, err := protocol.DecodeText(payload)
	if err != nil {
		e.log.Errorf("Bad Command message: %v", err)
		return
	}
	e.log.Debugf("Streamer command: %s", text)

	var cmd map[string]any
	if err := json.Unmarshal([]byte(text), &cmd); err != nil {
		e.log.Errorf("Bad Command message: %v", fmt.Errorf("%w: %v", protocol.ErrMalformedDescriptor, err))
		return
	}
	e.emit(CommandEvent{Command: cmd})

	var kb keyboardCommand
	if err := json.Unmarshal([]byte(text), &kb); err != nil || kb.Command != "onScreenKeyboard" {
		return
	}
	ev := OnScreenKeyboardEvent{Show: kb.ShowOnScreenKeyboard}
	if kb.ShowOnScreenKeyboard {
		x, y, err := e.quantizer.UnquantizeAndDenormalizeUnsigned(quantized(kb.X), quantized(kb.Y))
		if err != nil {
			e.log.Warnf("Cannot place on-screen keyboard: %v", err)
			return
		}
		ev.X, ev.Y = x, y
	}
	e.emit(ev)
}

// quantized converts a streamer supplied coordinate to the quantizer's
// range, saturating values that do not fit.
func quantized(v float64) uint16 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(v)
}

func (e *Engine) onFreezeFrame(payload []byte) {
	img, done, err := e.freeze.Receive(payload)
	e.metrics.TransferBytes("freeze_frame", len(payload))
	if err != nil {
		e.transferError("freeze_frame", err)
		return
	}
	if done {
		e.metrics.TransferComplete("freeze_frame")
		e.emit(FreezeFrameEvent{Image: img})
	}
}

// SetFreezeFrameDimensions records the size of the decoded preview image.
func (e *Engine) SetFreezeFrameDimensions(width, height int) {
	e.freeze.SetDimensions(width, height)
}

func (e *Engine) onFileMetadata(payload []byte, set func(string)) {
	text, err := protocol.DecodeText(payload)
	if err != nil {
		e.transferError("file", err)
		return
	}
	set(text)
}

func (e *Engine) onFileContents(payload []byte) {
	file, done, err := e.file.Contents(payload)
	e.metrics.TransferBytes("file", len(payload))
	if err != nil {
		e.transferError("file", err)
		return
	}
	if done {
		e.metrics.TransferComplete("file")
		e.emit(FileEvent{File: file})
	}
}

func (e *Engine) transferError(kind string, err error) {
	if errors.Is(err, transfer.ErrTransferOverflow) {
		e.metrics.TransferOverflow(kind)
	}
	e.log.Errorf("%s transfer: %v", kind, err)
	e.emit(TransferErrorEvent{Kind: kind, Err: err})
}

func (e *Engine) onVideoEncoderAvgQP(payload []byte) {
	text, err := protocol.DecodeText(payload)
	if err != nil {
		e.log.Errorf("Bad VideoEncoderAvgQP message: %v", err)
		return
	}
	var qp float64
	if _, err := fmt.Sscan(text, &qp); err != nil {
		e.log.Errorf("Bad VideoEncoderAvgQP value %q", text)
		return
	}
	e.encoderQP = qp
	e.metrics.EncoderQP(qp)
	e.emit(EncoderQPEvent{QP: qp, Quality: EncodingQualityForQP(qp)})
}

func (e *Engine) onLatencyTest(payload []byte) {
	var timings StreamerTimings
	if err := protocol.UnmarshalText(payload, &timings); err != nil {
		e.log.Errorf("Bad LatencyTest message: %v", err)
		return
	}
	sample, err := e.latency.Complete(timings, e.now())
	if err != nil {
		e.log.Warnf("Latency timings: %v", err)
		return
	}
	e.metrics.LatencySample(sample.NetworkLatencyMs / 1000)
	e.emit(LatencyEvent{Sample: sample})
}

func (e *Engine) onInitialSettings(payload []byte) {
	var s InitialSettings
	if err := protocol.UnmarshalText(payload, &s); err != nil {
		e.log.Errorf("Bad InitialSettings message: %v", err)
		return
	}
	if ps := s.PixelStreaming; ps != nil {
		if ps.AllowPixelStreamingCommands != nil && !*ps.AllowPixelStreamingCommands {
			e.log.Warn("Streamer disallows console commands")
		}
		if ps.DisableLatencyTest {
			e.log.Warn("Streamer disabled the latency tester")
		}
	}
	e.settings = s
	e.emit(InitialSettingsEvent{Settings: s})
}

func (e *Engine) onProtocol(payload []byte) {
	text, err := protocol.DecodeText(payload)
	if err != nil {
		e.log.Errorf("Bad Protocol message: %v", err)
		return
	}
	update, err := protocol.ParseUpdate([]byte(text))
	if err != nil {
		e.log.Errorf("Ignoring protocol update: %v", err)
		return
	}
	result := e.catalog.ApplyUpdate(update, e.hasHandler)
	if result.Rejected != nil {
		e.log.Warnf("Protocol update rejected %d entries", result.Rejected.Len())
	}
	e.emit(ProtocolUpdateEvent{Result: result})

	_ = e.RequestInitialSettings()
	_ = e.RequestQualityControl()
}

// Send encodes and transmits one fixed-layout message.
func (e *Engine) Send(name string, values ...float64) error {
	frame, err := e.catalog.Encode(name, values...)
	if err != nil {
		return err
	}
	return e.transmit(name, frame)
}

// EmitDescriptor transmits v as a JSON descriptor message.
func (e *Engine) EmitDescriptor(name string, v any) error {
	frame, err := e.catalog.EncodeDescriptor(name, v)
	if err != nil {
		e.log.Errorf("Failed to encode %s descriptor: %v", name, err)
		return err
	}
	return e.transmit(name, frame)
}

func (e *Engine) transmit(name string, frame []byte) error {
	if e.sink == nil {
		e.metrics.FrameDropped("no_channel")
		return fmt.Errorf("%s: %w", name, ErrNoDataChannel)
	}
	e.afk.Reset()
	if err := e.sink.Send(frame); err != nil {
		e.metrics.FrameDropped("send_failed")
		return fmt.Errorf("failed to send %s: %w", name, err)
	}
	e.metrics.FrameSent(name)
	return nil
}

// EmitCommand sends a console or settings command to the streamer.
func (e *Engine) EmitCommand(v any) error {
	return e.EmitDescriptor(protocol.Command, v)
}

// EmitUIInteraction sends an application-defined descriptor.
func (e *Engine) EmitUIInteraction(v any) error {
	return e.EmitDescriptor(protocol.UIInteraction, v)
}

func (e *Engine) RequestInitialSettings() error {
	return e.Send(protocol.RequestInitialSettings)
}

// RequestQualityControl asks for quality ownership unless we already have it.
func (e *Engine) RequestQualityControl() error {
	if e.qualityController {
		return nil
	}
	return e.Send(protocol.RequestQualityControl)
}

func (e *Engine) RequestKeyFrame() error {
	return e.Send(protocol.IFrameRequest)
}

// StartLatencyTest stamps the start time and asks the streamer for timings.
func (e *Engine) StartLatencyTest() error {
	if ps := e.settings.PixelStreaming; ps != nil && ps.DisableLatencyTest {
		return ErrLatencyTestDisabled
	}
	if e.sink == nil {
		return fmt.Errorf("%s: %w", protocol.LatencyTest, ErrNoDataChannel)
	}
	start := e.latency.Start(e.now())
	return e.EmitDescriptor(protocol.LatencyTest, map[string]float64{"StartTime": start})
}

// SetEncoderParams bounds the encoder quantization parameter.
func (e *Engine) SetEncoderParams(minQP, maxQP int) error {
	if err := e.EmitCommand(map[string]int{"Encoder.MinQP": minQP}); err != nil {
		return err
	}
	return e.EmitCommand(map[string]int{"Encoder.MaxQP": maxQP})
}

// SetWebRTCParams sends one command per non-zero field.
func (e *Engine) SetWebRTCParams(p WebRTCParams) error {
	if p.FPS > 0 {
		if err := e.EmitCommand(map[string]int{"WebRTC.Fps": p.FPS}); err != nil {
			return err
		}
	}
	if p.MinBitrate > 0 {
		if err := e.EmitCommand(map[string]int{"WebRTC.MinBitrate": p.MinBitrate}); err != nil {
			return err
		}
	}
	if p.MaxBitrate > 0 {
		if err := e.EmitCommand(map[string]int{"WebRTC.MaxBitrate": p.MaxBitrate}); err != nil {
			return err
		}
	}
	return nil
}

// ShowFPS toggles the streamer's on-screen FPS counter.
func (e *Engine) ShowFPS() error {
	return e.EmitCommand(map[string]string{"Stat.FPS": ""})
}

// UpdateViewToContainer asks the streamer to render at width x height.
func (e *Engine) UpdateViewToContainer(width, height int) error {
	e.lastResize = e.now()
	return e.EmitCommand(map[string]int{
		"Resolution.Width":  width,
		"Resolution.Height": height,
	})
}

// Resize installs new player and video geometry. When viewport matching is
// on, the streamer is asked to follow the player size.
func (e *Engine) Resize(g quantize.Geometry) error {
	if err := e.quantizer.Resize(g); err != nil {
		return err
	}
	e.input.Center(g.PlayerWidth, g.PlayerHeight)
	e.viewport = [2]int{int(g.PlayerWidth), int(g.PlayerHeight)}
	e.MatchViewportResolution()
	return nil
}

// SetMatchViewport turns viewport matching on or off.
func (e *Engine) SetMatchViewport(on bool) {
	e.matchViewport = on
	if !on {
		e.resizeTimer.Stop()
		return
	}
	e.MatchViewportResolution()
}

func (e *Engine) MatchViewport() bool { return e.matchViewport }

// MatchViewportResolution sends the player size at most once per
// resizeInterval; a request inside the window is retried when it ends.
func (e *Engine) MatchViewportResolution() {
	if !e.matchViewport || e.viewport[0] == 0 || e.viewport[1] == 0 || e.sink == nil {
		return
	}
	if wait := resizeInterval - e.now().Sub(e.lastResize); wait > 0 {
		e.log.Debug("Resizing too often, deferring")
		e.resizeTimer.Reset(wait, e.MatchViewportResolution)
		return
	}
	if err := e.UpdateViewToContainer(e.viewport[0], e.viewport[1]); err != nil {
		e.log.Warnf("Resolution request failed: %v", err)
	}
}
