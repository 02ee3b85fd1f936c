package main

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomaslejdung/pixelpeep/pkg/eventloop"
	"github.com/tomaslejdung/pixelpeep/pkg/protocol"
	"github.com/tomaslejdung/pixelpeep/pkg/quantize"
	"github.com/tomaslejdung/pixelpeep/pkg/transfer"
)

type fakeSink struct {
	frames [][]byte
	err    error
}

func (s *fakeSink) Send(data []byte) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

type engineHarness struct {
	engine *Engine
	sched  *eventloop.Manual
	sink   *fakeSink
	events []any
}

func newHarness(t *testing.T, afk AFKOptions) *engineHarness {
	t.Helper()
	h := &engineHarness{
		sched: eventloop.NewManual(time.Unix(1700000000, 0)),
		sink:  &fakeSink{},
	}
	h.engine = NewEngine(EngineOptions{
		Scheduler: h.sched,
		Emit:      func(ev any) { h.events = append(h.events, ev) },
		Now:       h.sched.Now,
		AFK:       afk,
	})
	return h
}

func (h *engineHarness) attach() {
	h.engine.Attach(h.sink)
	h.sink.frames = nil
	h.events = nil
}

// sent returns the outbound message names in order.
func (h *engineHarness) sent() []string {
	var names []string
	for _, f := range h.sink.frames {
		name, _ := h.engine.Catalog().LookupByID(protocol.ToStreamer, f[0])
		names = append(names, name)
	}
	return names
}

func eventsOf[T any](events []any) []T {
	var out []T
	for _, ev := range events {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func textFrame(t *testing.T, id byte, text string) []byte {
	t.Helper()
	body, err := protocol.EncodeText(text)
	require.NoError(t, err)
	return append([]byte{id}, body...)
}

func inboundID(name string) byte {
	return protocol.DefaultFromStreamer()[name]
}

func TestEngineSendWithoutDataChannel(t *testing.T) {
	h := newHarness(t, AFKOptions{})

	err := h.engine.RequestKeyFrame()
	assert.ErrorIs(t, err, ErrNoDataChannel)

	h.attach()
	require.NoError(t, h.engine.RequestKeyFrame())
	assert.Equal(t, []string{protocol.IFrameRequest}, h.sent())

	h.engine.Detach()
	assert.False(t, h.engine.Attached())
	assert.ErrorIs(t, h.engine.RequestKeyFrame(), ErrNoDataChannel)
}

func TestEngineSendFailure(t *testing.T) {
	h := newHarness(t, AFKOptions{})
	h.attach()
	h.sink.err = errors.New("channel closed")

	err := h.engine.Send(protocol.KeyPress, 65)
	assert.ErrorContains(t, err, "channel closed")
}

func TestEngineQualityOwnership(t *testing.T) {
	h := newHarness(t, AFKOptions{})
	h.attach()

	require.NoError(t, h.engine.RequestQualityControl())
	assert.Equal(t, []string{protocol.RequestQualityControl}, h.sent())

	h.engine.HandleFrame([]byte{inboundID(protocol.QualityControlOwnership), 1})
	assert.True(t, h.engine.QualityController())
	assert.Equal(t, []QualityOwnershipEvent{{Owner: true}}, eventsOf[QualityOwnershipEvent](h.events))

	// Already the owner, so nothing more is sent.
	h.sink.frames = nil
	require.NoError(t, h.engine.RequestQualityControl())
	assert.Empty(t, h.sink.frames)

	h.engine.HandleFrame([]byte{inboundID(protocol.QualityControlOwnership), 0})
	assert.False(t, h.engine.QualityController())
}

func TestEngineInputOwnership(t *testing.T) {
	h := newHarness(t, AFKOptions{})

	_, known := h.engine.InputController()
	assert.False(t, known)

	h.engine.HandleFrame([]byte{inboundID(protocol.InputControlOwnership), 1})
	owner, known := h.engine.InputController()
	assert.True(t, owner)
	assert.True(t, known)
}

func TestEngineIgnoresUnknownFrames(t *testing.T) {
	h := newHarness(t, AFKOptions{})

	h.engine.HandleFrame(nil)
	h.engine.HandleFrame([]byte{200, 1, 2})
	assert.Empty(t, h.events)
}

func TestEngineResponseListeners(t *testing.T) {
	h := newHarness(t, AFKOptions{})
	var first, second []string
	h.engine.AddResponseListener("first", func(r string) { first = append(first, r) })
	h.engine.AddResponseListener("second", func(r string) { second = append(second, r) })

	h.engine.HandleFrame(textFrame(t, inboundID(protocol.Response), "hello"))
	h.engine.RemoveResponseListener("second")
	h.engine.HandleFrame(textFrame(t, inboundID(protocol.Response), "again"))

	assert.Equal(t, []string{"hello", "again"}, first)
	assert.Equal(t, []string{"hello"}, second)
	assert.Len(t, eventsOf[ResponseEvent](h.events), 2)
}

func TestEngineCommand(t *testing.T) {
	h := newHarness(t, AFKOptions{})
	require.NoError(t, h.engine.Resize(quantize.Geometry{PlayerWidth: 100, PlayerHeight: 100, VideoWidth: 100, VideoHeight: 100}))

	h.engine.HandleFrame(textFrame(t, inboundID(protocol.Command),
		`{"command":"onScreenKeyboard","showOnScreenKeyboard":true,"x":32768,"y":16384}`))

	cmds := eventsOf[CommandEvent](h.events)
	require.Len(t, cmds, 1)
	assert.Equal(t, "onScreenKeyboard", cmds[0].Command["command"])

	kb := eventsOf[OnScreenKeyboardEvent](h.events)
	require.Len(t, kb, 1)
	assert.True(t, kb[0].Show)
	assert.InDelta(t, 50, kb[0].X, 0.01)
	assert.InDelta(t, 25, kb[0].Y, 0.01)

	h.engine.HandleFrame(textFrame(t, inboundID(protocol.Command), `not json`))
	assert.Len(t, eventsOf[CommandEvent](h.events), 1)
}

func TestEngineOnScreenKeyboardOutOfRange(t *testing.T) {
	h := newHarness(t, AFKOptions{})
	require.NoError(t, h.engine.Resize(quantize.Geometry{PlayerWidth: 100, PlayerHeight: 100, VideoWidth: 100, VideoHeight: 100}))

	h.engine.HandleFrame(textFrame(t, inboundID(protocol.Command),
		`{"command":"onScreenKeyboard","showOnScreenKeyboard":true,"x":-500,"y":1e12}`))

	kb := eventsOf[OnScreenKeyboardEvent](h.events)
	require.Len(t, kb, 1)
	assert.InDelta(t, 0, kb[0].X, 0.01)
	assert.InDelta(t, 100, kb[0].Y, 0.01)
}

func TestQuantized(t *testing.T) {
	tests := []struct {
		in   float64
		want uint16
	}{
		{-1, 0},
		{0, 0},
		{1234.7, 1234},
		{65535, 65535},
		{70000, 65535},
		{math.Inf(1), 65535},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, quantized(tt.in), "%v", tt.in)
	}
}

func TestEngineFreezeFrame(t *testing.T) {
	h := newHarness(t, AFKOptions{})
	id := inboundID(protocol.FreezeFrame)

	h.engine.HandleFrame(append(append([]byte{id}, transfer.SizeHeader(4)...), 1, 2))
	assert.Empty(t, eventsOf[FreezeFrameEvent](h.events))

	h.engine.HandleFrame(append(append([]byte{id}, transfer.SizeHeader(4)...), 3, 4))
	frames := eventsOf[FreezeFrameEvent](h.events)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, frames[0].Image.JPEG)

	h.engine.HandleFrame([]byte{inboundID(protocol.UnfreezeFrame)})
	assert.Len(t, eventsOf[UnfreezeFrameEvent](h.events), 1)
}

func TestEngineFreezeFrameOverflow(t *testing.T) {
	h := newHarness(t, AFKOptions{})
	id := inboundID(protocol.FreezeFrame)

	h.engine.HandleFrame(append(append([]byte{id}, transfer.SizeHeader(2)...), 1, 2, 3))
	errs := eventsOf[TransferErrorEvent](h.events)
	require.Len(t, errs, 1)
	assert.Equal(t, "freeze_frame", errs[0].Kind)
	assert.ErrorIs(t, errs[0].Err, transfer.ErrTransferOverflow)
}

func TestEngineFileTransfer(t *testing.T) {
	h := newHarness(t, AFKOptions{})

	h.engine.HandleFrame(textFrame(t, inboundID(protocol.FileExtension), "txt"))
	h.engine.HandleFrame(textFrame(t, inboundID(protocol.FileMimeType), "text/plain"))
	h.engine.HandleFrame(append(append([]byte{inboundID(protocol.FileContents)}, transfer.SizeHeader(5)...), "hello"...))

	files := eventsOf[FileEvent](h.events)
	require.Len(t, files, 1)
	assert.Equal(t, []byte("hello"), files[0].File.Data)
	assert.Equal(t, "txt", files[0].File.Extension)
	assert.Equal(t, "text/plain", files[0].File.MimeType)
}

func TestEngineFileContentsWithoutMetadata(t *testing.T) {
	h := newHarness(t, AFKOptions{})

	h.engine.HandleFrame(append(append([]byte{inboundID(protocol.FileContents)}, transfer.SizeHeader(5)...), "hello"...))
	assert.Empty(t, eventsOf[FileEvent](h.events))
	errs := eventsOf[TransferErrorEvent](h.events)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, transfer.ErrNotReceiving)
}

func TestEngineAttachSupersedesTransfers(t *testing.T) {
	h := newHarness(t, AFKOptions{})
	h.engine.HandleFrame(append(append([]byte{inboundID(protocol.FreezeFrame)}, transfer.SizeHeader(10)...), 1, 2))
	h.engine.HandleFrame(textFrame(t, inboundID(protocol.FileExtension), "bin"))

	h.engine.Attach(h.sink)

	assert.Equal(t, []TransferSupersededEvent{{Kind: "freeze_frame"}, {Kind: "file"}},
		eventsOf[TransferSupersededEvent](h.events))
	assert.Equal(t, []DataChannelEvent{{Open: true}}, eventsOf[DataChannelEvent](h.events))

	// A fresh image is reassembled from scratch.
	h.engine.HandleFrame(append(append([]byte{inboundID(protocol.FreezeFrame)}, transfer.SizeHeader(1)...), 9))
	frames := eventsOf[FreezeFrameEvent](h.events)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{9}, frames[0].Image.JPEG)
}

func TestEngineEncoderQP(t *testing.T) {
	h := newHarness(t, AFKOptions{})
	assert.Equal(t, float64(-1), h.engine.EncoderQP())

	h.engine.HandleFrame(textFrame(t, inboundID(protocol.VideoEncoderAvgQP), "30"))
	h.engine.HandleFrame(textFrame(t, inboundID(protocol.VideoEncoderAvgQP), "garbage"))

	qps := eventsOf[EncoderQPEvent](h.events)
	require.Len(t, qps, 1)
	assert.Equal(t, EncoderQPEvent{QP: 30, Quality: EncodingBlocky}, qps[0])
	assert.Equal(t, float64(30), h.engine.EncoderQP())
}

func TestEngineInitialSettings(t *testing.T) {
	h := newHarness(t, AFKOptions{})
	h.attach()

	h.engine.HandleFrame(textFrame(t, inboundID(protocol.InitialSettings),
		`{"PixelStreaming":{"AllowPixelStreamingCommands":false,"DisableLatencyTest":true},"WebRTC":{"FPS":60,"MaxBitrate":3000000}}`))

	got := eventsOf[InitialSettingsEvent](h.events)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Settings.WebRTC)
	assert.Equal(t, 60, got[0].Settings.WebRTC.FPS)
	assert.Equal(t, 3000000, h.engine.Settings().WebRTC.MaxBitrate)

	assert.ErrorIs(t, h.engine.StartLatencyTest(), ErrLatencyTestDisabled)
	assert.Empty(t, h.sink.frames)
}

func TestEngineLatencyTest(t *testing.T) {
	h := newHarness(t, AFKOptions{})
	h.attach()

	require.NoError(t, h.engine.StartLatencyTest())
	require.Len(t, h.sink.frames, 1)
	var req map[string]float64
	require.NoError(t, protocol.DecodeDescriptor(h.sink.frames[0], &req))
	start := req["StartTime"]
	assert.Equal(t, epochMillis(h.sched.Now()), start)

	h.sched.Advance(100 * time.Millisecond)
	h.engine.HandleFrame(textFrame(t, inboundID(protocol.LatencyTest),
		`{"ReceiptTimeMs":5000,"TransmissionTimeMs":5030,"PreEncodeTimeMs":5010,"PostEncodeTimeMs":5020}`))

	samples := eventsOf[LatencyEvent](h.events)
	require.Len(t, samples, 1)
	s := samples[0].Sample
	assert.InDelta(t, 70, s.NetworkLatencyMs, 0.001)
	assert.InDelta(t, 30, s.StreamerDurationMs, 0.001)
	assert.Equal(t, Millis{Value: 10, Valid: true}, s.EncodeMs)
	assert.False(t, s.CaptureToSendMs.Valid)

	// An unsolicited answer is ignored.
	h.engine.HandleFrame(textFrame(t, inboundID(protocol.LatencyTest), `{"ReceiptTimeMs":1}`))
	assert.Len(t, eventsOf[LatencyEvent](h.events), 1)
}

func TestEngineProtocolUpdate(t *testing.T) {
	h := newHarness(t, AFKOptions{})
	var custom [][]byte
	require.NoError(t, h.engine.RegisterHandler("CustomEvent", func(p []byte) {
		custom = append(custom, append([]byte(nil), p...))
	}))
	h.attach()

	h.engine.HandleFrame(textFrame(t, inboundID(protocol.Protocol),
		`{"Direction":1,"CustomEvent":{"id":42},"Unhandled":{"id":43}}`))

	updates := eventsOf[ProtocolUpdateEvent](h.events)
	require.Len(t, updates, 1)
	assert.Equal(t, []string{"CustomEvent"}, updates[0].Result.Admitted)
	require.NotNil(t, updates[0].Result.Rejected)
	assert.ErrorIs(t, updates[0].Result.Rejected, protocol.ErrNoHandler)

	// The streamer is asked for its settings and quality control afterwards.
	assert.Equal(t, []string{protocol.RequestInitialSettings, protocol.RequestQualityControl}, h.sent())

	h.engine.HandleFrame([]byte{42, 7, 8})
	assert.Equal(t, [][]byte{{7, 8}}, custom)
}

func TestEngineOutboundProtocolUpdate(t *testing.T) {
	h := newHarness(t, AFKOptions{})
	h.engine.RegisterOutbound("CustomAction")
	h.attach()

	h.engine.HandleFrame(textFrame(t, inboundID(protocol.Protocol),
		`{"Direction":0,"CustomAction":{"id":120,"byteLength":2,"structure":["uint16"]},"GamepadAnalog":{"id":92,"byteLength":10,"structure":["uint8","uint8","double"]}}`))

	updates := eventsOf[ProtocolUpdateEvent](h.events)
	require.Len(t, updates, 1)
	assert.Equal(t, []string{"CustomAction"}, updates[0].Result.Admitted)
	assert.Equal(t, []string{protocol.GamepadAnalog}, updates[0].Result.Skipped)

	h.sink.frames = nil
	require.NoError(t, h.engine.Send("CustomAction", 513))
	assert.Equal(t, [][]byte{{120, 1, 2}}, h.sink.frames)
}

func TestEngineMalformedProtocolUpdate(t *testing.T) {
	h := newHarness(t, AFKOptions{})
	h.attach()

	h.engine.HandleFrame(textFrame(t, inboundID(protocol.Protocol), `{"Direction":7}`))
	assert.Empty(t, eventsOf[ProtocolUpdateEvent](h.events))
	assert.Empty(t, h.sink.frames)
}

func TestEngineRegisterBuiltinHandler(t *testing.T) {
	h := newHarness(t, AFKOptions{})
	err := h.engine.RegisterHandler(protocol.Response, func([]byte) {})
	assert.ErrorIs(t, err, ErrBuiltinMessage)
}

func TestEngineWebRTCParams(t *testing.T) {
	h := newHarness(t, AFKOptions{})
	h.attach()

	require.NoError(t, h.engine.SetWebRTCParams(WebRTCParams{FPS: 60, MaxBitrate: 3000000}))
	require.Len(t, h.sink.frames, 2)

	var cmd map[string]int
	require.NoError(t, protocol.DecodeDescriptor(h.sink.frames[0], &cmd))
	assert.Equal(t, map[string]int{"WebRTC.Fps": 60}, cmd)
	require.NoError(t, protocol.DecodeDescriptor(h.sink.frames[1], &cmd))
	assert.Equal(t, 3000000, cmd["WebRTC.MaxBitrate"])
}

func TestEngineMatchViewportThrottled(t *testing.T) {
	h := newHarness(t, AFKOptions{})
	h.attach()
	h.engine.SetMatchViewport(true)

	resolution := func(i int) map[string]int {
		var cmd map[string]int
		require.NoError(t, protocol.DecodeDescriptor(h.sink.frames[i], &cmd))
		return cmd
	}

	require.NoError(t, h.engine.Resize(quantize.Geometry{PlayerWidth: 800, PlayerHeight: 600, VideoWidth: 1920, VideoHeight: 1080}))
	require.Len(t, h.sink.frames, 1)
	assert.Equal(t, map[string]int{"Resolution.Width": 800, "Resolution.Height": 600}, resolution(0))

	h.sched.Advance(200 * time.Millisecond)
	require.NoError(t, h.engine.Resize(quantize.Geometry{PlayerWidth: 1024, PlayerHeight: 768, VideoWidth: 1920, VideoHeight: 1080}))
	assert.Len(t, h.sink.frames, 1)

	h.sched.Advance(800 * time.Millisecond)
	require.Len(t, h.sink.frames, 2)
	assert.Equal(t, map[string]int{"Resolution.Width": 1024, "Resolution.Height": 768}, resolution(1))
}

func TestEngineMatchViewportOff(t *testing.T) {
	h := newHarness(t, AFKOptions{})
	h.attach()

	require.NoError(t, h.engine.Resize(quantize.Geometry{PlayerWidth: 800, PlayerHeight: 600, VideoWidth: 800, VideoHeight: 600}))
	assert.Empty(t, h.sink.frames)
	assert.Error(t, h.engine.Resize(quantize.Geometry{}))
}

func TestEngineTrafficResetsAFK(t *testing.T) {
	h := newHarness(t, AFKOptions{Enabled: true, WarnTimeout: 10 * time.Second, CloseTimeout: 3})
	h.attach()

	h.sched.Advance(9 * time.Second)
	require.NoError(t, h.engine.Send(protocol.KeyPress, 65))
	h.sched.Advance(9 * time.Second)
	assert.Empty(t, eventsOf[AFKWarningEvent](h.events))

	h.sched.Advance(time.Second)
	assert.Equal(t, []AFKWarningEvent{{Remaining: 3}}, eventsOf[AFKWarningEvent](h.events))
}
