package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomaslejdung/pixelpeep/pkg/eventloop"
)

type frame struct {
	messageType int
	data        []byte
}

type fakeConn struct {
	in     chan frame
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	closeErr error
	written  []Message
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan frame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.messageType, f.data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return 0, nil, c.closeErr
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeWith(net.ErrClosed)
	return nil
}

// closeWith simulates the remote end closing the transport.
func (c *fakeConn) closeWith(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) sendText(v any) {
	data, _ := json.Marshal(v)
	c.in <- frame{websocket.TextMessage, data}
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.written {
		out = append(out, m.Type)
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  error
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type harness struct {
	t           *testing.T
	clock       *eventloop.Manual
	dialer      *fakeDialer
	session     *Session
	states      []State
	disconnects []string
	closes      int
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:      t,
		clock:  eventloop.NewManual(time.Unix(0, 0)),
		dialer: &fakeDialer{},
	}
	h.session = NewSession(Options{
		URL:       "localhost:80",
		Dialer:    h.dialer,
		Scheduler: h.clock,
	})
	h.session.SetCallbacks(Callbacks{
		OnStateChange: func(s State) { h.states = append(h.states, s) },
		OnDisconnect:  func(reason string) { h.disconnects = append(h.disconnects, reason) },
		OnClose:       func() { h.closes++ },
	})
	return h
}

// until runs posted tasks until cond holds.
func (h *harness) until(cond func() bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.clock.RunPending()
		return cond()
	}, time.Second, time.Millisecond)
}

func (h *harness) open() *fakeConn {
	h.t.Helper()
	h.session.Connect()
	h.until(func() bool { return h.session.State() == Open })
	return h.dialer.last()
}

func TestConnectOpens(t *testing.T) {
	h := newHarness(t)
	h.open()

	assert.Equal(t, "ws://localhost:80", h.session.URL())
	assert.Equal(t, []State{Connecting, Open}, h.states)
	assert.True(t, h.session.ReconnectOnClose())
}

func TestReconnectAfterClose(t *testing.T) {
	h := newHarness(t)
	conn := h.open()

	conn.closeWith(&websocket.CloseError{Code: websocket.CloseInternalServerErr, Text: "Streamer disconnected"})
	h.until(func() bool { return h.session.State() == Closed })

	assert.Equal(t, []string{"DISCONNECTED: STREAMER DISCONNECTED"}, h.disconnects)
	assert.True(t, h.session.ReconnectPending())
	assert.Equal(t, 1, h.clock.PendingTimers())

	// A second close before the timer fires replaces the pending attempt.
	h.session.handleClose(h.session.gen, errors.New("again"))
	assert.Equal(t, 1, h.clock.PendingTimers())

	h.clock.Advance(DefaultReconnectDelay - time.Millisecond)
	assert.Equal(t, 1, h.dialer.dials())

	h.clock.Advance(time.Millisecond)
	h.until(func() bool { return h.session.State() == Open })
	assert.Equal(t, 2, h.dialer.dials())
	assert.False(t, h.session.ReconnectPending())
}

func TestConnectCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t)
	h.open().closeWith(errors.New("reset"))
	h.until(func() bool { return h.session.ReconnectPending() })
	assert.Equal(t, []string{"DISCONNECTED"}, h.disconnects)

	h.session.Connect()
	h.until(func() bool { return h.session.State() == Open })
	assert.Equal(t, 0, h.clock.PendingTimers())

	h.clock.Advance(2 * DefaultReconnectDelay)
	assert.Equal(t, 2, h.dialer.dials())
}

func TestDialFailureSchedulesReconnect(t *testing.T) {
	h := newHarness(t)
	h.dialer.fail = errors.New("connection refused")

	h.session.Connect()
	h.until(func() bool { return h.session.State() == Closed })
	assert.True(t, h.session.ReconnectPending())
	assert.Equal(t, []string{"DISCONNECTED"}, h.disconnects)
}

func TestRestartReconnectsImmediately(t *testing.T) {
	h := newHarness(t)
	h.open()

	h.session.Restart()
	h.until(func() bool { return h.dialer.dials() == 2 && h.session.State() == Open })

	assert.Empty(t, h.disconnects)
	assert.Equal(t, 0, h.clock.PendingTimers())
	assert.Equal(t, 1, h.closes)
	assert.True(t, h.session.ReconnectOnClose())
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	h.open()

	h.session.Shutdown()
	assert.Equal(t, Closed, h.session.State())
	assert.Equal(t, 1, h.closes)

	// The read loop's close notification arrives after shutdown.
	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.closes)
	assert.Empty(t, h.disconnects)
	assert.Equal(t, 1, h.dialer.dials())

	h.session.Connect()
	assert.Equal(t, 1, h.dialer.dials())
}

func TestSendRequiresOpen(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.session.SendOffer("v=0"), ErrNotOpen)

	conn := h.open()
	require.NoError(t, h.session.SendOffer("v=0"))
	require.NoError(t, h.session.SendICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1"}))
	require.NoError(t, h.session.SendStats(map[string]int{"framesDecoded": 3}))
	assert.Equal(t, []string{TypeOffer, TypeICECandidate, TypeStats}, conn.types())

	conn.mu.Lock()
	assert.Equal(t, "candidate:1", conn.written[1].Candidate.Candidate)
	assert.JSONEq(t, `{"framesDecoded":3}`, string(conn.written[2].Data))
	conn.mu.Unlock()
}

func TestAnswerWithoutForwardingUnit(t *testing.T) {
	h := newHarness(t)
	conn := h.open()

	require.NoError(t, h.session.SendAnswer("v=0"))
	require.NoError(t, h.session.SendDataChannelsReady())
	assert.Equal(t, []string{TypeAnswer}, conn.types())
}

func TestForwardingUnit(t *testing.T) {
	h := newHarness(t)
	var send, recv int
	cb := h.session.cb
	cb.OnPeerDataChannels = func(s, r int) { send, recv = s, r }
	h.session.SetCallbacks(cb)

	conn := h.open()
	conn.sendText(map[string]any{"type": TypePeerDataChannels, "sendStreamId": 3, "recvStreamId": 4})
	h.until(h.session.ForwardingUnitActive)
	assert.Equal(t, 3, send)
	assert.Equal(t, 4, recv)

	require.NoError(t, h.session.SendAnswer("v=0"))
	require.NoError(t, h.session.SendDataChannelsReady())
	assert.Equal(t, []string{TypeAnswer, TypeDataChannelRequest, TypePeerDataChannelsReady}, conn.types())

	// A fresh connection forgets the forwarding unit.
	h.session.Restart()
	h.until(func() bool { return h.dialer.dials() == 2 && h.session.State() == Open })
	assert.False(t, h.session.ForwardingUnitActive())
}

func TestDispatch(t *testing.T) {
	h := newHarness(t)
	var (
		offer      string
		candidate  webrtc.ICECandidateInit
		count      int
		warning    string
		iceServers []ICEServer
	)
	cb := h.session.cb
	cb.OnOffer = func(sdp string) { offer = sdp }
	cb.OnICECandidate = func(c webrtc.ICECandidateInit) { candidate = c }
	cb.OnPlayerCount = func(n int) { count = n }
	cb.OnWarning = func(w string) { warning = w }
	cb.OnConfig = func(m Message) {
		opts, err := ParsePeerConnectionOptions(m.PeerConnectionOptions)
		assert.NoError(t, err)
		iceServers = opts.ICEServers
	}
	h.session.SetCallbacks(cb)

	conn := h.open()
	conn.in <- frame{websocket.TextMessage, []byte(`{"type":"config","peerConnectionOptions":{"iceServers":[{"urls":"stun:a"},{"urls":["turn:b","turn:c"],"username":"u","credential":"p"}]}}`)}
	conn.sendText(map[string]any{"type": TypeOffer, "sdp": "v=0 offer"})
	conn.in <- frame{websocket.TextMessage, []byte(`{"type":"iceCandidate","candidate":{"candidate":"candidate:9","sdpMid":"0","sdpMLineIndex":0}}`)}
	conn.in <- frame{websocket.TextMessage, []byte(`{"type":"mystery"}`)}
	conn.in <- frame{websocket.TextMessage, []byte(`not json`)}
	conn.sendText(map[string]any{"type": TypeWarning, "warning": "busy"})
	// Binary frames carrying text are accepted, invalid UTF-8 is dropped.
	conn.in <- frame{websocket.BinaryMessage, []byte{0xff, 0xfe}}
	conn.in <- frame{websocket.BinaryMessage, []byte(`{"type":"playerCount","count":2}`)}

	h.until(func() bool { return count == 2 })
	assert.Equal(t, "v=0 offer", offer)
	assert.Equal(t, "candidate:9", candidate.Candidate)
	require.NotNil(t, candidate.SDPMid)
	assert.Equal(t, "0", *candidate.SDPMid)
	assert.Equal(t, "busy", warning)
	require.Len(t, iceServers, 2)
	assert.Equal(t, []string{"stun:a"}, iceServers[0].URLs)
	assert.Equal(t, []string{"turn:b", "turn:c"}, iceServers[1].URLs)
	assert.Equal(t, "u", iceServers[1].Username)
	assert.Equal(t, Open, h.session.State())
}

func TestNormalizeURL(t *testing.T) {
	tests := map[string]string{
		"http://host:80":   "ws://host:80",
		"https://host":     "wss://host",
		"ws://host/path":   "ws://host/path",
		"wss://host":       "wss://host",
		"host.example:443": "ws://host.example:443",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeURL(in), in)
	}
}

func TestICEServerJSON(t *testing.T) {
	var s ICEServer
	require.NoError(t, json.Unmarshal([]byte(`{"url":"stun:legacy"}`), &s))
	assert.Equal(t, []string{"stun:legacy"}, s.URLs)

	data, err := json.Marshal(ICEServer{URLs: []string{"stun:x"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"urls":["stun:x"]}`, string(data))

	opts, err := ParsePeerConnectionOptions(nil)
	require.NoError(t, err)
	assert.Empty(t, opts.ICEServers)
}
