// Package signal implements the player side of the Cirrus signalling
// protocol and a small development relay.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	"github.com/tomaslejdung/pixelpeep/pkg/eventloop"
	"github.com/tomaslejdung/pixelpeep/pkg/metrics"
)

// DefaultReconnectDelay is how long the session waits before reconnecting
// after the transport closes.
const DefaultReconnectDelay = 4 * time.Second

var (
	ErrNotOpen         = errors.New("signalling transport not open")
	ErrTransportClosed = errors.New("signalling transport closed")
)

// State is the transport state.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closed
)

var stateNames = []string{"idle", "connecting", "open", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Callbacks are invoked on the event loop. Any of them may be nil.
type Callbacks struct {
	OnStateChange      func(State)
	OnOpen             func()
	OnConfig           func(Message)
	OnOffer            func(sdp string)
	OnAnswer           func(sdp string)
	OnICECandidate     func(webrtc.ICECandidateInit)
	OnPlayerCount      func(count int)
	OnWarning          func(warning string)
	OnPeerDataChannels func(sendStreamID, recvStreamID int)
	// OnClose runs on every transport close, before any reconnect is armed.
	OnClose func()
	// OnDisconnect carries the reason shown to the user when the session is
	// about to reconnect on its own.
	OnDisconnect func(reason string)
}

// Options configures a Session.
type Options struct {
	URL            string
	Dialer         Dialer
	Scheduler      eventloop.Scheduler
	ReconnectDelay time.Duration
	LoggerFactory  logging.LoggerFactory
	Metrics        *metrics.Metrics
	Callbacks      Callbacks
}

// Session drives one signalling connection through
// Idle -> Connecting -> Open -> Closed, reconnecting after a close unless
// told otherwise. All methods must be called on the scheduler's loop.
type Session struct {
	url       string
	dialer    Dialer
	sched     eventloop.Scheduler
	delay     time.Duration
	log       logging.LeveledLogger
	metrics   *metrics.Metrics
	cb        Callbacks
	ctx       context.Context
	cancel    context.CancelFunc
	reconnect *eventloop.Timer

	state            State
	conn             Conn
	gen              uint64
	reconnectOnClose bool
	forwardingUnit   bool
	restartPending   bool
}

// NewSession returns an idle session.
func NewSession(opts Options) *Session {
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		url:       NormalizeURL(opts.URL),
		dialer:    opts.Dialer,
		sched:     opts.Scheduler,
		delay:     opts.ReconnectDelay,
		log:       opts.LoggerFactory.NewLogger("signal"),
		metrics:   opts.Metrics,
		cb:        opts.Callbacks,
		ctx:       ctx,
		cancel:    cancel,
		reconnect: eventloop.NewTimer(opts.Scheduler),
	}
}

func (s *Session) State() State               { return s.state }
func (s *Session) ReconnectOnClose() bool     { return s.reconnectOnClose }
func (s *Session) ForwardingUnitActive() bool { return s.forwardingUnit }
func (s *Session) ReconnectPending() bool     { return s.reconnect.Pending() }
func (s *Session) URL() string                { return s.url }

// SetCallbacks replaces the callbacks. Call it before Connect.
func (s *Session) SetCallbacks(cb Callbacks) { s.cb = cb }

// Connect dials the signalling server. Any pending reconnect is cancelled.
func (s *Session) Connect() {
	if s.ctx.Err() != nil {
		return
	}
	s.reconnect.Stop()
	if s.conn != nil {
		s.log.Warn("Connect called with a live transport; closing it first")
		s.dropConn()
	}

	s.gen++
	gen := s.gen
	s.reconnectOnClose = true
	s.forwardingUnit = false
	s.setState(Connecting)
	s.log.Infof("Creating a websocket connection to %s", s.url)

	go func() {
		conn, err := s.dialer.Dial(s.ctx, s.url)
		s.sched.Post(func() { s.handleDial(gen, conn, err) })
	}()
}

// Restart closes the transport without the automatic reconnect and connects
// again once the close has completed.
func (s *Session) Restart() {
	s.log.Info("Restarting signalling connection")
	switch {
	case s.conn != nil:
		s.reconnectOnClose = false
		s.restartPending = true
		_ = s.conn.Close()
	default:
		// Still dialling, or already closed: nothing to wait for.
		s.Connect()
	}
}

// Close closes the transport and lets the reconnect policy decide what
// happens next.
func (s *Session) Close() {
	if s.conn == nil {
		return
	}
	_ = s.conn.Close()
}

// Shutdown closes the transport for good.
func (s *Session) Shutdown() {
	s.reconnectOnClose = false
	s.restartPending = false
	s.reconnect.Stop()
	s.cancel()
	s.gen++
	s.dropConn()
	if s.state != Closed && s.state != Idle {
		s.setState(Closed)
		if s.cb.OnClose != nil {
			s.cb.OnClose()
		}
	}
}

func (s *Session) handleDial(gen uint64, conn Conn, err error) {
	if gen != s.gen {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.log.Errorf("Failed to connect to %s: %v", s.url, err)
		s.handleClose(gen, err)
		return
	}

	s.conn = conn
	s.setState(Open)
	if s.cb.OnOpen != nil {
		s.cb.OnOpen()
	}
	go s.readLoop(gen, conn)
}

func (s *Session) readLoop(gen uint64, conn Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.sched.Post(func() { s.handleClose(gen, err) })
			return
		}
		s.sched.Post(func() { s.handleFrame(gen, mt, data) })
	}
}

func (s *Session) handleFrame(gen uint64, messageType int, data []byte) {
	if gen != s.gen {
		return
	}
	if messageType == websocket.BinaryMessage {
		// Some intermediaries deliver text frames as binary.
		if !utf8.Valid(data) {
			s.log.Error("Failed to parse binary signalling frame as text")
			return
		}
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Errorf("Invalid signalling message: %v", err)
		return
	}
	s.dispatch(msg)
}

func (s *Session) dispatch(msg Message) {
	s.log.Debugf("Inbound signalling message %q", msg.Type)

	switch msg.Type {
	case TypeConfig:
		if s.cb.OnConfig != nil {
			s.cb.OnConfig(msg)
		}
	case TypePlayerCount:
		s.log.Infof("Player count: %d", msg.Count)
		if s.cb.OnPlayerCount != nil {
			s.cb.OnPlayerCount(msg.Count)
		}
	case TypeOffer:
		if s.cb.OnOffer != nil {
			s.cb.OnOffer(msg.SDP)
		}
	case TypeAnswer:
		if s.cb.OnAnswer != nil {
			s.cb.OnAnswer(msg.SDP)
		}
	case TypeICECandidate:
		if msg.Candidate == nil {
			s.log.Warn("iceCandidate message without a candidate")
			return
		}
		if s.cb.OnICECandidate != nil {
			s.cb.OnICECandidate(*msg.Candidate)
		}
	case TypeWarning:
		s.log.Warnf("Signalling server warning: %s", msg.Warning)
		if s.cb.OnWarning != nil {
			s.cb.OnWarning(msg.Warning)
		}
	case TypePeerDataChannels:
		s.forwardingUnit = true
		if s.cb.OnPeerDataChannels != nil {
			s.cb.OnPeerDataChannels(msg.SendStreamID, msg.RecvStreamID)
		}
	default:
		s.log.Errorf("Invalid signalling message type %q", msg.Type)
	}
}

func (s *Session) handleClose(gen uint64, err error) {
	if gen != s.gen {
		return
	}
	s.dropConn()
	s.setState(Closed)
	s.log.Infof("%v", fmt.Errorf("%w: %v", ErrTransportClosed, err))
	if s.cb.OnClose != nil {
		s.cb.OnClose()
	}

	if s.restartPending {
		s.restartPending = false
		s.Connect()
		return
	}
	if !s.reconnectOnClose || s.ctx.Err() != nil {
		return
	}

	reason := "DISCONNECTED"
	if text := closeReason(err); text != "" {
		reason = "DISCONNECTED: " + strings.ToUpper(text)
	}
	if s.cb.OnDisconnect != nil {
		s.cb.OnDisconnect(reason)
	}
	s.reconnect.Reset(s.delay, func() {
		s.metrics.Reconnect()
		s.Connect()
	})
}

func (s *Session) dropConn() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.state = state
	s.metrics.SignalState(state.String(), stateNames)
	if s.cb.OnStateChange != nil {
		s.cb.OnStateChange(state)
	}
}

func (s *Session) send(msg Message) error {
	if s.state != Open || s.conn == nil {
		s.log.Warnf("Dropping outbound %q: %v", msg.Type, ErrNotOpen)
		return ErrNotOpen
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Type, err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

// SendOffer sends the local SDP offer.
func (s *Session) SendOffer(sdp string) error {
	return s.send(Message{Type: TypeOffer, SDP: sdp})
}

// SendAnswer sends the local SDP answer, followed by a data channel request
// when a forwarding unit is in the path.
func (s *Session) SendAnswer(sdp string) error {
	if err := s.send(Message{Type: TypeAnswer, SDP: sdp}); err != nil {
		return err
	}
	if s.forwardingUnit {
		return s.send(Message{Type: TypeDataChannelRequest})
	}
	return nil
}

// SendICECandidate sends one local candidate.
func (s *Session) SendICECandidate(c webrtc.ICECandidateInit) error {
	return s.send(Message{Type: TypeICECandidate, Candidate: &c})
}

// SendDataChannelsReady tells the forwarding unit that its data channel is
// usable. It is a no-op without a forwarding unit.
func (s *Session) SendDataChannelsReady() error {
	if !s.forwardingUnit {
		return nil
	}
	return s.send(Message{Type: TypePeerDataChannelsReady})
}

// SendStats forwards aggregated statistics.
func (s *Session) SendStats(stats any) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}
	return s.send(Message{Type: TypeStats, Data: data})
}
