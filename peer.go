package main

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	"github.com/tomaslejdung/pixelpeep/pkg/eventloop"
	"github.com/tomaslejdung/pixelpeep/pkg/signal"
)

// ICE servers used when the signalling server supplies none
var defaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// ICEConfig holds ICE server configuration from the command line
type ICEConfig struct {
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool
}

var ErrNoPeer = errors.New("no peer connection")

// PeerCallbacks are posted to the loop. Any of them may be nil.
type PeerCallbacks struct {
	OnICECandidate      func(webrtc.ICECandidateInit)
	OnStateChange       func(state, connectionType string)
	OnDataChannelOpen   func(FrameSender)
	OnDataChannelClose  func()
	OnMessage           func(data []byte)
	OnDataChannelsReady func()
	OnTrack             func(kind string)
}

// PeerOptions configures a PlayerPeer.
type PeerOptions struct {
	ICE           ICEConfig
	Servers       []signal.ICEServer
	LoggerFactory logging.LoggerFactory
	Scheduler     eventloop.Scheduler
	Callbacks     PeerCallbacks
}

// AggregatedStats is a snapshot of the inbound media and the selected
// candidate pair. Rates are computed against the previous snapshot.
type AggregatedStats struct {
	Timestamp            time.Time `json:"timestamp"`
	TimestampStart       time.Time `json:"timestampStart"`
	BytesReceived        uint64    `json:"bytesReceived"`
	PacketsReceived      uint32    `json:"packetsReceived"`
	PacketsLost          int32     `json:"packetsLost"`
	FramesDecoded        uint32    `json:"framesDecoded"`
	Framerate            float64   `json:"framerate"`
	Bitrate              float64   `json:"bitrate"` // kbps
	AudioBytesReceived   uint64    `json:"audioBytesReceived"`
	AudioBitrate         float64   `json:"audioBitrate"` // kbps
	Jitter               float64   `json:"jitter"`
	CurrentRoundTripTime float64   `json:"currentRoundTripTime"` // seconds
	ConnectionType       string    `json:"connectionType"`
}

// channel adapts a data channel to FrameSender.
type channel struct {
	dc *webrtc.DataChannel
}

func (c channel) Send(data []byte) error {
	return c.dc.Send(data)
}

// PlayerPeer is the receive side of one streaming session: a single peer
// connection with recvonly media and the data channel(s) to the streamer.
type PlayerPeer struct {
	pc    *webrtc.PeerConnection
	sched eventloop.Scheduler
	log   logging.LeveledLogger
	cb    PeerCallbacks

	mu   sync.Mutex
	send *webrtc.DataChannel

	pending  []webrtc.ICECandidateInit
	last     AggregatedStats
	haveLast bool
	closed   bool
	connType string
}

// buildICEServers merges the signalling server's list with the TURN flags.
func buildICEServers(servers []signal.ICEServer, ice ICEConfig) []webrtc.ICEServer {
	iceServers := make([]webrtc.ICEServer, 0, len(servers)+1)
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		iceServers = append(iceServers, server)
	}

	if len(iceServers) == 0 && !ice.ForceRelay {
		iceServers = append(iceServers, defaultICEServers...)
	}

	if ice.TURNServer != "" {
		turnServer := webrtc.ICEServer{
			URLs: []string{ice.TURNServer},
		}
		if ice.TURNUser != "" {
			turnServer.Username = ice.TURNUser
			turnServer.Credential = ice.TURNPass
			turnServer.CredentialType = webrtc.ICECredentialTypePassword
		}
		iceServers = append(iceServers, turnServer)
	}
	return iceServers
}

// NewPlayerPeer creates the peer connection. Nothing is negotiated yet.
func NewPlayerPeer(opts PeerOptions) (*PlayerPeer, error) {
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	s := webrtc.SettingEngine{LoggerFactory: opts.LoggerFactory}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s))

	iceTransportPolicy := webrtc.ICETransportPolicyAll
	if opts.ICE.ForceRelay {
		iceTransportPolicy = webrtc.ICETransportPolicyRelay
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         buildICEServers(opts.Servers, opts.ICE),
		ICETransportPolicy: iceTransportPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &PlayerPeer{
		pc:       pc,
		sched:    opts.Scheduler,
		log:      opts.LoggerFactory.NewLogger("player"),
		cb:       opts.Callbacks,
		connType: "unknown",
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || p.cb.OnICECandidate == nil {
			return
		}
		init := candidate.ToJSON()
		p.sched.Post(func() { p.cb.OnICECandidate(init) })
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Infof("Peer connection state: %s", state.String())
		connType := "unknown"
		if state == webrtc.PeerConnectionStateConnected {
			connType = detectConnectionType(pc.GetStats())
		}
		p.sched.Post(func() {
			if state == webrtc.PeerConnectionStateConnected {
				p.connType = connType
			}
			if p.cb.OnStateChange != nil {
				p.cb.OnStateChange(state.String(), p.connType)
			}
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := track.Kind().String()
		p.log.Infof("Receiving %s track (%s)", kind, track.Codec().MimeType)
		if p.cb.OnTrack != nil {
			p.sched.Post(func() { p.cb.OnTrack(kind) })
		}
		// Nothing renders the media; read it so the receive buffers drain and
		// statistics keep counting.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.log.Infof("Streamer opened data channel %q", dc.Label())
		p.adopt(dc, true)
	})

	return p, nil
}

// adopt wires a data channel. Send channels become the outbound sink;
// receive channels deliver messages.
func (p *PlayerPeer) adopt(dc *webrtc.DataChannel, sends bool) {
	dc.OnOpen(func() {
		p.log.Infof("Data channel %q open", dc.Label())
		if !sends {
			return
		}
		p.mu.Lock()
		p.send = dc
		p.mu.Unlock()
		if p.cb.OnDataChannelOpen != nil {
			p.sched.Post(func() { p.cb.OnDataChannelOpen(channel{dc: dc}) })
		}
	})
	dc.OnClose(func() {
		p.log.Infof("Data channel %q closed", dc.Label())
		if !sends {
			return
		}
		p.mu.Lock()
		if p.send == dc {
			p.send = nil
		}
		p.mu.Unlock()
		if p.cb.OnDataChannelClose != nil {
			p.sched.Post(p.cb.OnDataChannelClose)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if p.cb.OnMessage == nil {
			return
		}
		data := msg.Data
		p.sched.Post(func() { p.cb.OnMessage(data) })
	})
}

func recvOnly() webrtc.RTPTransceiverInit {
	return webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
}

// CreateOffer makes the player the offerer. Candidates trickle out through
// OnICECandidate after this returns.
func (p *PlayerPeer) CreateOffer() (string, error) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := p.pc.AddTransceiverFromKind(kind, recvOnly()); err != nil {
			return "", fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}

	ordered := true
	dc, err := p.pc.CreateDataChannel("cirrus", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return "", fmt.Errorf("failed to create data channel: %w", err)
	}
	p.adopt(dc, true)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

// ReceiveOffer answers a streamer offer.
func (p *PlayerPeer) ReceiveOffer(sdp string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}
	p.flushCandidates()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

// ReceiveAnswer completes an offer made with CreateOffer.
func (p *PlayerPeer) ReceiveAnswer(sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	p.flushCandidates()
	return nil
}

// AddICECandidate applies a remote candidate, holding it until the remote
// description is known.
func (p *PlayerPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	if p.pc.RemoteDescription() == nil {
		p.pending = append(p.pending, c)
		return nil
	}
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

func (p *PlayerPeer) flushCandidates() {
	for _, c := range p.pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.log.Warnf("Dropping buffered ICE candidate: %v", err)
		}
	}
	p.pending = nil
}

// ReceiveSFUPeerDataChannels creates the pre-negotiated channels a
// forwarding unit announces. Distinct ids mean separate send and receive
// channels; the receive channel opening completes the handshake.
func (p *PlayerPeer) ReceiveSFUPeerDataChannels(sendID, recvID int) error {
	ordered, negotiated := true, true
	open := func(label string, id int) (*webrtc.DataChannel, error) {
		sid := uint16(id)
		return p.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
			Ordered:    &ordered,
			Negotiated: &negotiated,
			ID:         &sid,
		})
	}

	if sendID == recvID {
		dc, err := open("datachannel", sendID)
		if err != nil {
			return fmt.Errorf("failed to create data channel: %w", err)
		}
		p.adopt(dc, true)
		return nil
	}

	send, err := open("send-datachannel", sendID)
	if err != nil {
		return fmt.Errorf("failed to create send data channel: %w", err)
	}
	p.adopt(send, true)

	recv, err := open("recv-datachannel", recvID)
	if err != nil {
		return fmt.Errorf("failed to create receive data channel: %w", err)
	}
	p.adopt(recv, false)
	recv.OnOpen(func() {
		p.log.Info("Forwarding unit receive channel open")
		if p.cb.OnDataChannelsReady != nil {
			p.sched.Post(p.cb.OnDataChannelsReady)
		}
	})
	return nil
}

// Send writes to the open send channel.
func (p *PlayerPeer) Send(data []byte) error {
	p.mu.Lock()
	dc := p.send
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNoDataChannel
	}
	return dc.Send(data)
}

// AggregateStats reads the current statistics and derives rates from the
// previous call.
func (p *PlayerPeer) AggregateStats(now time.Time) AggregatedStats {
	report := p.pc.GetStats()
	s := AggregatedStats{Timestamp: now, ConnectionType: detectConnectionType(report)}
	if p.haveLast {
		s.TimestampStart = p.last.TimestampStart
	} else {
		s.TimestampStart = now
	}

	for _, stat := range report {
		switch st := stat.(type) {
		case webrtc.InboundRTPStreamStats:
			if st.Kind == "audio" {
				s.AudioBytesReceived += st.BytesReceived
				continue
			}
			s.BytesReceived += st.BytesReceived
			s.PacketsReceived += st.PacketsReceived
			s.PacketsLost += st.PacketsLost
			s.FramesDecoded += st.FramesDecoded
			s.Jitter = st.Jitter
		case webrtc.ICECandidatePairStats:
			if st.State == webrtc.StatsICECandidatePairStateSucceeded && st.CurrentRoundTripTime > 0 {
				s.CurrentRoundTripTime = st.CurrentRoundTripTime
			}
		}
	}

	if p.haveLast {
		if secs := now.Sub(p.last.Timestamp).Seconds(); secs > 0 {
			s.Bitrate = float64(s.BytesReceived-min(s.BytesReceived, p.last.BytesReceived)) * 8 / 1000 / secs
			s.AudioBitrate = float64(s.AudioBytesReceived-min(s.AudioBytesReceived, p.last.AudioBytesReceived)) * 8 / 1000 / secs
			s.Framerate = float64(s.FramesDecoded-min(s.FramesDecoded, p.last.FramesDecoded)) / secs
		}
	}
	p.last = s
	p.haveLast = true
	return s
}

// detectConnectionType checks if connection is direct or relayed
func detectConnectionType(stats webrtc.StatsReport) string {
	for _, stat := range stats {
		if candidatePair, ok := stat.(webrtc.ICECandidatePairStats); ok {
			if candidatePair.State == webrtc.StatsICECandidatePairStateSucceeded {
				for _, s := range stats {
					if localCandidate, ok := s.(webrtc.ICECandidateStats); ok {
						if localCandidate.ID == candidatePair.LocalCandidateID {
							switch localCandidate.CandidateType {
							case webrtc.ICECandidateTypeRelay:
								return "relay"
							case webrtc.ICECandidateTypeHost:
								return "direct"
							case webrtc.ICECandidateTypeSrflx, webrtc.ICECandidateTypePrflx:
								return "direct"
							}
						}
					}
				}
			}
		}
	}
	return "unknown"
}

// Close tears down the peer connection.
func (p *PlayerPeer) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.mu.Lock()
	p.send = nil
	p.mu.Unlock()
	return p.pc.Close()
}
