package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	"github.com/tomaslejdung/pixelpeep/pkg/eventloop"
	"github.com/tomaslejdung/pixelpeep/pkg/metrics"
	"github.com/tomaslejdung/pixelpeep/pkg/quantize"
	"github.com/tomaslejdung/pixelpeep/pkg/settings"
	"github.com/tomaslejdung/pixelpeep/pkg/signal"
)

const (
	loopQueue      = 256
	statsInterval  = time.Second
	reportInterval = 5 * time.Minute
)

// PlayerOptions configures a Player.
type PlayerOptions struct {
	Config        Config
	Settings      settings.UserSettings
	LoggerFactory logging.LoggerFactory
	Metrics       *metrics.Metrics
	Downloads     *Downloads
	// Emit receives every event after the player has handled it. It runs
	// on the loop and must not block.
	Emit func(any)

	// Scheduler replaces the real loop in tests. Run is unavailable then.
	Scheduler eventloop.Scheduler
	Dialer    signal.Dialer
	Now       func() time.Time
}

// Player ties the signalling session, the peer connection and the protocol
// engine together on one event loop.
type Player struct {
	loop    *eventloop.Loop
	sched   eventloop.Scheduler
	session *signal.Session
	engine  *Engine
	peer    *PlayerPeer
	peerGen int

	cfg       Config
	prefs     settings.UserSettings
	lf        logging.LoggerFactory
	metrics   *metrics.Metrics
	downloads *Downloads
	emit      func(any)
	now       func() time.Time

	statsTimer  *eventloop.Timer
	reportTimer *eventloop.Timer
	lastStats   AggregatedStats
	videoSize   [2]int
}

func NewPlayer(opts PlayerOptions) *Player {
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if opts.Emit == nil {
		opts.Emit = func(any) {}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Downloads == nil {
		opts.Downloads = NewDownloads(opts.Config.Downloads)
	}

	p := &Player{
		sched:     opts.Scheduler,
		cfg:       opts.Config,
		prefs:     opts.Settings,
		lf:        opts.LoggerFactory,
		metrics:   opts.Metrics,
		downloads: opts.Downloads,
		emit:      opts.Emit,
		now:       opts.Now,
	}
	if p.sched == nil {
		p.loop = eventloop.New(loopQueue)
		p.sched = p.loop
	}
	p.statsTimer = eventloop.NewTimer(p.sched)
	p.reportTimer = eventloop.NewTimer(p.sched)

	p.engine = NewEngine(EngineOptions{
		Scheduler:     p.sched,
		LoggerFactory: p.lf,
		Metrics:       p.metrics,
		Emit:          p.publish,
		Now:           p.now,
		Input: InputOptions{
			ControlScheme:        p.prefs.ControlScheme,
			FakeMouseWithTouches: p.cfg.FakeMouseTouch,
			SuppressBrowserKeys:  true,
		},
		AFK: AFKOptions{
			Enabled:      p.cfg.AFK,
			WarnTimeout:  p.cfg.AFKWarn,
			CloseTimeout: p.cfg.AFKClose,
		},
		OnAFKTimeout: func() { p.session.Close() },
	})
	p.engine.SetMatchViewport(p.prefs.MatchViewport)
	p.resize()

	p.session = signal.NewSession(signal.Options{
		URL:           p.cfg.SignalURL,
		Dialer:        opts.Dialer,
		Scheduler:     p.sched,
		LoggerFactory: p.lf,
		Metrics:       p.metrics,
		Callbacks: signal.Callbacks{
			OnStateChange:      func(s signal.State) { p.publish(SignalStateEvent{State: s}) },
			OnConfig:           p.onConfig,
			OnOffer:            p.onOffer,
			OnAnswer:           p.onAnswer,
			OnICECandidate:     p.onRemoteCandidate,
			OnPlayerCount:      func(n int) { p.publish(PlayerCountEvent{Count: n}) },
			OnWarning:          func(w string) { p.publish(WarningEvent{Warning: w}) },
			OnPeerDataChannels: p.onPeerDataChannels,
			OnClose:            p.teardownPeer,
			OnDisconnect:       func(reason string) { p.publish(DisconnectedEvent{Reason: reason}) },
		},
	})
	return p
}

func (p *Player) Engine() *Engine          { return p.engine }
func (p *Player) Session() *signal.Session { return p.session }

// Post runs fn on the loop. It is safe from any goroutine.
func (p *Player) Post(fn func()) {
	p.sched.Post(fn)
}

// Run connects and processes events until ctx is done.
func (p *Player) Run(ctx context.Context) error {
	if p.loop == nil {
		return errors.New("player has no event loop")
	}
	p.loop.Post(p.session.Connect)
	err := p.loop.Run(ctx)

	// The loop has stopped, so nothing else touches the session now.
	p.session.Shutdown()
	p.teardownPeer()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// resize maps input against the configured viewport and the last known
// video size.
func (p *Player) resize() {
	vw, vh := p.videoSize[0], p.videoSize[1]
	if vw == 0 || vh == 0 {
		vw, vh = p.cfg.ViewportWidth, p.cfg.ViewportHeight
	}
	if err := p.engine.Resize(quantize.Geometry{
		PlayerWidth:  float64(p.cfg.ViewportWidth),
		PlayerHeight: float64(p.cfg.ViewportHeight),
		VideoWidth:   float64(vw),
		VideoHeight:  float64(vh),
	}); err != nil {
		log.Printf("Resize failed: %v", err)
	}
}

// publish handles the events that need the player's collaborators and
// forwards everything to the UI.
func (p *Player) publish(ev any) {
	switch e := ev.(type) {
	case FreezeFrameEvent:
		path, w, h, err := p.downloads.SaveFreezeFrame(e.Image)
		if w > 0 && h > 0 {
			p.engine.SetFreezeFrameDimensions(w, h)
			p.videoSize = [2]int{w, h}
			p.resize()
		}
		if err != nil {
			log.Printf("Freeze frame: %v", err)
		} else {
			p.emit(SavedEvent{Kind: "freeze_frame", Path: path, Width: w, Height: h})
		}
	case FileEvent:
		path, err := p.downloads.SaveFile(e.File)
		if err != nil {
			log.Printf("File transfer: %v", err)
		} else {
			p.emit(SavedEvent{Kind: "file", Path: path})
		}
	case QualityOwnershipEvent:
		if e.Owner {
			p.applyPresets()
		}
	case InitialSettingsEvent:
		if w := e.Settings.WebRTC; w != nil {
			if i := QualityIndexForBitrate(w.MaxBitrate); i >= 0 {
				p.prefs.Quality = i
			}
			if i, ok := FPSIndex(w.FPS); ok {
				p.prefs.FPS = i
			}
		}
	}
	p.emit(ev)
}

// applyPresets sends the selected quality and framerate to the streamer.
func (p *Player) applyPresets() {
	params := QualityPresets[clampIndex(p.prefs.Quality, len(QualityPresets))].WebRTCParams()
	params.FPS = FPSPresets[clampIndex(p.prefs.FPS, len(FPSPresets))].Value
	if err := p.engine.SetWebRTCParams(params); err != nil {
		log.Printf("Failed to apply presets: %v", err)
	}
}

func (p *Player) setupPeer(servers []signal.ICEServer) error {
	p.teardownPeer()
	peer, err := NewPlayerPeer(PeerOptions{
		ICE:           p.cfg.ICE,
		Servers:       servers,
		LoggerFactory: p.lf,
		Scheduler:     p.sched,
		Callbacks:     p.peerCallbacks(),
	})
	if err != nil {
		return err
	}
	p.peer = peer
	return nil
}

// peerCallbacks returns callbacks bound to the current peer generation.
// Callbacks from a connection that has since been torn down are dropped, so
// a late close from the old data channel cannot detach the new one.
func (p *Player) peerCallbacks() PeerCallbacks {
	gen := p.peerGen
	current := func() bool {
		if gen != p.peerGen {
			log.Printf("Ignoring callback from stale peer connection")
			return false
		}
		return true
	}
	return PeerCallbacks{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			if !current() {
				return
			}
			if err := p.session.SendICECandidate(c); err != nil {
				log.Printf("Failed to send ICE candidate: %v", err)
			}
		},
		OnStateChange: func(state, connType string) {
			if current() {
				p.publish(PeerStateEvent{State: state, ConnectionType: connType})
			}
		},
		OnDataChannelOpen: func(sink FrameSender) {
			if current() {
				p.onDataChannelOpen(sink)
			}
		},
		OnDataChannelClose: func() {
			if current() {
				p.engine.Detach()
			}
		},
		OnMessage: func(data []byte) {
			if current() {
				p.engine.HandleFrame(data)
			}
		},
		OnDataChannelsReady: func() {
			if !current() {
				return
			}
			if err := p.session.SendDataChannelsReady(); err != nil {
				log.Printf("Failed to send data channels ready: %v", err)
			}
		},
		OnTrack: func(kind string) {
			if current() {
				log.Printf("Receiving %s", kind)
			}
		},
	}
}

func (p *Player) teardownPeer() {
	p.peerGen++
	p.statsTimer.Stop()
	p.reportTimer.Stop()
	p.engine.Detach()
	if p.peer == nil {
		return
	}
	if err := p.peer.Close(); err != nil {
		log.Printf("Failed to close peer connection: %v", err)
	}
	p.peer = nil
}

func (p *Player) onConfig(msg signal.Message) {
	opts, err := signal.ParsePeerConnectionOptions(msg.PeerConnectionOptions)
	if err != nil {
		log.Printf("Bad peerConnectionOptions, using defaults: %v", err)
	}
	if err := p.setupPeer(opts.ICEServers); err != nil {
		log.Printf("Failed to set up peer connection: %v", err)
		return
	}
	if !p.cfg.Offer {
		return
	}
	sdp, err := p.peer.CreateOffer()
	if err != nil {
		log.Printf("Failed to create offer: %v", err)
		return
	}
	if err := p.session.SendOffer(sdp); err != nil {
		log.Printf("Failed to send offer: %v", err)
	}
}

func (p *Player) onOffer(sdp string) {
	if p.peer == nil {
		if err := p.setupPeer(nil); err != nil {
			log.Printf("Failed to set up peer connection: %v", err)
			return
		}
	}
	answer, err := p.peer.ReceiveOffer(sdp)
	if err != nil {
		log.Printf("Failed to answer offer: %v", err)
		return
	}
	if err := p.session.SendAnswer(answer); err != nil {
		log.Printf("Failed to send answer: %v", err)
		return
	}
	p.startStats()
}

func (p *Player) onAnswer(sdp string) {
	if p.peer == nil {
		log.Printf("Ignoring answer: %v", ErrNoPeer)
		return
	}
	if err := p.peer.ReceiveAnswer(sdp); err != nil {
		log.Printf("Failed to apply answer: %v", err)
		return
	}
	p.startStats()
}

func (p *Player) onRemoteCandidate(c webrtc.ICECandidateInit) {
	if p.peer == nil {
		return
	}
	if err := p.peer.AddICECandidate(c); err != nil {
		log.Printf("%v", err)
	}
}

func (p *Player) onPeerDataChannels(sendID, recvID int) {
	if p.peer == nil {
		log.Printf("Ignoring peerDataChannels: %v", ErrNoPeer)
		return
	}
	if err := p.peer.ReceiveSFUPeerDataChannels(sendID, recvID); err != nil {
		log.Printf("%v", err)
	}
}

func (p *Player) onDataChannelOpen(sink FrameSender) {
	p.engine.Attach(sink)
	if err := p.engine.RequestInitialSettings(); err != nil {
		log.Printf("%v", err)
	}
	if err := p.engine.RequestQualityControl(); err != nil {
		log.Printf("%v", err)
	}
	p.engine.MatchViewportResolution()
}

func (p *Player) startStats() {
	p.statsTimer.Reset(statsInterval, p.collectStats)
	p.reportTimer.Reset(reportInterval, p.reportStats)
}

func (p *Player) collectStats() {
	if p.peer == nil {
		return
	}
	p.lastStats = p.peer.AggregateStats(p.now())
	p.publish(StatsEvent{Stats: p.lastStats, At: p.lastStats.Timestamp})
	p.statsTimer.Reset(statsInterval, p.collectStats)
}

func (p *Player) reportStats() {
	if err := p.session.SendStats(p.lastStats); err != nil {
		log.Printf("Failed to send stats: %v", err)
	}
	p.reportTimer.Reset(reportInterval, p.reportStats)
}

// The methods below are for the UI. They post to the loop and log failures.

func (p *Player) do(what string, fn func() error) {
	p.Post(func() {
		if err := fn(); err != nil {
			log.Printf("%s: %v", what, err)
			p.emit(WarningEvent{Warning: what + ": " + err.Error()})
		}
	})
}

func (p *Player) RequestKeyFrame() {
	p.do("Key frame request", p.engine.RequestKeyFrame)
}

func (p *Player) StartLatencyTest() {
	p.do("Latency test", p.engine.StartLatencyTest)
}

func (p *Player) RequestQualityControl() {
	p.do("Quality control request", p.engine.RequestQualityControl)
}

func (p *Player) ShowFPS() {
	p.do("Show FPS", p.engine.ShowFPS)
}

func (p *Player) Restart() {
	p.Post(p.session.Restart)
}

func (p *Player) ContinueAFK() {
	p.Post(p.engine.AFK().Continue)
}

// SetPresets selects quality and framerate presets by index.
func (p *Player) SetPresets(quality, fps int) {
	p.Post(func() {
		p.prefs.Quality = clampIndex(quality, len(QualityPresets))
		p.prefs.FPS = clampIndex(fps, len(FPSPresets))
		if p.engine.Attached() {
			p.applyPresets()
		}
	})
}

func (p *Player) SetMatchViewport(on bool) {
	p.Post(func() {
		p.prefs.MatchViewport = on
		p.engine.SetMatchViewport(on)
	})
}
