package main

import (
	"context"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/pion/logging"
	"github.com/tomaslejdung/pixelpeep/pkg/metrics"
	"github.com/tomaslejdung/pixelpeep/pkg/settings"
	"github.com/tomaslejdung/pixelpeep/pkg/signal"
)

// Note: TUI mode uses RunTUI() from tui.go

func main() {
	if err := loadEnv(); err != nil {
		log.Printf("Warning: %v", err)
	}

	config, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printHelp()
		os.Exit(2)
	}

	if config.Help {
		printHelp()
		return
	}

	// Server-only mode
	if config.ServeMode {
		runRelay(config)
		return
	}

	var m *metrics.Metrics
	if config.MetricsAddr != "" {
		m = metrics.New()
		go func() {
			if err := m.Serve(config.MetricsAddr); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	manager, err := settings.NewManager(settingsLimits())
	if err != nil {
		log.Printf("Warning: settings will not be saved: %v", err)
	}
	prefs := settings.DefaultSettings(settingsLimits())
	if manager != nil {
		if prefs, err = manager.Load(); err != nil {
			log.Printf("Warning: failed to load settings: %v", err)
		}
	}
	prefs = applyFlags(prefs, config)

	if config.Headless {
		if err := runHeadless(config, prefs, m); err != nil {
			log.Fatalf("Player error: %v", err)
		}
		return
	}

	if err := RunTUI(config, manager, prefs, m); err != nil {
		log.Fatalf("TUI error: %v", err)
	}
}

// runRelay serves signalling for a local streamer and its players.
func runRelay(config Config) {
	var opts signal.PeerConnectionOptions
	if config.ICE.TURNServer != "" {
		opts.ICEServers = append(opts.ICEServers, signal.ICEServer{
			URLs:       []string{config.ICE.TURNServer},
			Username:   config.ICE.TURNUser,
			Credential: config.ICE.TURNPass,
		})
	}
	relay := signal.NewRelay(opts)
	if err := relay.ListenAndServe(fmt.Sprintf(":%d", config.Port)); err != nil {
		log.Fatalf("Relay error: %v", err)
	}
}

// runHeadless runs the player without a UI, logging every event until
// interrupted.
func runHeadless(config Config, prefs settings.UserSettings, m *metrics.Metrics) error {
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	player := NewPlayer(PlayerOptions{
		Config:        config,
		Settings:      prefs,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
		Metrics:       m,
		Emit:          logEvent,
	})
	log.Printf("Connecting to %s", config.SignalURL)
	return player.Run(ctx)
}

func logEvent(ev any) {
	switch ev := ev.(type) {
	case StatsEvent:
		// Once a second is too chatty for the log.
	case AFKWarningEvent:
		log.Printf("AFK: disconnecting in %d seconds", ev.Remaining)
	case SavedEvent:
		log.Printf("Saved %s to %s", ev.Kind, ev.Path)
	case LatencyEvent:
		log.Printf("Latency: network %.1f ms, streamer %.1f ms, encode %s",
			ev.Sample.NetworkLatencyMs, ev.Sample.StreamerDurationMs, formatMillis(ev.Sample.EncodeMs))
	case FreezeFrameEvent, FileEvent:
		// Reported once saved.
	default:
		log.Printf("%T %+v", ev, ev)
	}
}
