package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tomaslejdung/pixelpeep/pkg/settings"
)

// DefaultSignalURL is the local relay started with --serve
const DefaultSignalURL = "ws://localhost:8080"

// DefaultViewport is the player size used to map input when none is given
const DefaultViewport = "1920x1080"

// Config holds runtime configuration
type Config struct {
	SignalURL string
	ServeMode bool
	Port      int
	Help      bool

	// TURN server configuration
	ICE ICEConfig

	Offer          bool // create the offer instead of waiting for the streamer's
	Hovering       bool
	FakeMouseTouch bool
	Quality        string
	FPS            int

	AFK      bool
	AFKWarn  time.Duration
	AFKClose int

	Downloads   string
	MetricsAddr string
	Headless    bool

	ViewportWidth  int
	ViewportHeight int
}

// loadEnv reads .env into the environment. A missing file is fine.
func loadEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseViewport parses WxH.
func parseViewport(s string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid viewport %q, want WxH", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("invalid viewport width %q", w)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("invalid viewport height %q", h)
	}
	return width, height, nil
}

func parseFlags(args []string) (Config, error) {
	config := Config{}
	flags := flag.NewFlagSet("pixelpeep", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	var viewport string

	flags.StringVar(&config.SignalURL, "url", envOr("PIXELPEEP_URL", DefaultSignalURL), "Signalling server URL")
	flags.StringVar(&config.SignalURL, "u", envOr("PIXELPEEP_URL", DefaultSignalURL), "Signalling server URL (shorthand)")

	flags.BoolVar(&config.ServeMode, "serve", false, "Run as signalling relay only")
	flags.BoolVar(&config.ServeMode, "s", false, "Run as signalling relay only (shorthand)")

	flags.IntVar(&config.Port, "port", 8080, "Relay port")
	flags.IntVar(&config.Port, "p", 8080, "Relay port (shorthand)")

	// TURN server flags
	flags.StringVar(&config.ICE.TURNServer, "turn", os.Getenv("PIXELPEEP_TURN"), "TURN server URL (e.g., turn:turn.example.com:3478)")
	flags.StringVar(&config.ICE.TURNUser, "turn-user", os.Getenv("PIXELPEEP_TURN_USER"), "TURN server username")
	flags.StringVar(&config.ICE.TURNPass, "turn-pass", os.Getenv("PIXELPEEP_TURN_PASS"), "TURN server password")
	flags.BoolVar(&config.ICE.ForceRelay, "force-relay", false, "Force TURN relay (disable direct P2P)")

	flags.BoolVar(&config.Offer, "offer", true, "Create the WebRTC offer (false waits for the streamer)")
	flags.BoolVar(&config.Hovering, "hovering", false, "Use the hovering mouse control scheme")
	flags.BoolVar(&config.FakeMouseTouch, "fake-mouse-touch", false, "Send single touches as mouse input")
	flags.StringVar(&config.Quality, "quality", "", "Quality preset (low|med|hi|ultra|extreme|insane|max)")
	flags.IntVar(&config.FPS, "fps", 0, "Target framerate")

	flags.BoolVar(&config.AFK, "afk", false, "Disconnect after a period of inactivity")
	flags.DurationVar(&config.AFKWarn, "afk-warn", defaultAFKWarnTimeout, "Inactivity before the AFK warning")
	flags.IntVar(&config.AFKClose, "afk-close", defaultAFKCloseTimeout, "AFK countdown in seconds")

	flags.StringVar(&config.Downloads, "downloads", "downloads", "Directory for received files")
	flags.StringVar(&config.MetricsAddr, "metrics", "", "Serve Prometheus metrics on this address (e.g., :9090)")
	flags.BoolVar(&config.Headless, "headless", false, "Log events instead of running the TUI")
	flags.StringVar(&viewport, "viewport", DefaultViewport, "Player size used for input mapping (WxH)")

	flags.BoolVar(&config.Help, "help", false, "Show help")
	flags.BoolVar(&config.Help, "h", false, "Show help (shorthand)")

	if err := flags.Parse(args); err != nil {
		return config, err
	}
	if config.Help || config.ServeMode {
		return config, nil
	}

	var err error
	config.ViewportWidth, config.ViewportHeight, err = parseViewport(viewport)
	if err != nil {
		return config, err
	}
	if config.Quality != "" && QualityByName(config.Quality) == nil {
		return config, fmt.Errorf("unknown quality preset %q", config.Quality)
	}
	if _, ok := FPSIndex(config.FPS); config.FPS != 0 && !ok {
		return config, fmt.Errorf("unsupported framerate %d", config.FPS)
	}
	if config.AFKClose <= 0 {
		return config, fmt.Errorf("--afk-close must be positive")
	}
	return config, nil
}

// settingsLimits bounds the persisted preset indices to the tables here.
func settingsLimits() settings.Limits {
	return settings.Limits{
		QualityPresets: len(QualityPresets),
		FPSPresets:     len(FPSPresets),
		DefaultQuality: DefaultQualityIndex(),
		DefaultFPS:     DefaultFPSIndex(),
	}
}

// applyFlags lets explicit flags override the saved preferences.
func applyFlags(s settings.UserSettings, config Config) settings.UserSettings {
	if p := QualityByName(config.Quality); p != nil {
		for i := range QualityPresets {
			if QualityPresets[i].Name == p.Name {
				s.Quality = i
			}
		}
	}
	if config.FPS != 0 {
		s.FPS, _ = FPSIndex(config.FPS)
	}
	if config.Hovering {
		s.ControlScheme = settings.SchemeHovering
	}
	return s
}

func printHelp() {
	fmt.Println(`PixelPeep - Pixel Streaming player for the terminal

Usage: pixelpeep [options]

By default, PixelPeep connects to the signalling server at:
  ` + DefaultSignalURL + `

Options:
  --url, -u <url>        Signalling server URL (env PIXELPEEP_URL)
  --serve, -s            Run as signalling relay only
  --port, -p <port>      Relay port (default: 8080)
  --offer                Create the WebRTC offer (default: true)
  --quality <preset>     Quality: low, medium, high, ultra, extreme, insane, max
  --fps <rate>           Target framerate: 15, 24, 30, 60, 120
  --hovering             Hovering mouse instead of locked mouse
  --fake-mouse-touch     Send single touches as mouse input
  --viewport <WxH>       Player size for input mapping (default: ` + DefaultViewport + `)
  --downloads <dir>      Where received files are saved (default: downloads)
  --metrics <addr>       Serve Prometheus metrics (e.g., :9090)
  --headless             Log events instead of running the TUI
  --help, -h             Show help

Inactivity:
  --afk                  Disconnect idle users
  --afk-warn <duration>  Inactivity before the warning (default: 2m0s)
  --afk-close <seconds>  Countdown before disconnecting (default: 10)

Network Options:
  --turn <url>           TURN server URL (env PIXELPEEP_TURN)
  --turn-user <user>     TURN server username (env PIXELPEEP_TURN_USER)
  --turn-pass <pass>     TURN server password (env PIXELPEEP_TURN_PASS)
  --force-relay          Force TURN relay (disable direct P2P connections)

Examples:
  pixelpeep --serve                          # Run a local relay
  pixelpeep -u ws://streamer.local:80        # Connect to a streamer
  pixelpeep --headless --metrics :9090       # No TUI, export metrics

TUI Controls:
  k             Request key frame
  l             Run latency test
  r             Restart signalling
  c             Request quality control
  f             Toggle streamer FPS display
  1-7           Quick-select quality preset
  [ / ]         Lower / raise framerate
  i             Toggle stats panel
  v             Toggle viewport resolution matching
  q             Quit`)
}
