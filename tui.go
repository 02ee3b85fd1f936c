package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pion/logging"
	"github.com/tomaslejdung/pixelpeep/pkg/metrics"
	"github.com/tomaslejdung/pixelpeep/pkg/settings"
	"github.com/tomaslejdung/pixelpeep/pkg/signal"
)

const (
	debugLogFile = "pixelpeep-debug.log"
	maxLogLines  = 8
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")).
			Bold(true)

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("7"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	urlStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("13")).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	keySepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	toggleActiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("10"))

	toggleInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("8"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)

	alertBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("11")).
			Padding(0, 1)

	boxTitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)
)

// Messages
type tickMsg time.Time

// eventMsg carries a player event into the program.
type eventMsg struct{ ev any }

// Model
type model struct {
	config  Config
	player  *Player
	manager *settings.Manager
	prefs   settings.UserSettings

	signalState  signal.State
	playerCount  int
	peerState    string
	connType     string
	channelOpen  bool
	qualityOwner bool
	inputOwner   *bool
	qp           float64
	quality      EncodingQuality
	stats        *AggregatedStats
	latency      *LatencySample
	afkRemaining int
	frozen       bool
	streamerRes  string

	events    []string
	lastError string
	startTime time.Time
	width     int
	height    int
}

func initialModel(config Config, player *Player, manager *settings.Manager, prefs settings.UserSettings) model {
	return model{
		config:    config,
		player:    player,
		manager:   manager,
		prefs:     prefs,
		peerState: "new",
		connType:  "unknown",
		startTime: time.Now(),
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.SetWindowTitle("PixelPeep"),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, tickCmd()

	case eventMsg:
		return m.handleEvent(msg.ev), nil
	}

	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	if key == "q" || key == "ctrl+c" {
		m.savePrefs()
		return m, tea.Quit
	}

	// Any key counts as activity during the AFK countdown.
	if m.afkRemaining > 0 {
		m.player.ContinueAFK()
		return m, nil
	}

	switch key {
	case "k":
		m.player.RequestKeyFrame()
	case "l":
		m.player.StartLatencyTest()
	case "r":
		m.log("Restarting signalling")
		m.player.Restart()
	case "c":
		m.player.RequestQualityControl()
	case "f":
		m.player.ShowFPS()

	case "1", "2", "3", "4", "5", "6", "7":
		idx := int(key[0] - '1')
		if idx < len(QualityPresets) {
			m.prefs.Quality = idx
			m.player.SetPresets(m.prefs.Quality, m.prefs.FPS)
			m.log(fmt.Sprintf("Quality: %s (%s)", QualityPresets[idx].Name, QualityPresets[idx].Description))
			m.savePrefs()
		}

	case "[", "]":
		delta := 1
		if key == "[" {
			delta = -1
		}
		next := clampIndex(m.prefs.FPS+delta, len(FPSPresets))
		if next != m.prefs.FPS {
			m.prefs.FPS = next
			m.player.SetPresets(m.prefs.Quality, m.prefs.FPS)
			m.log(fmt.Sprintf("Framerate: %d fps", FPSPresets[next].Value))
			m.savePrefs()
		}

	case "i":
		m.prefs.ShowStats = !m.prefs.ShowStats
		m.savePrefs()

	case "v":
		m.prefs.MatchViewport = !m.prefs.MatchViewport
		m.player.SetMatchViewport(m.prefs.MatchViewport)
		m.savePrefs()
	}

	return m, nil
}

func (m *model) savePrefs() {
	if m.manager == nil {
		return
	}
	if err := m.manager.Save(m.prefs); err != nil {
		log.Printf("Failed to save settings: %v", err)
	}
}

// log appends a line to the event panel.
func (m *model) log(line string) {
	m.events = append(m.events, time.Now().Format("15:04:05")+" "+line)
	if len(m.events) > maxLogLines {
		m.events = m.events[len(m.events)-maxLogLines:]
	}
}

func (m model) handleEvent(ev any) model {
	switch ev := ev.(type) {
	case SignalStateEvent:
		m.signalState = ev.State
		if ev.State == signal.Open {
			m.lastError = ""
		}
	case PlayerCountEvent:
		m.playerCount = ev.Count
	case DisconnectedEvent:
		m.lastError = ev.Reason
		m.channelOpen = false
		m.log("Disconnected: " + ev.Reason)
	case WarningEvent:
		m.log("Warning: " + ev.Warning)
	case PeerStateEvent:
		m.peerState = ev.State
		if ev.ConnectionType != "" {
			m.connType = ev.ConnectionType
		}
	case DataChannelEvent:
		m.channelOpen = ev.Open
		if ev.Open {
			m.log("Data channel open")
		} else {
			m.qualityOwner = false
			m.inputOwner = nil
		}
	case QualityOwnershipEvent:
		if ev.Owner != m.qualityOwner {
			m.log(fmt.Sprintf("Quality control: %s", ownerLabel(ev.Owner)))
		}
		m.qualityOwner = ev.Owner
	case InputOwnershipEvent:
		owner := ev.Owner
		m.inputOwner = &owner
	case ResponseEvent:
		m.log("Response: " + truncate(ev.Text, 60))
	case CommandEvent:
		m.log(fmt.Sprintf("Command: %v", ev.Command))
	case OnScreenKeyboardEvent:
		if ev.Show {
			m.log(fmt.Sprintf("On-screen keyboard at %.0f,%.0f", ev.X, ev.Y))
		}
	case FreezeFrameEvent:
		m.frozen = true
	case UnfreezeFrameEvent:
		m.frozen = false
	case EncoderQPEvent:
		m.qp = ev.QP
		m.quality = ev.Quality
	case LatencyEvent:
		sample := ev.Sample
		m.latency = &sample
	case InitialSettingsEvent:
		if ev.Settings.Encoder != nil || ev.Settings.WebRTC != nil {
			m.log("Received initial settings")
		}
	case TransferSupersededEvent:
		m.log(fmt.Sprintf("Dropped incomplete %s transfer", strings.ReplaceAll(ev.Kind, "_", " ")))
	case TransferErrorEvent:
		m.log(fmt.Sprintf("Transfer error (%s): %v", ev.Kind, ev.Err))
	case ProtocolUpdateEvent:
		m.log(fmt.Sprintf("Protocol updated: %d messages", len(ev.Result.Admitted)))
	case AFKWarningEvent:
		m.afkRemaining = ev.Remaining
	case AFKResumedEvent:
		m.afkRemaining = 0
	case AFKTimeoutEvent:
		m.afkRemaining = 0
		m.log("Disconnected for inactivity")
	case StatsEvent:
		stats := ev.Stats
		m.stats = &stats
	case SavedEvent:
		if ev.Kind == "freeze_frame" {
			m.streamerRes = fmt.Sprintf("%dx%d", ev.Width, ev.Height)
		}
		m.log(fmt.Sprintf("Saved %s to %s", strings.ReplaceAll(ev.Kind, "_", " "), ev.Path))
	}
	return m
}

func ownerLabel(owner bool) string {
	if owner {
		return "yours"
	}
	return "another player"
}

func (m model) View() string {
	var b strings.Builder

	// Title
	b.WriteString(titleStyle.Render("PixelPeep"))
	b.WriteString(dimStyle.Render(" - Pixel Streaming Player"))
	b.WriteString("\n\n")

	b.WriteString(m.renderStatus())
	b.WriteString("\n")

	if m.afkRemaining > 0 {
		b.WriteString(alertBoxStyle.Render(warnStyle.Render(fmt.Sprintf(
			"Are you still there? Disconnecting in %d seconds. Press any key to continue.", m.afkRemaining))))
		b.WriteString("\n")
	}

	b.WriteString(m.renderPresets())
	b.WriteString("\n")

	if m.prefs.ShowStats {
		b.WriteString(m.renderStats())
		b.WriteString("\n")
	}

	if m.latency != nil {
		b.WriteString(m.renderLatency())
		b.WriteString("\n")
	}

	if len(m.events) > 0 {
		b.WriteString(m.renderEvents())
		b.WriteString("\n")
	}

	if m.lastError != "" {
		b.WriteString(errorStyle.Render("Error: " + m.lastError))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.renderHelp())

	return b.String()
}

func (m model) renderStatus() string {
	var b strings.Builder

	b.WriteString(statusStyle.Render("Server: "))
	b.WriteString(urlStyle.Render(m.config.SignalURL))
	b.WriteString(dimStyle.Render(" (" + m.signalState.String() + ")"))
	if m.playerCount > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf(" - %d player(s)", m.playerCount)))
	}
	b.WriteString("\n")

	b.WriteString(statusStyle.Render("Peer: "))
	switch m.peerState {
	case "connected":
		b.WriteString(selectedStyle.Render("connected"))
		b.WriteString(dimStyle.Render(" (" + m.connType + ")"))
	case "failed", "disconnected":
		b.WriteString(errorStyle.Render(m.peerState))
	default:
		b.WriteString(normalStyle.Render(m.peerState))
	}
	if m.channelOpen {
		b.WriteString(dimStyle.Render(" - data channel open"))
	}
	b.WriteString("\n")

	b.WriteString(statusStyle.Render("Control: "))
	b.WriteString(renderToggle("Q", "quality", m.qualityOwner))
	b.WriteString("   ")
	if m.inputOwner != nil {
		b.WriteString(renderToggle("I", "input", *m.inputOwner))
	} else {
		b.WriteString(toggleInactiveStyle.Render("○ I") + dimStyle.Render(" input"))
	}
	if m.frozen {
		b.WriteString("   ")
		b.WriteString(warnStyle.Render("frozen"))
	}
	b.WriteString("\n")

	b.WriteString(statusStyle.Render("Encoder: "))
	b.WriteString(renderQP(m.qp, m.quality))
	b.WriteString("\n")

	return b.String()
}

// renderQP colours the encoder QP by quality band.
func renderQP(qp float64, q EncodingQuality) string {
	if q == EncodingUnknown {
		return dimStyle.Render("no QP yet")
	}
	text := fmt.Sprintf("QP %.0f (%s)", qp, q)
	switch q {
	case EncodingClear:
		return selectedStyle.Render(text)
	case EncodingBlocky:
		return warnStyle.Render(text)
	default:
		return errorStyle.Render(text)
	}
}

func (m model) renderPresets() string {
	var b strings.Builder
	q := QualityPresets[clampIndex(m.prefs.Quality, len(QualityPresets))]
	fps := FPSPresets[clampIndex(m.prefs.FPS, len(FPSPresets))]

	b.WriteString(dimStyle.Render("--- Quality ---"))
	b.WriteString("\n")
	for i, p := range QualityPresets {
		label := fmt.Sprintf("%d %s", i+1, p.Name)
		if p.Name == q.Name {
			b.WriteString(selectedStyle.Render("[" + label + "]"))
		} else {
			b.WriteString(normalStyle.Render(" " + label + " "))
		}
		b.WriteString(" ")
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("%s, %d fps (%s), %s mouse", q.Description, fps.Value, fps.Description, m.prefs.ControlScheme)))
	if m.streamerRes != "" {
		b.WriteString(dimStyle.Render(", streamer " + m.streamerRes))
	}
	b.WriteString("\n")
	return b.String()
}

func (m model) renderStats() string {
	var lines []string
	lines = append(lines, boxTitleStyle.Render("Stats"))

	if m.stats == nil {
		lines = append(lines, dimStyle.Render("Waiting for media..."))
	} else {
		s := m.stats
		lines = append(lines,
			fmt.Sprintf("Video:   %s  %s fps  %s decoded",
				formatBitrate(s.Bitrate), formatNumber(int64(s.Framerate)), formatNumber(int64(s.FramesDecoded))),
			fmt.Sprintf("Audio:   %s  %s received",
				formatBitrate(s.AudioBitrate), formatBytes(s.AudioBytesReceived)),
			fmt.Sprintf("Network: %s received  %s packets  %s lost  RTT %.0f ms",
				formatBytes(s.BytesReceived), formatNumber(int64(s.PacketsReceived)), formatNumber(int64(s.PacketsLost)), s.CurrentRoundTripTime*1000),
			fmt.Sprintf("Jitter:  %.1f ms  via %s", s.Jitter*1000, s.ConnectionType),
		)
	}
	lines = append(lines, dimStyle.Render("Uptime:  "+formatDuration(time.Since(m.startTime))))

	return boxStyle.Width(74).Render(strings.Join(lines, "\n"))
}

func (m model) renderLatency() string {
	l := m.latency
	lines := []string{
		boxTitleStyle.Render("Latency"),
		fmt.Sprintf("Network: %.1f ms  Streamer: %.1f ms", l.NetworkLatencyMs, l.StreamerDurationMs),
		fmt.Sprintf("Encode:  %s  Capture to send: %s", formatMillis(l.EncodeMs), formatMillis(l.CaptureToSendMs)),
	}
	return boxStyle.Width(74).Render(strings.Join(lines, "\n"))
}

func (m model) renderEvents() string {
	lines := []string{boxTitleStyle.Render("Events")}
	for _, e := range m.events {
		lines = append(lines, dimStyle.Render(truncate(e, 70)))
	}
	return boxStyle.Width(74).Render(strings.Join(lines, "\n"))
}

func (m model) renderHelp() string {
	var b strings.Builder

	actions := []string{
		keyStyle.Render("k") + helpStyle.Render(" key frame"),
		keyStyle.Render("l") + helpStyle.Render(" latency"),
		keyStyle.Render("c") + helpStyle.Render(" take control"),
		keyStyle.Render("r") + helpStyle.Render(" restart"),
		keyStyle.Render("1-7") + helpStyle.Render(" quality"),
		keyStyle.Render("[ ]") + helpStyle.Render(" fps"),
		keyStyle.Render("q") + helpStyle.Render(" quit"),
	}
	b.WriteString(strings.Join(actions, keySepStyle.Render("  ")))
	b.WriteString("\n")

	toggles := []string{
		renderToggle("i", "stats", m.prefs.ShowStats),
		renderToggle("v", "match viewport", m.prefs.MatchViewport),
		keyStyle.Render("f") + helpStyle.Render(" streamer fps"),
	}
	b.WriteString(strings.Join(toggles, "   "))

	return b.String()
}

func renderToggle(key, label string, active bool) string {
	if active {
		return toggleActiveStyle.Render("● "+key) + helpStyle.Render(" "+label)
	}
	return toggleInactiveStyle.Render("○ "+key) + helpStyle.Render(" "+label)
}

func formatMillis(v Millis) string {
	if !v.Valid {
		return "n/a"
	}
	return fmt.Sprintf("%.1f ms", v.Value)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

func formatNumber(n int64) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// formatBitrate formats a bitrate given in kbps.
func formatBitrate(kbps float64) string {
	if kbps >= 1000 {
		return fmt.Sprintf("%.1f Mbps", kbps/1000)
	}
	return fmt.Sprintf("%.0f kbps", kbps)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// RunTUI runs the player behind the terminal UI until the user quits.
func RunTUI(config Config, manager *settings.Manager, prefs settings.UserSettings, m *metrics.Metrics) error {
	// Redirect logs to a file so they don't mess up the TUI
	logFile, err := os.Create(debugLogFile)
	if err != nil {
		log.SetOutput(io.Discard)
	} else {
		log.SetOutput(logFile)
		defer logFile.Close()
		log.Printf("=== PixelPeep started at %s ===", time.Now().Format(time.RFC3339))
	}
	defer log.SetOutput(os.Stderr)

	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.Writer = log.Writer()

	var program *tea.Program
	player := NewPlayer(PlayerOptions{
		Config:        config,
		Settings:      prefs,
		LoggerFactory: loggerFactory,
		Metrics:       m,
		Emit:          func(ev any) { program.Send(eventMsg{ev: ev}) },
	})
	program = tea.NewProgram(initialModel(config, player, manager, prefs), tea.WithAltScreen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- player.Run(ctx)
	}()

	_, err = program.Run()
	cancel()
	if runErr := <-done; runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Printf("Player stopped: %v", runErr)
	}
	return err
}
