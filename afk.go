package main

import (
	"time"

	"github.com/pion/logging"
	"github.com/tomaslejdung/pixelpeep/pkg/eventloop"
)

const (
	defaultAFKWarnTimeout  = 120 * time.Second
	defaultAFKCloseTimeout = 10
	afkTick                = time.Second
)

// AFKOptions configures inactivity detection.
type AFKOptions struct {
	Enabled     bool
	WarnTimeout time.Duration
	// CloseTimeout is the countdown length in seconds.
	CloseTimeout int
}

// AFK warns an idle user and then disconnects them. All methods run on the
// loop.
type AFK struct {
	opts      AFKOptions
	log       logging.LeveledLogger
	emit      func(any)
	onTimeout func()

	active    bool
	warn      *eventloop.Timer
	tick      *eventloop.Timer
	countdown int
}

func NewAFK(sched eventloop.Scheduler, opts AFKOptions, loggerFactory logging.LoggerFactory, emit func(any), onTimeout func()) *AFK {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	if opts.WarnTimeout <= 0 {
		opts.WarnTimeout = defaultAFKWarnTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultAFKCloseTimeout
	}
	if emit == nil {
		emit = func(any) {}
	}
	if onTimeout == nil {
		onTimeout = func() {}
	}
	return &AFK{
		opts:      opts,
		log:       loggerFactory.NewLogger("afk"),
		emit:      emit,
		onTimeout: onTimeout,
		warn:      eventloop.NewTimer(sched),
		tick:      eventloop.NewTimer(sched),
	}
}

func (a *AFK) Options() AFKOptions { return a.opts }

// Start arms the warning timer if detection is enabled.
func (a *AFK) Start() {
	a.active = a.opts.Enabled
	a.Reset()
}

// Stop disarms both timers.
func (a *AFK) Stop() {
	a.active = false
	a.warn.Stop()
	a.tick.Stop()
	a.countdown = 0
}

// Reset restarts the warning timer after user activity. It does not end a
// countdown already shown; only Continue does.
func (a *AFK) Reset() {
	if !a.active {
		return
	}
	a.warn.Reset(a.opts.WarnTimeout, a.expire)
}

// Counting reports whether the disconnect countdown is running.
func (a *AFK) Counting() bool { return a.countdown > 0 }

// Continue dismisses the warning and starts watching again.
func (a *AFK) Continue() {
	if !a.Counting() {
		return
	}
	a.tick.Stop()
	a.countdown = 0
	a.log.Info("User is back, AFK countdown cancelled")
	a.emit(AFKResumedEvent{})
	a.Start()
}

func (a *AFK) expire() {
	a.active = false
	a.countdown = a.opts.CloseTimeout
	a.log.Infof("No activity for %s, disconnecting in %d seconds", a.opts.WarnTimeout, a.countdown)
	a.emit(AFKWarningEvent{Remaining: a.countdown})
	a.tick.Reset(afkTick, a.step)
}

func (a *AFK) step() {
	a.countdown--
	if a.countdown > 0 {
		a.emit(AFKWarningEvent{Remaining: a.countdown})
		a.tick.Reset(afkTick, a.step)
		return
	}
	a.log.Warn("AFK timeout, closing connection")
	a.emit(AFKTimeoutEvent{})
	a.onTimeout()
}
