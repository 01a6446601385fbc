// Package reconnect implements the exponential-backoff-with-jitter
// scheduler the client core uses to re-establish a dropped connection.
// Unlike connwatch's periodic liveness polling, this schedules a single
// timer against one stateful socket generation and never polls.
package reconnect

import (
	"math"
	"math/rand/v2"
	"time"
)

// Reason identifies why a reconnect was scheduled.
type Reason string

const (
	ReasonSocketClose  Reason = "socket_close"
	ReasonSocketError  Reason = "socket_error"
	ReasonConnectError Reason = "connect_error"
	ReasonOpenThrow    Reason = "open_socket_throw"
	ReasonManualClose  Reason = "manual_close"
)

// Config controls backoff timing. Use DefaultConfig as a starting
// point; zero/negative fields are floored to sane minimums by
// normalize, mirroring the teacher corpus's DefaultBackoffConfig shape.
type Config struct {
	// Enabled turns automatic reconnect on or off entirely.
	Enabled bool
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps how large the backoff can grow.
	MaxDelay time.Duration
	// Multiplier scales the delay after each attempt.
	Multiplier float64
	// JitterRatio in [0,1] controls how much random jitter is applied;
	// 0 disables jitter entirely.
	JitterRatio float64
	// ShouldRetry, if set, is consulted before every scheduling attempt
	// and can veto a reconnect for a given context.
	ShouldRetry func(RetryContext) bool
}

// DefaultConfig returns the scheduler defaults from spec §4.3: 500ms
// initial delay, 30s cap, 2x multiplier, 0.2 jitter ratio.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		JitterRatio:  0.2,
	}
}

func (c Config) normalize() Config {
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 1
	}
	if c.JitterRatio < 0 {
		c.JitterRatio = 0
	}
	if c.JitterRatio > 1 {
		c.JitterRatio = 1
	}
	return c
}

// RetryContext is passed to Config.ShouldRetry so callers can decide
// whether a particular failure warrants another attempt.
type RetryContext struct {
	Attempt int
	Reason  Reason
	Err     error
}

// Observer receives a notification each time the scheduler arms a
// timer, and once from Close with ReasonManualClose and a zero delay.
// Data mirrors spec §4.3: attempt number, computed delay, the
// reason reconnect was triggered, and the triggering error (if any).
type Observer func(attempt int, delay time.Duration, reason Reason, err error)

// Clock abstracts time so tests can avoid real sleeps. AfterFunc must
// behave like time.AfterFunc, returning a Timer whose Stop cancels the
// pending call.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

// realClock uses the standard library's timers.
type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock is the production Clock, backed by time.AfterFunc.
var RealClock Clock = realClock{}

// Scheduler arms at most one reconnect timer at a time against a single
// logical connection. It is not safe for concurrent use from multiple
// goroutines without external synchronization — in this module it is
// always driven from the client core's single event-loop goroutine.
type Scheduler struct {
	cfg     Config
	clock   Clock
	obs     Observer
	attempt int
	timer   Timer
	closed  bool
}

// New creates a Scheduler. clock defaults to RealClock if nil; obs
// defaults to a no-op if nil.
func New(cfg Config, clock Clock, obs Observer) *Scheduler {
	if clock == nil {
		clock = RealClock
	}
	if obs == nil {
		obs = func(int, time.Duration, Reason, error) {}
	}
	return &Scheduler{cfg: cfg.normalize(), clock: clock, obs: obs}
}

// Delay computes the backoff delay for attempt n (1-based), applying
// jitter per spec §4.3's formula. jitter, if provided, must return a
// value uniformly distributed in [-1, 1); pass nil to use math/rand/v2.
func (s *Scheduler) Delay(n int, jitter func() float64) time.Duration {
	return computeDelay(s.cfg, n, jitter)
}

func computeDelay(cfg Config, n int, jitter func() float64) time.Duration {
	base := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(n-1))
	if base > float64(cfg.MaxDelay) {
		base = float64(cfg.MaxDelay)
	}
	if cfg.JitterRatio == 0 {
		return time.Duration(math.Floor(base))
	}
	if jitter == nil {
		jitter = func() float64 { return rand.Float64()*2 - 1 }
	}
	r := jitter()
	jittered := base * (1 + r*cfg.JitterRatio)
	if jittered < 0 {
		jittered = 0
	}
	if jittered > float64(cfg.MaxDelay) {
		jittered = float64(cfg.MaxDelay)
	}
	return time.Duration(math.Floor(jittered))
}

// Armed reports whether a reconnect timer is currently pending.
func (s *Scheduler) Armed() bool {
	return s.timer != nil
}

// Attempt returns the current attempt counter (0 when idle/connected).
func (s *Scheduler) Attempt() int {
	return s.attempt
}

// Reset zeroes the attempt counter, called after a successful open.
func (s *Scheduler) Reset() {
	s.attempt = 0
}

// Schedule arms a reconnect timer for reason, invoking fire when it
// expires. A no-op if: the scheduler is disabled, manually closed, a
// timer is already armed, or ShouldRetry vetoes this context. Returns
// true if a timer was armed.
func (s *Scheduler) Schedule(reason Reason, err error, fire func()) bool {
	if !s.cfg.Enabled || s.closed || s.timer != nil {
		return false
	}
	nextAttempt := s.attempt + 1
	if s.cfg.ShouldRetry != nil {
		ctx := RetryContext{Attempt: nextAttempt, Reason: reason, Err: err}
		if !s.cfg.ShouldRetry(ctx) {
			return false
		}
	}
	s.attempt = nextAttempt
	delay := s.Delay(s.attempt, nil)
	s.obs(s.attempt, delay, reason, err)
	s.timer = s.clock.AfterFunc(delay, func() {
		s.timer = nil
		fire()
	})
	return true
}

// CancelTimer stops any armed timer without marking the scheduler
// closed, used when a manual Connect supersedes a pending reconnect.
func (s *Scheduler) CancelTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Close cancels any armed timer and prevents further scheduling
// (ManualClose in spec terms). The scheduler cannot be reused after
// Close; construct a new one for a subsequent Connect.
func (s *Scheduler) Close() {
	s.CancelTimer()
	s.closed = true
	s.obs(s.attempt, 0, ReasonManualClose, nil)
}
