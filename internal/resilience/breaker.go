// Package resilience guards speech backends with circuit breakers and
// ordered failover.
//
// A [Breaker] stops calling a backend after repeated failures and lets a
// single trial call through once its cool-down has elapsed. [TTSFallback] chains
// several TTS backends, each behind its own breaker, so that replies are
// still spoken while the preferred backend is down.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota
	// Open rejects calls until the cool-down elapses.
	Open
	// Probing lets exactly one call through to test recovery.
	Probing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case Probing:
		return "probing"
	}
	return "unknown"
}

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing. Default: 30s.
	Cooldown time.Duration
}

// Breaker is a circuit breaker around one backend. It is safe for concurrent use.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// NewBreaker creates a closed [Breaker]. name labels its log lines.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Do runs fn unless the breaker is open. While probing, concurrent callers
// other than the trial call receive [ErrOpen].
func (b *Breaker) Do(fn func() error) error {
	if !b.admit() {
		return ErrOpen
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.state = Probing
		slog.Info("resilience: probing backend", "backend", b.name)
		return true
	case Probing:
		return false
	}
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != Closed {
			slog.Info("resilience: backend recovered", "backend", b.name)
		}
		b.state = Closed
		b.failures = 0
		return
	}

	b.failures++
	if b.state == Probing || b.failures >= b.cfg.MaxFailures {
		if b.state != Open {
			slog.Warn("resilience: circuit opened", "backend", b.name, "failures", b.failures, "err", err)
		}
		b.state = Open
		b.openedAt = b.now()
	}
}

// State reports the current mode. An open breaker whose cool-down has
// elapsed reports [Probing].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return Probing
	}
	return b.state
}
