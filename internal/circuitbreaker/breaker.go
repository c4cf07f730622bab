// Package circuitbreaker tracks substrate failure rates and drives the
// gateway's degraded mode: when the shared K/V substrate misbehaves, rate
// limiting and quota checks fail open, cost writes are dropped with a
// counter, and anomaly detection pauses.
package circuitbreaker

import (
	"log"
	"sync"
	"time"
)

// State is the breaker's position.
type State int

const (
	StateClosed   State = iota // substrate healthy, full pipeline
	StateOpen                  // substrate failing, degraded mode active
	StateHalfOpen              // probing whether the substrate recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes the breaker.
type Config struct {
	Name string

	// MaxProbes is how many requests may test the substrate in half-open.
	MaxProbes uint32

	// Interval clears the closed-state counts so old failures age out.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// ReadyToTrip decides, from the current counts, whether to open.
	ReadyToTrip func(counts Counts) bool

	// OnStateChange observes transitions; the pipeline hangs its
	// degraded-mode gauge here.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig trips when more than 50% of at least 10 substrate
// operations fail, probes after 15 seconds.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:      name,
		MaxProbes: 3,
		Interval:  60 * time.Second,
		Timeout:   15 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.Requests >= 10 && counts.FailureRatio() > 0.5
		},
		OnStateChange: func(name string, from, to State) {
			log.Printf("[BREAKER:%s] %s -> %s", name, from, to)
		},
	}
}

// Counts is the rolling window of substrate operation outcomes.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio is failures over requests, zero when idle.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() {
	*c = Counts{}
}

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is a substrate health tracker. Callers report operation
// outcomes with Record; Degraded tells the pipeline whether to shed
// non-essential substrate work.
type Breaker struct {
	cfg *Config

	mu         sync.Mutex
	state      State
	counts     Counts
	openedAt   time.Time
	probes     uint32
	generation uint64
}

// New constructs a Breaker.
func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig("substrate")
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = DefaultConfig(cfg.Name).ReadyToTrip
	}
	b := &Breaker{cfg: cfg}
	go b.ageCounts()
	return b
}

// Record reports one substrate operation outcome.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()

	if err == nil {
		b.counts.onSuccess()
		if b.state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.transitionLocked(StateClosed)
		}
		return
	}

	b.counts.onFailure()
	switch b.state {
	case StateClosed:
		if b.cfg.ReadyToTrip(b.counts) {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	}
}

// Degraded reports whether the pipeline should run in degraded mode. In
// half-open a bounded number of probe requests run the full pipeline; the
// rest stay degraded.
func (b *Breaker) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()

	switch b.state {
	case StateClosed:
		return false
	case StateHalfOpen:
		if b.probes < b.cfg.MaxProbes {
			b.probes++
			return false
		}
		return true
	default:
		return true
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// refreshLocked moves open → half-open once the timeout elapses.
func (b *Breaker) refreshLocked() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.Timeout {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.counts.clear()
	b.probes = 0
	b.generation++
	if to == StateOpen {
		b.openedAt = time.Now()
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// ageCounts clears closed-state counts every interval so a slow trickle
// of old failures cannot trip the breaker long after recovery.
func (b *Breaker) ageCounts() {
	interval := b.cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		b.mu.Lock()
		if b.state == StateClosed {
			b.counts.clear()
		}
		b.mu.Unlock()
	}
}
