package relay

import (
	"sync"
	"time"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// HalfOpenProbes is how many requests may be in flight while half-open;
	// that many successes close the circuit again
	HalfOpenProbes int
}

// Breaker stops relaying to a target host after consecutive upstream failures.
// A failure is a transport error or a 5xx answer; 4xx answers are the
// caller's problem and count as success.
type Breaker struct {
	cfg       BreakerConfig
	state     breakerState
	failures  int
	probes    int // admitted half-open requests not yet settled
	successes int
	openedAt  time.Time
	now       func() time.Time
	mu        sync.Mutex
}

// NewBreaker creates a new Breaker
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{
		cfg:   cfg,
		state: stateClosed,
		now:   time.Now,
	}
}

// Allow returns true if a request to the host may be relayed. Every
// admitted request must be settled with Success or Failure.
func (b *Breaker) Allow() bool {
	if !b.cfg.Enabled {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.state = stateHalfOpen
		b.probes = 1
		b.successes = 0
		return true
	case stateHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbes {
			return false
		}
		b.probes++
		return true
	default:
		return true
	}
}

// Success records a relayed request that got a non-5xx answer
func (b *Breaker) Success() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateHalfOpen:
		if b.probes > 0 {
			b.probes--
		}
		b.successes++
		if b.successes >= b.cfg.HalfOpenProbes {
			b.state = stateClosed
			b.failures = 0
			b.probes = 0
			b.successes = 0
		}
	case stateClosed:
		b.failures = 0
	}
}

// Failure records a transport error or 5xx answer
func (b *Breaker) Failure() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = stateOpen
			b.openedAt = b.now()
		}
	case stateHalfOpen:
		b.state = stateOpen
		b.openedAt = b.now()
		b.probes = 0
		b.successes = 0
	}
}

// State returns the current state name
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// breakerSet holds one breaker per target host
type breakerSet struct {
	cfg      BreakerConfig
	mu       sync.Mutex
	breakers map[string]*Breaker
}

func newBreakerSet(cfg BreakerConfig) *breakerSet {
	return &breakerSet{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

func (s *breakerSet) get(host string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[host]
	if !ok {
		b = NewBreaker(s.cfg)
		s.breakers[host] = b
	}
	return b
}

// states returns host -> state for every host seen so far
func (s *breakerSet) states() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.breakers))
	for host, b := range s.breakers {
		out[host] = b.State()
	}
	return out
}
