// Package breaker guards outbound connector hosts with per-host circuit
// breakers. An open circuit fails fast with a connection fault instead of
// hammering a struggling upstream.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/logging"
	"github.com/trellisflow/trellis/internal/metrics"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen         = errors.New("circuit breaker is open")
	ErrTooManyProbes = errors.New("too many probe requests in half-open state")
)

// Config tunes one breaker.
type Config struct {
	// Name identifies the breaker, usually the upstream host.
	Name string

	// MaxProbes is how many requests the half-open state lets through.
	MaxProbes uint32

	// Interval clears the closed-state counts periodically so old failures
	// age out.
	Interval time.Duration

	// Cooldown is how long an open breaker waits before probing again.
	Cooldown time.Duration

	// ReadyToTrip decides, from a copy of the counts, whether a closed
	// breaker opens after a failure.
	ReadyToTrip func(counts Counts) bool

	// OnStateChange observes transitions.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig trips after five consecutive failures and probes again after
// thirty seconds.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:      name,
		MaxProbes: 3,
		Interval:  60 * time.Second,
		Cooldown:  30 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}

// Counts holds request outcomes for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio returns failures over requests, 0 when idle.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0.0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() {
	*c = Counts{}
}

// Requests is incremented on admission, not here, so in-flight half-open
// probes count against MaxProbes.
func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is a single circuit. The generation counter discards results of
// requests that started before the last state change.
type Breaker struct {
	cfg *Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 3
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = DefaultConfig(cfg.Name).ReadyToTrip
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

func (b *Breaker) Name() string {
	return b.cfg.Name
}

// State reports the current position, advancing open to half-open when the
// cooldown has lapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn under the breaker. An open circuit returns a connection fault
// immediately. Only transport-shaped failures (connection, timeout) count
// against the breaker; semantic rejections from a healthy host do not.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	generation, err := b.beforeRequest()
	if err != nil {
		return fault.Wrap(fault.KindConnection, err)
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn(ctx)
	b.afterRequest(generation, !countsAsFailure(err))
	return err
}

// Allow checks admission without executing anything. Callers pairing Allow
// with their own I/O must report the outcome through Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, _ := b.currentState(time.Now())
	if state == StateOpen {
		return ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return ErrTooManyProbes
	}
	return nil
}

// Record feeds an out-of-band outcome into the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	generation := b.generation
	b.counts.Requests++
	b.mu.Unlock()
	b.afterRequest(generation, success)
}

func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch fault.KindOf(err) {
	case fault.KindConnection, fault.KindTimeout:
		return true
	}
	return false
}

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return generation, ErrTooManyProbes
	}

	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) afterRequest(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, currentGeneration := b.currentState(now)
	// A state change invalidated this request's outcome.
	if generation != currentGeneration {
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onSuccess()
	case StateHalfOpen:
		b.counts.onSuccess()
		if b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onFailure()
		if b.cfg.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()

	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}

// Manager hands out one breaker per host, lazily.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      *Config
	metrics  *metrics.Metrics
}

func NewManager(cfg *Config, m *metrics.Metrics) *Manager {
	if cfg == nil {
		cfg = DefaultConfig("")
	}
	return &Manager{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		metrics:  m,
	}
}

// Get returns the breaker for a host, creating it on first use.
func (m *Manager) Get(host string) *Breaker {
	m.mu.RLock()
	b, exists := m.breakers[host]
	m.mu.RUnlock()
	if exists {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, exists = m.breakers[host]; exists {
		return b
	}

	cfg := *m.cfg
	cfg.Name = host
	log := logging.WithComponent("breaker")
	cfg.OnStateChange = func(name string, from, to State) {
		log.Warn().Str("host", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state change")
		if m.metrics != nil {
			m.metrics.SetBreakerState(name, float64(to))
		}
	}
	b = New(&cfg)
	m.breakers[host] = b
	return b
}

// Stats snapshots every breaker for the health endpoint.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Stats, len(m.breakers))
	for host, b := range m.breakers {
		out[host] = Stats{Host: host, State: b.State().String(), Counts: b.Counts()}
	}
	return out
}

// Stats is one breaker's snapshot.
type Stats struct {
	Host   string `json:"host"`
	State  string `json:"state"`
	Counts Counts `json:"counts"`
}
