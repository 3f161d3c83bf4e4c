// Package input filters paddle updates before they reach a match session.
package input

import (
	"sync"
	"time"

	"pongarena/broker/internal/logging"
)

// Clock exposes the current time for rate limiting decisions.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a plain function to Clock.
type ClockFunc func() time.Time

// Now implements Clock for functional adapters.
func (c ClockFunc) Now() time.Time { return c() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config controls the freshness and throughput gates applied to paddle updates.
type Config struct {
	// MaxAge drops frames that arrive this much later than the sender's
	// fastest observed frame. Zero disables.
	MaxAge time.Duration
	// MinInterval drops frames arriving faster than this per player. Zero disables.
	MinInterval time.Duration
}

// DefaultConfig tolerates a quarter second of latency and 120 updates per second.
var DefaultConfig = Config{MaxAge: 250 * time.Millisecond, MinInterval: time.Second / 120}

// DropReason enumerates why a frame was rejected.
type DropReason string

const (
	DropReasonNone        DropReason = ""
	DropReasonSequence    DropReason = "sequence"
	DropReasonStale       DropReason = "stale"
	DropReasonRateLimited DropReason = "rate_limit"
	DropReasonBounds      DropReason = "bounds"
	DropReasonCooldown    DropReason = "cooldown"
)

// String returns the textual representation of the drop reason.
func (r DropReason) String() string { return string(r) }

// Decision summarises whether a frame passed the gate.
type Decision struct {
	Accepted bool
	Reason   DropReason
	Delay    time.Duration
}

// Frame carries the ordering metadata of one paddle_move message.
type Frame struct {
	// Key identifies the sender, typically matchID|slot.
	Key        string
	SequenceID uint64
	SentAt     time.Time
}

// rebaseAfter is how many consecutive stale drops make the gate trust the
// sender's clock again, covering a client that stepped its clock back.
const rebaseAfter = 8

type senderState struct {
	lastSequence uint64
	lastAccepted time.Time
	// baseline is the smallest arrival-minus-SentAt seen. It absorbs the
	// constant skew between the client clock and ours.
	baseline    time.Duration
	hasBaseline bool
	staleRun    int
}

// lag returns how late a frame is compared with the sender's best frame
// and lowers the baseline when this one is faster.
func (s *senderState) lag(offset time.Duration) time.Duration {
	if !s.hasBaseline || offset < s.baseline {
		s.baseline, s.hasBaseline = offset, true
	}
	return offset - s.baseline
}

// DropCounters aggregates per-reason drop counts.
type DropCounters struct {
	Sequence    uint64 `json:"sequence"`
	Stale       uint64 `json:"stale"`
	RateLimited uint64 `json:"rate_limited"`
	Bounds      uint64 `json:"bounds"`
	Cooldown    uint64 `json:"cooldown"`
}

func (d *DropCounters) add(reason DropReason) {
	switch reason {
	case DropReasonSequence:
		d.Sequence++
	case DropReasonStale:
		d.Stale++
	case DropReasonRateLimited:
		d.RateLimited++
	case DropReasonBounds:
		d.Bounds++
	case DropReasonCooldown:
		d.Cooldown++
	}
}

// Metrics stores drop counters per sender plus a process-wide total that
// survives Forget, shared between the gate and the bounds validator.
type Metrics struct {
	mu     sync.RWMutex
	drops  map[string]DropCounters
	totals DropCounters
}

// NewMetrics provisions an empty metrics container.
func NewMetrics() *Metrics {
	return &Metrics{drops: make(map[string]DropCounters)}
}

// Observe increments the counter for reason.
func (m *Metrics) Observe(key string, reason DropReason) {
	if m == nil || reason == DropReasonNone {
		return
	}
	m.mu.Lock()
	current := m.drops[key]
	current.add(reason)
	m.drops[key] = current
	m.totals.add(reason)
	m.mu.Unlock()
}

// Snapshot returns a copy of the per-sender counters.
func (m *Metrics) Snapshot() map[string]DropCounters {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.drops) == 0 {
		return nil
	}
	clone := make(map[string]DropCounters, len(m.drops))
	for key, counters := range m.drops {
		clone[key] = counters
	}
	return clone
}

// Totals returns the cumulative counters across every sender seen so far.
func (m *Metrics) Totals() DropCounters {
	if m == nil {
		return DropCounters{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totals
}

func (m *Metrics) forget(key string) {
	if m == nil || key == "" {
		return
	}
	m.mu.Lock()
	delete(m.drops, key)
	m.mu.Unlock()
}

// Gate validates sequencing, freshness and throughput of paddle updates.
type Gate struct {
	mu      sync.Mutex
	cfg     Config
	clock   Clock
	logger  *logging.Logger
	metrics *Metrics
	senders map[string]*senderState
}

// Option customises gate construction.
type Option func(*Gate)

// WithClock overrides the clock used for latency calculations.
func WithClock(clock Clock) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithMetrics injects a shared metrics container.
func WithMetrics(metrics *Metrics) Option {
	return func(g *Gate) {
		if metrics != nil {
			g.metrics = metrics
		}
	}
}

// NewGate constructs a gate with the supplied configuration and logger.
func NewGate(cfg Config, logger *logging.Logger, opts ...Option) *Gate {
	//1.- Normalise negative intervals to disable the corresponding checks.
	if cfg.MaxAge < 0 {
		cfg.MaxAge = 0
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	gate := &Gate{
		cfg:     cfg,
		clock:   systemClock{},
		logger:  logger,
		metrics: NewMetrics(),
		senders: make(map[string]*senderState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}
	return gate
}

// Evaluate applies the sequencing, freshness and throughput guards to frame.
// Sequence numbers must be positive and strictly increasing per sender.
// Freshness is relative to the sender's own clock, so a constant skew never
// drops frames; only frames delayed past MaxAge are stale.
func (g *Gate) Evaluate(frame Frame) Decision {
	decision := Decision{Accepted: true}
	if g == nil || frame.Key == "" {
		return decision
	}
	now := g.clock.Now()

	g.mu.Lock()
	state := g.senders[frame.Key]
	if state == nil {
		state = &senderState{}
		g.senders[frame.Key] = state
	}
	if !frame.SentAt.IsZero() {
		//1.- Compare the transit time against the sender's fastest frame.
		decision.Delay = state.lag(now.Sub(frame.SentAt))
	}

	switch {
	case frame.SequenceID == 0 || (state.lastSequence != 0 && frame.SequenceID <= state.lastSequence):
		decision = Decision{Reason: DropReasonSequence, Delay: decision.Delay}
	case g.cfg.MaxAge > 0 && decision.Delay > g.cfg.MaxAge:
		decision = Decision{Reason: DropReasonStale, Delay: decision.Delay}
		state.staleRun++
		if state.staleRun >= rebaseAfter {
			state.hasBaseline = false
			state.staleRun = 0
		}
	case state.lastSequence != 0 && g.cfg.MinInterval > 0 && now.Sub(state.lastAccepted) < g.cfg.MinInterval:
		decision = Decision{Reason: DropReasonRateLimited, Delay: decision.Delay}
	default:
		//2.- Promote the frame as the latest accepted one for this sender.
		state.lastSequence = frame.SequenceID
		state.lastAccepted = now
		state.staleRun = 0
	}
	g.mu.Unlock()

	if !decision.Accepted {
		g.metrics.Observe(frame.Key, decision.Reason)
		if g.logger != nil {
			g.logger.Debug("paddle frame dropped",
				logging.String("sender", frame.Key),
				logging.String("reason", decision.Reason.String()),
				logging.Int64("seq", int64(frame.SequenceID)),
			)
		}
	}
	return decision
}

// LastSequence returns the highest accepted sequence for key.
func (g *Gate) LastSequence(key string) uint64 {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if state := g.senders[key]; state != nil {
		return state.lastSequence
	}
	return 0
}

// Forget clears sequencing state and per-sender counters for key.
func (g *Gate) Forget(key string) {
	if g == nil || key == "" {
		return
	}
	g.mu.Lock()
	delete(g.senders, key)
	g.mu.Unlock()
	g.metrics.forget(key)
}

// Metrics returns a snapshot of the latest per-sender drop counters.
func (g *Gate) Metrics() map[string]DropCounters {
	if g == nil {
		return nil
	}
	return g.metrics.Snapshot()
}
