package input

import (
	"sync"
	"time"

	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/physics"
)

// BoundsConstraints configures paddle bounds checking and the cooldown
// applied to senders that keep reporting impossible positions.
type BoundsConstraints struct {
	Geometry           physics.Config
	InvalidBurstLimit  int
	InvalidBurstWindow time.Duration
	CooldownDuration   time.Duration
}

// DefaultBoundsConstraints provides the tuned baseline for production traffic.
var DefaultBoundsConstraints = BoundsConstraints{
	Geometry:           physics.DefaultConfig(),
	InvalidBurstLimit:  5,
	InvalidBurstWindow: time.Second,
	CooldownDuration:   500 * time.Millisecond,
}

// ValidatorOption customises validator construction.
type ValidatorOption func(*Validator)

// WithValidatorClock overrides the clock used to determine cooldown windows.
func WithValidatorClock(clock Clock) ValidatorOption {
	return func(v *Validator) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// WithValidatorMetrics shares a metrics container with a Gate.
func WithValidatorMetrics(metrics *Metrics) ValidatorOption {
	return func(v *Validator) {
		if metrics != nil {
			v.metrics = metrics
		}
	}
}

// Validator rejects paddle positions outside the tunnel cross-section.
// Rejected positions are dropped, never clamped.
type Validator struct {
	mu      sync.Mutex
	cfg     BoundsConstraints
	clock   Clock
	logger  *logging.Logger
	metrics *Metrics
	senders map[string]*boundsState
}

type boundsState struct {
	firstInvalid  time.Time
	invalidCount  int
	cooldownUntil time.Time
}

// NewValidator builds a validator with the supplied constraints.
func NewValidator(cfg BoundsConstraints, logger *logging.Logger, opts ...ValidatorOption) *Validator {
	//1.- Fill unset knobs from the defaults so partial configs behave.
	if cfg.InvalidBurstLimit <= 0 {
		cfg.InvalidBurstLimit = DefaultBoundsConstraints.InvalidBurstLimit
	}
	if cfg.InvalidBurstWindow <= 0 {
		cfg.InvalidBurstWindow = DefaultBoundsConstraints.InvalidBurstWindow
	}
	if cfg.CooldownDuration <= 0 {
		cfg.CooldownDuration = DefaultBoundsConstraints.CooldownDuration
	}
	if !(cfg.Geometry.TunnelWidth > 0) || !(cfg.Geometry.TunnelHeight > 0) {
		cfg.Geometry = DefaultBoundsConstraints.Geometry
	}
	v := &Validator{
		cfg:     cfg,
		clock:   systemClock{},
		logger:  logger,
		metrics: NewMetrics(),
		senders: make(map[string]*boundsState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Validate checks paddle for sender key.
func (v *Validator) Validate(key string, paddle physics.Paddle) Decision {
	if v == nil {
		return Decision{Accepted: true}
	}
	now := v.clock.Now()

	v.mu.Lock()
	defer v.mu.Unlock()
	state := v.senders[key]
	if state == nil {
		state = &boundsState{}
		v.senders[key] = state
	}

	//1.- Senders in cooldown are ignored wholesale until it lapses.
	if !state.cooldownUntil.IsZero() && now.Before(state.cooldownUntil) {
		v.metrics.Observe(key, DropReasonCooldown)
		return Decision{Reason: DropReasonCooldown}
	}
	if v.cfg.Geometry.InBounds(paddle) {
		state.invalidCount = 0
		return Decision{Accepted: true}
	}

	//2.- Count the violation inside the burst window and open a cooldown at the limit.
	v.metrics.Observe(key, DropReasonBounds)
	if state.invalidCount == 0 || now.Sub(state.firstInvalid) > v.cfg.InvalidBurstWindow {
		state.firstInvalid = now
		state.invalidCount = 1
	} else {
		state.invalidCount++
	}
	if state.invalidCount >= v.cfg.InvalidBurstLimit {
		state.cooldownUntil = now.Add(v.cfg.CooldownDuration)
		state.invalidCount = 0
		if v.logger != nil {
			v.logger.Debug("paddle bounds cooldown",
				logging.String("sender", key),
				logging.Duration("cooldown", v.cfg.CooldownDuration),
			)
		}
	}
	return Decision{Reason: DropReasonBounds}
}

// Forget clears state for key.
func (v *Validator) Forget(key string) {
	if v == nil {
		return
	}
	v.mu.Lock()
	delete(v.senders, key)
	v.mu.Unlock()
	v.metrics.forget(key)
}
