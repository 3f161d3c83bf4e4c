// Package simulation drives fixed-rate match ticks.
package simulation

import (
	"context"
	"time"
)

// DefaultMaxStep bounds the delta handed to a step after a stall.
const DefaultMaxStep = time.Second / 30

// StepFunc advances the simulation by the elapsed, clamped delta.
type StepFunc func(delta time.Duration)

// LoopOption customises a Loop.
type LoopOption func(*Loop)

// WithMonitor records the wall time spent inside every step.
func WithMonitor(monitor *TickMonitor) LoopOption {
	return func(l *Loop) { l.monitor = monitor }
}

// WithNow overrides the time source used to measure deltas.
func WithNow(now func() time.Time) LoopOption {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// Loop ticks at the configured target frequency and hands every step the
// real elapsed time since the previous tick, clamped to maxStep.
type Loop struct {
	interval time.Duration
	maxStep  time.Duration
	stepFunc StepFunc
	monitor  *TickMonitor
	now      func() time.Time
}

// NewLoop configures a loop that targets the provided frames per second.
func NewLoop(targetHz float64, step StepFunc, opts ...LoopOption) *Loop {
	if targetHz <= 0 {
		targetHz = 60
	}
	if step == nil {
		step = func(time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 60
	}
	loop := &Loop{
		interval: interval,
		maxStep:  DefaultMaxStep,
		stepFunc: step,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(loop)
		}
	}
	return loop
}

// Run ticks until ctx is cancelled. It blocks the calling goroutine.
func (l *Loop) Run(ctx context.Context) {
	if l == nil {
		return
	}
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	last := l.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := l.now()
			//1.- Measure the real delta and clamp it so a stalled process cannot take a giant step.
			l.Tick(now.Sub(last))
			last = now
		}
	}
}

// Tick runs one step with delta clamped to the loop bounds. Exposed so
// tests can drive the loop without real time passing.
func (l *Loop) Tick(delta time.Duration) {
	if delta < 0 {
		delta = 0
	}
	if delta > l.maxStep {
		delta = l.maxStep
	}
	started := time.Now()
	l.stepFunc(delta)
	l.monitor.Observe(time.Since(started))
}
