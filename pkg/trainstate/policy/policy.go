// Package policy decides when a long-running operation should take a checkpoint.
//
// A Policy combines two independent triggers:
//   - Unit trigger: at least N units (epochs, bars, batches) completed since the last checkpoint
//   - Time trigger: at least D of wall-clock time elapsed since the last checkpoint
//
// Either trigger is sufficient. The time trigger never fires before the first
// recorded checkpoint, so a cold start is governed by the unit trigger alone.
package policy

import (
	"math"
	"time"
)

// Policy tracks checkpoint cadence for a single operation.
// It is not safe for concurrent use; the driving loop owns it.
type Policy struct {
	unitInterval int
	timeInterval time.Duration
	now          func() time.Time

	lastUnit int
	lastTime time.Time
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock overrides the time source. Used by tests to simulate clock jumps.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		if now != nil {
			p.now = now
		}
	}
}

// New creates a policy that fires every unitInterval units or every
// timeInterval of wall-clock time, whichever comes first.
//
// A non-positive unitInterval disables the unit trigger and a non-positive
// timeInterval disables the time trigger.
func New(unitInterval int, timeInterval time.Duration, opts ...Option) *Policy {
	p := &Policy{
		unitInterval: unitInterval,
		timeInterval: timeInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SecondsToDuration converts a seconds value to a time.Duration, saturating
// at the largest representable duration instead of overflowing.
func SecondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 || math.IsNaN(seconds) {
		return 0
	}
	if seconds >= float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(seconds * float64(time.Second))
}

// ShouldCheckpoint reports whether a checkpoint should be taken at currentUnit.
// force always returns true, even before any checkpoint has been recorded.
func (p *Policy) ShouldCheckpoint(currentUnit int, force bool) bool {
	if force {
		return true
	}

	// time.Time.Sub saturates, so very large intervals cannot overflow here.
	if p.timeInterval > 0 && !p.lastTime.IsZero() {
		if p.now().Sub(p.lastTime) >= p.timeInterval {
			return true
		}
	}

	if p.unitInterval > 0 && currentUnit-p.lastUnit >= p.unitInterval {
		return true
	}

	return false
}

// RecordCheckpoint must be called after every successful save.
// Without it the policy keeps firing on every subsequent check.
func (p *Policy) RecordCheckpoint(currentUnit int) {
	p.lastUnit = currentUnit
	p.lastTime = p.now()
}

// LastUnit returns the unit of the last recorded checkpoint (0 if none).
func (p *Policy) LastUnit() int {
	return p.lastUnit
}

// LastTime returns when the last checkpoint was recorded.
// The zero time means no checkpoint has been recorded yet.
func (p *Policy) LastTime() time.Time {
	return p.lastTime
}

// Reset sets the unit baseline without touching the time trigger state.
// The driver calls it when resuming so unit counting continues from the
// restored position instead of unit 0.
func (p *Policy) Reset(baselineUnit int) {
	p.lastUnit = baselineUnit
}
