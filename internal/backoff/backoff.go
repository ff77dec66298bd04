// Package backoff turns a configured retry policy into a sequence of
// non-decreasing delays.
package backoff

import (
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"
)

// Policy configures exponential backoff: Base × Multiplier^n, randomized by
// Jitter and capped at Cap. After MaxAttempts steps the schedule keeps
// retrying every SlowInterval. MaxAttempts <= 0 means no ceiling.
type Policy struct {
	Base         time.Duration `toml:"base"`
	Multiplier   float64       `toml:"multiplier"`
	Cap          time.Duration `toml:"cap"`
	Jitter       float64       `toml:"jitter"`
	MaxAttempts  int           `toml:"max_attempts"`
	SlowInterval time.Duration `toml:"slow_interval"`
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Base:         500 * time.Millisecond,
		Multiplier:   2,
		Cap:          30 * time.Second,
		Jitter:       0.2,
		MaxAttempts:  8,
		SlowInterval: time.Minute,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.SlowInterval < p.Cap {
		p.SlowInterval = p.Cap
	}
	return p
}

// Step is one scheduled retry.
type Step struct {
	Attempt int
	Delay   time.Duration
	// Slow is set once MaxAttempts has been used up.
	Slow bool
}

// Schedule yields successive retry steps. It is not safe for concurrent use.
type Schedule struct {
	policy  Policy
	exp     *cbackoff.ExponentialBackOff
	attempt int
	last    time.Duration
}

// NewSchedule starts a fresh schedule for p.
func (p Policy) NewSchedule() *Schedule {
	p = p.normalized()
	exp := &cbackoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.Cap,
	}
	exp.Reset()
	return &Schedule{policy: p, exp: exp}
}

// Next returns the next step. Delays never decrease and never exceed Cap
// until the schedule turns slow.
func (s *Schedule) Next() Step {
	s.attempt++
	if s.policy.MaxAttempts > 0 && s.attempt > s.policy.MaxAttempts {
		s.last = max(s.last, s.policy.SlowInterval)
		return Step{Attempt: s.attempt, Delay: s.last, Slow: true}
	}
	d := s.exp.NextBackOff()
	// Randomization can overshoot the cap or undercut the previous step.
	d = min(d, s.policy.Cap)
	d = max(d, s.last)
	s.last = d
	return Step{Attempt: s.attempt, Delay: d}
}

// Exhausted reports whether MaxAttempts steps have been handed out.
func (s *Schedule) Exhausted() bool {
	return s.policy.MaxAttempts > 0 && s.attempt >= s.policy.MaxAttempts
}

// Reset restarts the schedule from the first attempt.
func (s *Schedule) Reset() {
	s.exp.Reset()
	s.attempt = 0
	s.last = 0
}

// Delay returns the delay before retry number n (1-based) of a fresh
// schedule. Used for per-operation retry deadlines.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	s := p.NewSchedule()
	var step Step
	for i := 0; i < n; i++ {
		step = s.Next()
	}
	return step.Delay
}
