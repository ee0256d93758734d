package upload

import (
	"math/rand/v2"
	"time"
)

// DelayConfig bounds the interval between upload attempts.
type DelayConfig struct {
	Initial time.Duration
	Min     time.Duration
	Max     time.Duration
	// ChangeRate multiplies the base interval on Increase and divides it
	// on Decrease. Must be > 1.
	ChangeRate float64
	// Jitter is the relative spread applied around the base, e.g. 0.2 for ±20%.
	Jitter float64
}

// DefaultDelayConfig returns the default backoff bounds.
func DefaultDelayConfig() DelayConfig {
	return DelayConfig{
		Initial:    5 * time.Second,
		Min:        1 * time.Second,
		Max:        20 * time.Second,
		ChangeRate: 1.5,
		Jitter:     0.2,
	}
}

// Delay is a bounded geometric backoff with jitter. The applied value never
// moves against the requested direction: Increase never lowers it and
// Decrease never raises it.
//
// A backed-off Delay settles at a ceiling drawn once from
// [Max*(1-Jitter), Max], so clients stuck at the cap stay spread out.
//
// Delay is not safe for concurrent use; the worker goroutine owns it.
type Delay struct {
	config  DelayConfig
	base    time.Duration
	current time.Duration
	// 0 until Increase first reaches Max.
	ceiling time.Duration
	random  func() float64
}

// NewDelay returns a Delay starting at config.Initial.
func NewDelay(config DelayConfig) *Delay {
	return newDelay(config, rand.Float64)
}

func newDelay(config DelayConfig, random func() float64) *Delay {
	defaults := DefaultDelayConfig()
	if config.Min <= 0 {
		config.Min = defaults.Min
	}
	if config.Max < config.Min {
		config.Max = config.Min
	}
	if config.ChangeRate <= 1 {
		config.ChangeRate = defaults.ChangeRate
	}
	if config.Jitter < 0 || config.Jitter >= 1 {
		config.Jitter = defaults.Jitter
	}

	d := &Delay{config: config, random: random}
	d.base = d.clamp(config.Initial)
	d.current = d.base
	return d
}

// Current returns the interval to wait before the next attempt.
func (d *Delay) Current() time.Duration {
	return d.current
}

// Increase backs off after a failed attempt.
func (d *Delay) Increase() {
	d.base = d.clamp(time.Duration(float64(d.base) * d.config.ChangeRate))
	next := d.jittered()
	if next >= d.config.Max {
		next = d.capped()
	}
	d.current = d.clamp(max(next, d.current))
}

// Decrease speeds up after a delivered batch.
func (d *Delay) Decrease() {
	d.base = d.clamp(time.Duration(float64(d.base) / d.config.ChangeRate))
	d.current = d.clamp(min(d.jittered(), d.current))
}

func (d *Delay) jittered() time.Duration {
	spread := d.config.Jitter * (2*d.random() - 1)
	return time.Duration(float64(d.base) * (1 + spread))
}

func (d *Delay) capped() time.Duration {
	if d.ceiling == 0 {
		spread := d.config.Jitter * d.random()
		d.ceiling = d.clamp(time.Duration(float64(d.config.Max) * (1 - spread)))
	}
	return d.ceiling
}

func (d *Delay) clamp(v time.Duration) time.Duration {
	return min(max(v, d.config.Min), d.config.Max)
}
