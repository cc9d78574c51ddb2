// Package pacing spaces outbound sends so the provider never sees
// machine-gun traffic. Delays are sampled uniformly from a bounded range,
// optionally stretched by batch position, time of day and daily volume.
package pacing

import (
	"math/rand"
	"sync"
	"time"
)

// Mode selects how the next inter-message delay is computed.
type Mode string

const (
	ModeRandom      Mode = "random"
	ModeProgressive Mode = "progressive"
	ModeSmart       Mode = "smart"
)

type Options struct {
	Mode Mode
	// Base inter-message delay range. Defaults: 30s–120s.
	Min, Max time.Duration
	// Delay range between batches. Defaults: 120s–300s.
	BatchMin, BatchMax time.Duration
}

// Policy computes send delays. Safe for concurrent use; the daily send
// counter is process-lifetime and resets when the calendar day changes.
type Policy struct {
	mode               Mode
	min, max           time.Duration
	batchMin, batchMax time.Duration

	now  func() time.Time
	rand func() float64

	mu        sync.Mutex
	sentToday int
	day       time.Time
}

func New(opts Options) *Policy {
	mode := opts.Mode
	if mode == "" {
		mode = ModeRandom
	}
	min, max := opts.Min, opts.Max
	if min <= 0 {
		min = 30 * time.Second
	}
	if max <= min {
		max = 120 * time.Second
	}
	batchMin, batchMax := opts.BatchMin, opts.BatchMax
	if batchMin <= 0 {
		batchMin = 120 * time.Second
	}
	if batchMax <= batchMin {
		batchMax = 300 * time.Second
	}
	return &Policy{
		mode:     mode,
		min:      min,
		max:      max,
		batchMin: batchMin,
		batchMax: batchMax,
		now:      time.Now,
		rand:     rand.Float64,
	}
}

// Next returns the delay to apply before sending message index (0-based) of
// a batch of total messages. The caller skips the delay after the final item.
func (p *Policy) Next(index, total int) time.Duration {
	switch p.mode {
	case ModeProgressive:
		return p.progressive(index, total)
	case ModeSmart:
		return p.smart()
	default:
		return p.sample(p.min, p.max)
	}
}

// BatchDelay returns the pause inserted between batches.
func (p *Policy) BatchDelay() time.Duration {
	return p.sample(p.batchMin, p.batchMax)
}

// RecordSend bumps the daily volume counter.
func (p *Policy) RecordSend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDayLocked()
	p.sentToday++
}

// SentToday reports the volume counter for the current day.
func (p *Policy) SentToday() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDayLocked()
	return p.sentToday
}

func (p *Policy) rollDayLocked() {
	today := p.now().Truncate(24 * time.Hour)
	if !today.Equal(p.day) {
		p.day = today
		p.sentToday = 0
	}
}

// progressive stretches the range by up to 1.5x towards the end of a long
// homogeneous batch, so later emails are spaced further apart.
func (p *Policy) progressive(index, total int) time.Duration {
	if total <= 0 {
		return p.sample(p.min, p.max)
	}
	multiplier := 1.0 + (float64(index)/float64(total))*0.5
	return p.sample(scale(p.min, multiplier), scale(p.max, multiplier))
}

// smart combines a time-of-day multiplier with a daily-volume multiplier.
func (p *Policy) smart() time.Duration {
	multiplier := p.hourMultiplier() * p.volumeMultiplier()
	return p.sample(scale(p.min, multiplier), scale(p.max, multiplier))
}

func (p *Policy) hourMultiplier() float64 {
	switch hour := p.now().Hour(); {
	case hour >= 9 && hour < 17:
		return 0.8
	case hour >= 18 && hour < 21:
		return 1.2
	default:
		return 1.5
	}
}

func (p *Policy) volumeMultiplier() float64 {
	switch sent := p.SentToday(); {
	case sent <= 50:
		return 1.0
	case sent <= 100:
		return 1.2
	default:
		return 1.5
	}
}

func (p *Policy) sample(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(p.rand()*float64(max-min))
}

func scale(d time.Duration, multiplier float64) time.Duration {
	return time.Duration(float64(d) * multiplier)
}
