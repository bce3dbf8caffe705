package control

import (
	"math"
	"math/rand/v2"
	"time"
)

// PollPolicy controls the wait between polls of a remote command and how
// many polls are made before giving up.
type PollPolicy struct {
	// Interval is the wait before the first poll.
	Interval time.Duration
	// MaxAttempts is the maximum number of provider round trips, sends and
	// polls together.
	MaxAttempts int
	// Multiplier grows the wait after each poll; 1 keeps it fixed.
	Multiplier float64
	// MaxInterval caps the wait when Multiplier > 1. Zero means no cap.
	MaxInterval time.Duration
	// Jitter randomizes each wait by up to this fraction (0.0 to 1.0).
	Jitter float64
}

// DefaultPollPolicy polls every second, 30 times.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Interval:    time.Second,
		MaxAttempts: 30,
		Multiplier:  1,
	}
}

// Delay returns the wait before poll number attempt (1-based).
func (p PollPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Interval) * math.Pow(mult, float64(attempt-1))
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		d = float64(p.MaxInterval)
	}
	if p.Jitter > 0 {
		j := math.Min(p.Jitter, 1)
		d += d * j * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Ceiling bounds the total wait when no jitter is applied.
func (p PollPolicy) Ceiling() time.Duration {
	var total time.Duration
	noJitter := p
	noJitter.Jitter = 0
	for i := 1; i <= p.MaxAttempts; i++ {
		total += noJitter.Delay(i)
	}
	return total
}
