package deploy

import "time"

// Policy bounds the health polling of one apply.
type Policy struct {
	// Initial is the first poll delay.
	Initial time.Duration
	// Max caps the poll delay.
	Max time.Duration
	// Multiplier grows the delay after each poll that did not converge.
	Multiplier float64
	// AttemptTimeout bounds one attempt. An attempt that runs over
	// consumes one unit of RetryBudget.
	AttemptTimeout time.Duration
	// RetryBudget is how many recycled failures and timed-out attempts
	// are tolerated before the apply fails.
	RetryBudget int
}

// DefaultPolicy polls at 250ms doubling to 5s, gives each attempt two
// minutes and tolerates three retries.
func DefaultPolicy() Policy {
	return Policy{
		Initial:        250 * time.Millisecond,
		Max:            5 * time.Second,
		Multiplier:     2,
		AttemptTimeout: 2 * time.Minute,
		RetryBudget:    3,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Max < p.Initial {
		p.Max = max(d.Max, p.Initial)
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	if p.RetryBudget < 0 {
		p.RetryBudget = 0
	}
	return p
}

// next returns the delay after cur.
func (p Policy) next(cur time.Duration) time.Duration {
	n := time.Duration(float64(cur) * p.Multiplier)
	if n > p.Max || n <= 0 {
		return p.Max
	}
	return n
}

// Clock is the time source of the poll loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
