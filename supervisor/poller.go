package supervisor

import "time"

// poller computes the next message-poll interval. The adaptive mode doubles
// the interval on idle cycles up to a cap and snaps back to base on activity;
// fixed mode always returns base.
type poller struct {
	base     time.Duration
	max      time.Duration
	current  time.Duration
	adaptive bool
}

func newPoller(base, max time.Duration, adaptive bool) *poller {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &poller{base: base, max: max, current: base, adaptive: adaptive}
}

// next returns the interval to sleep before the next poll, given whether the
// last cycle saw any activity.
func (p *poller) next(active bool) time.Duration {
	if !p.adaptive {
		return p.base
	}
	if active {
		p.current = p.base
		return p.current
	}
	interval := p.current
	p.current *= 2
	if p.current > p.max {
		p.current = p.max
	}
	return interval
}
