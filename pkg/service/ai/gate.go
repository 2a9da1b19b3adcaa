package ai

import (
	"context"
	"sync"
	"time"
)

// RateLimit admits at most Calls calls in any rolling Window. A zero
// value disables limiting.
type RateLimit struct {
	Calls  int           `yaml:"calls" json:"calls"`
	Window time.Duration `yaml:"window" json:"window"`
}

func (l RateLimit) enabled() bool { return l.Calls > 0 && l.Window > 0 }

// Gate is a sliding-log rate gate: it remembers when each admitted call
// started and admits a new one only when fewer than Calls fall inside the
// window ending now.
type Gate struct {
	limit RateLimit
	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	log []time.Time
}

// NewGate returns a gate for limit.
func NewGate(limit RateLimit) *Gate {
	return &Gate{limit: limit, clock: time.Now, sleep: sleepCtx}
}

// Wait blocks until a call is admitted or ctx is done. The lock is never
// held while sleeping.
func (g *Gate) Wait(ctx context.Context) error {
	if !g.limit.enabled() {
		return ctx.Err()
	}
	const minSleep = 10 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := g.clock()
		g.mu.Lock()
		g.evict(now)
		if len(g.log) < g.limit.Calls {
			g.log = append(g.log, now)
			g.mu.Unlock()
			return nil
		}
		d := g.log[0].Add(g.limit.Window).Sub(now)
		g.mu.Unlock()

		if d < minSleep {
			d = minSleep
		}
		if err := g.sleep(ctx, d); err != nil {
			return err
		}
	}
}

// evict drops admissions at or before now-Window. Callers hold mu.
func (g *Gate) evict(now time.Time) {
	cutoff := now.Add(-g.limit.Window)
	i := 0
	for i < len(g.log) && !g.log[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.log = append(g.log[:0], g.log[i:]...)
	}
}

// InFlight is the number of admissions inside the current window.
func (g *Gate) InFlight() int {
	if !g.limit.enabled() {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evict(g.clock())
	return len(g.log)
}

// sleepCtx waits d on a timer, returning early with ctx's error.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
