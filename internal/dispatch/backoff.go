package dispatch

import (
	"context"
	"math"
	"time"
)

func (d *Dispatcher) computeBackoff(attempt int) time.Duration {
	if d.cfg.BaseBackoff <= 0 {
		return 0
	}

	multiplier := math.Pow(2, float64(attempt-1))
	raw := time.Duration(float64(d.cfg.BaseBackoff) * multiplier)
	if d.cfg.MaxBackoff > 0 && raw > d.cfg.MaxBackoff {
		raw = d.cfg.MaxBackoff
	}

	return d.fullJitter(raw)
}

func (d *Dispatcher) fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}

	d.randMu.Lock()
	defer d.randMu.Unlock()

	return time.Duration(d.rnd.Int63n(int64(max) + 1))
}

func (d *Dispatcher) wait(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
