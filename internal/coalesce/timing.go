package coalesce

import "time"

// fireEpsilon is the remaining wait below which a window fires immediately
// instead of arming a near-zero timer that would race the add or expiry
// currently being processed.
const fireEpsilon = 2 * time.Millisecond

// timing is the pure firing policy. It is re-evaluated from the live window
// timestamps on every add and every timer expiry, never cached, so the
// decision always reflects the window's current state.
type timing struct {
	wait            time.Duration
	minWaitAfterAdd time.Duration
	minWait         time.Duration
	maxWait         time.Duration
}

func timingFromConfig[V any](cfg Config[V]) timing {
	return timing{
		wait:            cfg.Wait,
		minWaitAfterAdd: cfg.MinWaitAfterAdd,
		minWait:         cfg.MinWait,
		maxWait:         cfg.MaxWait,
	}
}

func (t timing) debounce() bool {
	return t.minWaitAfterAdd > 0
}

// remaining reports how long until the window must fire. ok is false when the
// window has no items yet.
//
// Throttle mode counts down from the first add. Debounce mode counts down
// from the last add, clamped between the floor (minWait) and the ceiling
// (maxWait), both measured from the first add.
func (t timing) remaining(now, firstAdd, lastAdd time.Time) (rem time.Duration, ok bool) {
	if firstAdd.IsZero() {
		return 0, false
	}

	if !t.debounce() {
		return t.wait - now.Sub(firstAdd), true
	}

	lo := t.minWait - now.Sub(firstAdd)
	hi := t.maxWait - now.Sub(firstAdd)
	rem = t.minWaitAfterAdd - now.Sub(lastAdd)
	if rem < lo {
		rem = lo
	}
	if rem > hi {
		rem = hi
	}
	return rem, true
}
