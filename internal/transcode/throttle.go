package transcode

// DefaultProgressStep is the minimum advance, in percentage points, between
// forwarded progress events.
const DefaultProgressStep = 5

// throttle forwards a non-decreasing subset of progress samples: a sample passes
// when it advanced at least step points past the last forwarded value, and 100
// always passes once. The baseline counts as already forwarded.
type throttle struct {
	step int
	last int
}

func newThrottle(step, baseline int) *throttle {
	if step <= 0 {
		step = DefaultProgressStep
	}
	return &throttle{step: step, last: clampPercent(baseline)}
}

func (t *throttle) next(percent int) (int, bool) {
	percent = clampPercent(percent)
	if percent <= t.last {
		return t.last, false
	}
	if percent == 100 || percent-t.last >= t.step {
		t.last = percent
		return percent, true
	}
	return t.last, false
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
