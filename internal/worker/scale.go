package worker

// scaleDecision is the supervisor's verdict for one observation tick.
type scaleDecision int

const (
	scaleHold scaleDecision = iota
	scaleGrow
	scaleShrink
)

// scalePolicy decides when the pool grows or shrinks. Pressure has to
// be sustained: a single deep-queue or idle-worker sample resets
// nothing, only consecutive samples past the configured streak lengths
// trigger a resize. Growth wins over shrink when both streaks complete
// on the same tick.
type scalePolicy struct {
	min, max int

	growDepth int
	growAfter int

	shrinkIdle  int
	shrinkAfter int

	growStreak   int
	shrinkStreak int
}

func newScalePolicy(cfg PoolConfig) *scalePolicy {
	return &scalePolicy{
		min:         cfg.MinWorkers,
		max:         cfg.MaxWorkers,
		growDepth:   cfg.GrowDepth,
		growAfter:   cfg.GrowAfter,
		shrinkIdle:  cfg.ShrinkIdle,
		shrinkAfter: cfg.ShrinkAfter,
	}
}

// observe folds one sample of queue depth, idle worker count, and total
// worker count into the streaks and returns the decision for this tick.
func (s *scalePolicy) observe(depth, idle, total int) scaleDecision {
	if depth > s.growDepth && total < s.max {
		s.growStreak++
	} else {
		s.growStreak = 0
	}
	if idle > s.shrinkIdle && total > s.min {
		s.shrinkStreak++
	} else {
		s.shrinkStreak = 0
	}

	if s.growStreak >= s.growAfter {
		s.growStreak = 0
		s.shrinkStreak = 0
		return scaleGrow
	}
	if s.shrinkStreak >= s.shrinkAfter {
		s.shrinkStreak = 0
		return scaleShrink
	}
	return scaleHold
}
