package worker

import "testing"

func TestScalePolicy(t *testing.T) {
	cfg := PoolConfig{
		MinWorkers:  2,
		MaxWorkers:  4,
		GrowDepth:   3,
		GrowAfter:   2,
		ShrinkIdle:  1,
		ShrinkAfter: 2,
	}

	type sample struct {
		depth, idle, total int
		want               scaleDecision
	}

	tests := []struct {
		name    string
		samples []sample
	}{
		{
			name: "grows only after sustained depth",
			samples: []sample{
				{depth: 5, idle: 0, total: 2, want: scaleHold},
				{depth: 5, idle: 0, total: 2, want: scaleGrow},
			},
		},
		{
			name: "one quiet sample resets the grow streak",
			samples: []sample{
				{depth: 5, idle: 0, total: 2, want: scaleHold},
				{depth: 0, idle: 0, total: 2, want: scaleHold},
				{depth: 5, idle: 0, total: 2, want: scaleHold},
				{depth: 5, idle: 0, total: 2, want: scaleGrow},
			},
		},
		{
			name: "never grows past max",
			samples: []sample{
				{depth: 10, idle: 0, total: 4, want: scaleHold},
				{depth: 10, idle: 0, total: 4, want: scaleHold},
				{depth: 10, idle: 0, total: 4, want: scaleHold},
			},
		},
		{
			name: "shrinks after sustained idleness",
			samples: []sample{
				{depth: 0, idle: 3, total: 4, want: scaleHold},
				{depth: 0, idle: 3, total: 4, want: scaleShrink},
			},
		},
		{
			name: "never shrinks below min",
			samples: []sample{
				{depth: 0, idle: 2, total: 2, want: scaleHold},
				{depth: 0, idle: 2, total: 2, want: scaleHold},
				{depth: 0, idle: 2, total: 2, want: scaleHold},
			},
		},
		{
			name: "growth wins when both streaks complete",
			samples: []sample{
				{depth: 5, idle: 2, total: 3, want: scaleHold},
				{depth: 5, idle: 2, total: 3, want: scaleGrow},
			},
		},
		{
			name: "streaks reset after a decision",
			samples: []sample{
				{depth: 5, idle: 0, total: 2, want: scaleHold},
				{depth: 5, idle: 0, total: 2, want: scaleGrow},
				{depth: 5, idle: 0, total: 3, want: scaleHold},
				{depth: 5, idle: 0, total: 3, want: scaleGrow},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newScalePolicy(cfg)
			for i, s := range tt.samples {
				if got := p.observe(s.depth, s.idle, s.total); got != s.want {
					t.Fatalf("sample %d observe(%d, %d, %d) = %v, want %v",
						i, s.depth, s.idle, s.total, got, s.want)
				}
			}
		})
	}
}
