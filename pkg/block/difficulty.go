package block

import "math"

// DifficultyConfig parameterizes the retargeting policy. Difficulty here is
// the number of required leading zero hex nibbles in a block hash.
type DifficultyConfig struct {
	Min                 uint64
	Max                 uint64
	TargetIntervalMs    uint64
	WindowSize          int
	TolerancePercentage float64 // e.g. 20 means +/-20%
	AdjustmentFactor    float64
}

// DefaultDifficultyConfig returns sane defaults for a fresh chain.
func DefaultDifficultyConfig() DifficultyConfig {
	return DifficultyConfig{
		Min:                 1,
		Max:                 32,
		TargetIntervalMs:    10_000,
		WindowSize:          10,
		TolerancePercentage: 20,
		AdjustmentFactor:    0.5,
	}
}

// NextDifficulty computes the next difficulty from a window of recent
// finalized-block timestamps (milliseconds, most recent first) following:
//
//  1. average inter-block interval over the window
//  2. ratio = target_interval / average_interval
//  3. if |ratio-1| <= tolerance, keep current difficulty
//  4. else new = clamp(current +/- ceil(|ratio-1| * adjustment_factor * current), min, max)
//
// Ties (equal-magnitude increase/decrease candidates) resolve toward the
// lower difficulty. The function is pure: identical inputs always produce
// the identical output.
func NextDifficulty(timestampsMsDesc []uint64, current uint64, cfg DifficultyConfig) uint64 {
	if len(timestampsMsDesc) < 2 {
		return clampDifficulty(current, cfg)
	}

	window := timestampsMsDesc
	if cfg.WindowSize > 0 && len(window) > cfg.WindowSize {
		window = window[:cfg.WindowSize]
	}

	var totalInterval uint64
	var intervals int
	for i := 0; i < len(window)-1; i++ {
		if window[i] <= window[i+1] {
			continue // non-monotonic input; ignore this pair defensively
		}
		totalInterval += window[i] - window[i+1]
		intervals++
	}
	if intervals == 0 {
		return clampDifficulty(current, cfg)
	}

	avgInterval := float64(totalInterval) / float64(intervals)
	if avgInterval <= 0 {
		return clampDifficulty(current, cfg)
	}

	ratio := float64(cfg.TargetIntervalMs) / avgInterval
	delta := ratio - 1
	tolerance := cfg.TolerancePercentage / 100
	if math.Abs(delta) <= tolerance {
		return clampDifficulty(current, cfg)
	}

	adjustment := uint64(math.Ceil(math.Abs(delta) * cfg.AdjustmentFactor * float64(current)))

	var next uint64
	if delta > 0 {
		next = current + adjustment
	} else if adjustment >= current {
		next = 0 // tie/overshoot resolves toward the lower bound
	} else {
		next = current - adjustment
	}
	return clampDifficulty(next, cfg)
}

func clampDifficulty(d uint64, cfg DifficultyConfig) uint64 {
	if cfg.Max > 0 && d > cfg.Max {
		return cfg.Max
	}
	if d < cfg.Min {
		return cfg.Min
	}
	return d
}
