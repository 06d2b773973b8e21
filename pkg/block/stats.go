package block

import "time"

// MiningStats is a running record of mining activity for a block lineage.
// It is carried alongside the block through Building -> Mined -> Validated ->
// Finalized so that callers can observe aggregate mining performance without
// re-deriving it from the chain.
type MiningStats struct {
	TotalAttempts    uint64
	SuccessfulMines  uint64
	AvgMiningTimeMs  uint64
}

// SuccessRate returns SuccessfulMines/TotalAttempts, or 0 if no attempts were made.
func (s MiningStats) SuccessRate() float64 {
	if s.TotalAttempts == 0 {
		return 0
	}
	return float64(s.SuccessfulMines) / float64(s.TotalAttempts)
}

// recordSuccess returns a new MiningStats reflecting one additional successful
// mine that took attempts nonce tries and elapsed wall-clock time.
func (s MiningStats) recordSuccess(attempts uint64, elapsed time.Duration) MiningStats {
	next := MiningStats{
		TotalAttempts:   s.TotalAttempts + attempts,
		SuccessfulMines: s.SuccessfulMines + 1,
	}
	elapsedMs := uint64(elapsed.Milliseconds())
	if next.SuccessfulMines == 1 {
		next.AvgMiningTimeMs = elapsedMs
	} else {
		// Running average over successful mines only.
		prevTotal := s.AvgMiningTimeMs * s.SuccessfulMines
		next.AvgMiningTimeMs = (prevTotal + elapsedMs) / next.SuccessfulMines
	}
	return next
}
