package block

import (
	"context"
	"errors"
	"testing"

	"github.com/klingon-tech/polytorus-node/pkg/tx"
	"github.com/klingon-tech/polytorus-node/pkg/types"
)

func coinbaseTx(t *testing.T, addr types.Address, value uint64) *tx.Transaction {
	t.Helper()
	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{
			{PrevOut: types.Outpoint{}},
		},
		Outputs: []tx.Output{
			{Value: value, Script: types.Script{Type: types.ScriptTypeP2PKH, Data: addr[:]}},
		},
	}
}

// S1 — mine a single-tx block at difficulty 1.
func TestLifecycle_MineValidateFinalize(t *testing.T) {
	var addr types.Address
	cb := coinbaseTx(t, addr, 50)

	b := NewBuilding([]*tx.Transaction{cb}, types.Hash{}, 1, 1, DefaultDifficultyConfig(), MiningStats{})
	b.SetTimestamp(1000)

	mined, err := b.Mine(context.Background())
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if !hasLeadingZeroNibbles(mined.raw.Hash(), 1) {
		t.Fatalf("mined hash %s does not start with a zero nibble", mined.raw.Hash())
	}
	if mined.Stats().SuccessfulMines != 1 {
		t.Fatalf("successful_mines = %d, want 1", mined.Stats().SuccessfulMines)
	}

	validated, err := mined.Validate(nil)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	finalized := validated.Finalize()
	if finalized.Header().Height != 1 {
		t.Fatalf("height = %d, want 1", finalized.Header().Height)
	}
}

// S6 — tampering with a transaction after mining invalidates the block.
func TestLifecycle_ValidateRejectsTamperedMerkle(t *testing.T) {
	var addr types.Address
	cb := coinbaseTx(t, addr, 50)

	b := NewBuilding([]*tx.Transaction{cb}, types.Hash{}, 1, 1, DefaultDifficultyConfig(), MiningStats{})
	b.SetTimestamp(1000)
	mined, err := b.Mine(context.Background())
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}

	// Tamper: change an output value without recomputing the merkle root or nonce.
	mined.raw.Transactions[0].Outputs[0].Value = 999

	_, err = mined.Validate(nil)
	if err == nil {
		t.Fatal("expected validation error after tampering")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if verr.Kind != BadMerkle {
		t.Fatalf("kind = %s, want BadMerkle", verr.Kind)
	}
}

func TestLifecycle_MineRespectsCancellation(t *testing.T) {
	var addr types.Address
	cb := coinbaseTx(t, addr, 50)

	// A difficulty high enough that the search won't finish before cancellation.
	b := NewBuilding([]*tx.Transaction{cb}, types.Hash{}, 1, 20, DefaultDifficultyConfig(), MiningStats{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.mine(ctx, 20)
	if !errors.Is(err, ErrMiningCancelled) {
		t.Fatalf("err = %v, want ErrMiningCancelled", err)
	}
}

func TestLifecycle_TimestampMustExceedPredecessor(t *testing.T) {
	var addr types.Address
	genesisCb := coinbaseTx(t, addr, 0)
	gb := NewBuilding([]*tx.Transaction{genesisCb}, types.Hash{}, 0, 1, DefaultDifficultyConfig(), MiningStats{})
	gb.SetTimestamp(1000)
	gmined, err := gb.Mine(context.Background())
	if err != nil {
		t.Fatalf("Mine genesis: %v", err)
	}
	gvalidated, err := gmined.Validate(nil)
	if err != nil {
		t.Fatalf("Validate genesis: %v", err)
	}
	genesis := gvalidated.Finalize()

	cb := coinbaseTx(t, addr, 50)
	b := NewBuilding([]*tx.Transaction{cb}, genesis.Hash(), 1, 1, DefaultDifficultyConfig(), MiningStats{})
	b.SetTimestamp(1000) // same as predecessor, must be rejected
	mined, err := b.Mine(context.Background())
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	_, err = mined.Validate(genesis)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Kind != BadTimestamp {
		t.Fatalf("expected BadTimestamp, got %v", err)
	}
}

// S5 — difficulty retargeting is stable inside tolerance.
func TestNextDifficulty_StableInsideTolerance(t *testing.T) {
	cfg := DifficultyConfig{Min: 1, Max: 64, TargetIntervalMs: 10_000, WindowSize: 5, TolerancePercentage: 20, AdjustmentFactor: 0.5}
	// 5 timestamps (most recent first) each exactly target_interval apart.
	ts := []uint64{50_000, 40_000, 30_000, 20_000, 10_000}
	got := NextDifficulty(ts, 8, cfg)
	if got != 8 {
		t.Fatalf("NextDifficulty = %d, want 8 (unchanged)", got)
	}
}

func TestNextDifficulty_RaisesWhenBlocksTooFast(t *testing.T) {
	cfg := DifficultyConfig{Min: 1, Max: 64, TargetIntervalMs: 10_000, WindowSize: 5, TolerancePercentage: 10, AdjustmentFactor: 1}
	// Average interval 5000ms vs target 10000ms -> ratio 2, over tolerance.
	ts := []uint64{25_000, 20_000, 15_000, 10_000, 5_000}
	got := NextDifficulty(ts, 10, cfg)
	if got <= 10 {
		t.Fatalf("NextDifficulty = %d, want > 10", got)
	}
}

func TestNextDifficulty_Pure(t *testing.T) {
	cfg := DefaultDifficultyConfig()
	ts := []uint64{90_000, 70_000, 55_000, 40_000, 20_000}
	a := NextDifficulty(ts, 4, cfg)
	b := NextDifficulty(ts, 4, cfg)
	if a != b {
		t.Fatalf("NextDifficulty not pure: %d != %d", a, b)
	}
}
