package block

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-tech/polytorus-node/pkg/tx"
	"github.com/klingon-tech/polytorus-node/pkg/types"
)

// Typestate lifecycle for blocks: Building -> Mined -> Validated -> Finalized.
//
// Go has no phantom types, so each state is a distinct opaque struct with an
// unexported payload and only the constructors/transitions below can produce
// one. Only Building permits mutating transactions; only a Finalized block
// may be handed to the chain as canonical.

// ErrMiningCancelled is returned by Mine when the context is cancelled before
// a valid nonce is found.
var ErrMiningCancelled = errors.New("mining cancelled")

// miningCheckBatch is how often (in nonce attempts) the mining loop checks
// for cancellation, keeping the search responsive without paying a
// select-per-iteration cost.
const miningCheckBatch = 1 << 16

// Building is a block under construction: transactions and nonce are mutable.
type Building struct {
	header *Header
	txs    []*tx.Transaction
	cfg    DifficultyConfig
	stats  MiningStats
}

// NewBuilding creates a new block under construction at the given height,
// extending prevHash, with an initial difficulty and mining-stats baseline.
func NewBuilding(txs []*tx.Transaction, prevHash types.Hash, height uint64, difficulty uint64, cfg DifficultyConfig, stats MiningStats) *Building {
	cp := make([]*tx.Transaction, len(txs))
	copy(cp, txs)
	return &Building{
		header: &Header{
			Version:    CurrentVersion,
			PrevHash:   prevHash,
			Height:     height,
			Difficulty: difficulty,
		},
		txs:   cp,
		cfg:   cfg,
		stats: stats,
	}
}

// AddTransaction appends a transaction while the block is still Building.
func (b *Building) AddTransaction(t *tx.Transaction) {
	b.txs = append(b.txs, t)
}

// SetTimestamp sets the block's proposed timestamp (milliseconds).
func (b *Building) SetTimestamp(ts uint64) {
	b.header.Timestamp = ts
}

// Difficulty returns the difficulty currently staged for mining.
func (b *Building) Difficulty() uint64 {
	return b.header.Difficulty
}

// Mine searches for a nonce satisfying the block's current difficulty.
func (b *Building) Mine(ctx context.Context) (*Mined, error) {
	return b.mine(ctx, b.header.Difficulty)
}

// MineWithDifficulty mines at an overridden difficulty, which must fall
// within [cfg.Min, cfg.Max].
func (b *Building) MineWithDifficulty(ctx context.Context, difficulty uint64) (*Mined, error) {
	if difficulty < b.cfg.Min || (b.cfg.Max > 0 && difficulty > b.cfg.Max) {
		return nil, fmt.Errorf("difficulty %d out of range [%d,%d]", difficulty, b.cfg.Min, b.cfg.Max)
	}
	return b.mine(ctx, difficulty)
}

// MineAdaptive computes a dynamic difficulty from recent finalized blocks,
// then mines at that difficulty.
func (b *Building) MineAdaptive(ctx context.Context, recent []*Finalized) (*Mined, error) {
	timestamps := make([]uint64, len(recent))
	for i, f := range recent {
		timestamps[i] = f.header.Timestamp
	}
	next := NextDifficulty(timestamps, b.header.Difficulty, b.cfg)
	return b.MineWithDifficulty(ctx, next)
}

func (b *Building) mine(ctx context.Context, difficulty uint64) (*Mined, error) {
	hdr := *b.header
	hdr.Difficulty = difficulty
	hdr.MerkleRoot = ComputeMerkleRoot(txHashes(b.txs))
	if hdr.Timestamp == 0 {
		hdr.Timestamp = uint64(time.Now().UnixMilli())
	}

	start := time.Now()
	var attempts uint64
	for nonce := uint64(0); ; nonce++ {
		if attempts%miningCheckBatch == 0 {
			select {
			case <-ctx.Done():
				return nil, ErrMiningCancelled
			default:
			}
		}
		attempts++
		hdr.Nonce = nonce
		if hasLeadingZeroNibbles(hdr.Hash(), difficulty) {
			stats := b.stats.recordSuccess(attempts, time.Since(start))
			blk := &Block{Header: &hdr, Transactions: b.txs}
			return &Mined{raw: blk, stats: stats}, nil
		}
		if nonce == ^uint64(0) {
			return nil, ErrMiningCancelled
		}
	}
}

// hasLeadingZeroNibbles reports whether h's hex representation starts with
// difficulty zero characters.
func hasLeadingZeroNibbles(h types.Hash, difficulty uint64) bool {
	s := h.String()
	n := int(difficulty)
	if n > len(s) {
		n = len(s)
	}
	for i := 0; i < n; i++ {
		if s[i] != '0' {
			return false
		}
	}
	return true
}

func txHashes(txs []*tx.Transaction) []types.Hash {
	hashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		hashes[i] = t.Hash()
	}
	return hashes
}

// Mined is a block with a nonce satisfying its declared difficulty, not yet
// structurally validated.
type Mined struct {
	raw   *Block
	stats MiningStats
}

// ValidationErrorKind enumerates the block-validation failure taxonomy from
// the spec's error-handling design (section 7, Block kinds).
type ValidationErrorKind string

const (
	BadPoW       ValidationErrorKind = "BadPoW"
	BadMerkle    ValidationErrorKind = "BadMerkle"
	BadTimestamp ValidationErrorKind = "BadTimestamp"
	BadTx        ValidationErrorKind = "BadTx"
)

// ValidationError wraps a validation failure with its taxonomy kind.
type ValidationError struct {
	Kind ValidationErrorKind
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// MaxClockSkew bounds how far into the future a block timestamp may sit
// relative to local time before it is rejected.
const MaxClockSkew = 2 * time.Minute

// Validate checks PoW threshold, Merkle root consistency, timestamp
// monotonicity against prev (nil for genesis), and per-tx structural
// validity, producing a Validated block on success.
func (m *Mined) Validate(prev *Finalized) (*Validated, error) {
	if !hasLeadingZeroNibbles(m.raw.Hash(), m.raw.Header.Difficulty) {
		return nil, &ValidationError{Kind: BadPoW, Err: fmt.Errorf("hash %s does not meet difficulty %d", m.raw.Hash(), m.raw.Header.Difficulty)}
	}

	expectedRoot := ComputeMerkleRoot(txHashes(m.raw.Transactions))
	if m.raw.Header.MerkleRoot != expectedRoot {
		return nil, &ValidationError{Kind: BadMerkle, Err: fmt.Errorf("merkle root mismatch: header=%s computed=%s", m.raw.Header.MerkleRoot, expectedRoot)}
	}

	now := uint64(time.Now().Add(MaxClockSkew).UnixMilli())
	if m.raw.Header.Timestamp > now {
		return nil, &ValidationError{Kind: BadTimestamp, Err: fmt.Errorf("timestamp %d too far in the future", m.raw.Header.Timestamp)}
	}
	if prev != nil {
		if m.raw.Header.PrevHash != prev.Hash() {
			return nil, &ValidationError{Kind: BadTimestamp, Err: fmt.Errorf("prev_hash mismatch")}
		}
		if m.raw.Header.Timestamp <= prev.header().Timestamp {
			return nil, &ValidationError{Kind: BadTimestamp, Err: fmt.Errorf("timestamp %d does not exceed predecessor %d", m.raw.Header.Timestamp, prev.header().Timestamp)}
		}
	}

	for i, t := range m.raw.Transactions {
		if err := t.Validate(); err != nil {
			return nil, &ValidationError{Kind: BadTx, Err: fmt.Errorf("tx %d: %w", i, err)}
		}
	}
	if err := m.raw.Validate(); err != nil {
		return nil, &ValidationError{Kind: BadTx, Err: err}
	}

	return &Validated{raw: m.raw, stats: m.stats}, nil
}

// Stats returns the mining-stats snapshot carried by this block.
func (m *Mined) Stats() MiningStats { return m.stats }

// Validated is a block that has passed structural and PoW validation.
type Validated struct {
	raw   *Block
	stats MiningStats
}

// Finalize performs the infallible tag change into Finalized.
func (v *Validated) Finalize() *Finalized {
	return &Finalized{raw: v.raw, stats: v.stats}
}

// Finalized is a block eligible for inclusion in the canonical chain.
type Finalized struct {
	raw   *Block
	stats MiningStats
}

// NewFinalizedFromBlock wraps a pre-validated Block (e.g. genesis, or a block
// recovered from storage) as Finalized without re-running the state machine.
// Callers are responsible for having validated blk through other means.
func NewFinalizedFromBlock(blk *Block, stats MiningStats) *Finalized {
	return &Finalized{raw: blk, stats: stats}
}

func (f *Finalized) header() *Header { return f.raw.Header }

// Header returns the block's header.
func (f *Finalized) Header() *Header { return f.raw.Header }

// Transactions returns the block's transactions.
func (f *Finalized) Transactions() []*tx.Transaction { return f.raw.Transactions }

// Hash returns the block header hash.
func (f *Finalized) Hash() types.Hash { return f.raw.Hash() }

// Stats returns the mining-stats snapshot carried by this block.
func (f *Finalized) Stats() MiningStats { return f.stats }

// Block returns the underlying plain Block, e.g. for persistence or gossip.
// Callers must not mutate the returned value.
func (f *Finalized) Block() *Block { return f.raw }
