package settlement

import (
	"fmt"
	"sync"

	"github.com/klingon-tech/polytorus-node/internal/storage"
	"github.com/klingon-tech/polytorus-node/pkg/types"
)

// LogConfig holds configuration for creating a Log.
type LogConfig struct {
	DB                    storage.DB
	BatchSize             uint64 // blocks per batch, from config.SettlementConfig
	ChallengePeriodBlocks uint64
	Resolver              DisputeResolver // nil defaults to AcceptAfterWindowResolver
}

// Log batches finalized blocks into settlement batches as the chain advances
// and tracks each batch through its challenge window, mirroring the way
// internal/subchain.Manager tracks sub-chain lifecycle off chain events.
type Log struct {
	registry  *Registry
	db        storage.DB
	batchSize uint64
	challenge uint64
	resolver  DisputeResolver

	mu         sync.Mutex
	nextID     uint64
	pendingLo  uint64 // start height of the batch currently being accumulated
	pendingTip types.Hash
	haveTip    bool
}

// NewLog creates a settlement log. If cfg.DB is non-nil, any previously
// persisted batches are restored synchronously.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.BatchSize == 0 {
		return nil, fmt.Errorf("settlement: batch size must be > 0")
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = AcceptAfterWindowResolver{}
	}

	var reg *Registry
	if cfg.DB != nil {
		loaded, err := LoadRegistry(cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("restore settlement log: %w", err)
		}
		reg = loaded
	} else {
		reg = NewRegistry()
	}

	var nextID uint64
	for _, b := range reg.List() {
		if b.ID >= nextID {
			nextID = b.ID + 1
		}
	}

	return &Log{
		registry:  reg,
		db:        cfg.DB,
		batchSize: cfg.BatchSize,
		challenge: cfg.ChallengePeriodBlocks,
		resolver:  resolver,
		nextID:    nextID,
	}, nil
}

// Registry exposes the underlying batch registry for read access (metrics,
// RPC surfaces).
func (l *Log) Registry() *Registry {
	return l.registry
}

// RecordFinalized folds a newly finalized block into the in-progress batch,
// closing and persisting it once it reaches the configured batch size.
func (l *Log) RecordFinalized(height uint64, blockHash types.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.haveTip {
		l.pendingLo = height
		l.haveTip = true
	}
	l.pendingTip = blockHash

	span := height - l.pendingLo + 1
	if span < l.batchSize {
		return nil
	}

	b := &Batch{
		ID:                    l.nextID,
		StartHeight:           l.pendingLo,
		EndHeight:             height,
		StateRoot:             blockHash,
		ChallengePeriodBlocks: l.challenge,
		Status:                StatusPending,
	}
	if err := l.registry.Register(b); err != nil {
		return err
	}
	if l.db != nil {
		if err := l.registry.SaveOne(l.db, b.ID); err != nil {
			return fmt.Errorf("persist settlement batch %d: %w", b.ID, err)
		}
	}
	l.nextID++
	l.haveTip = false
	return nil
}

// RaiseDispute challenges batchID on behalf of challenger. It fails if the
// batch is unknown, already matured, or the challenger is ineligible per the
// configured DisputeResolver.
func (l *Log) RaiseDispute(batchID uint64, challenger []byte, reason string, currentHeight uint64) error {
	eligible, err := l.resolver.CanDispute(challenger)
	if err != nil {
		return fmt.Errorf("settlement: evaluate challenger: %w", err)
	}
	if !eligible {
		return fmt.Errorf("settlement: challenger is not eligible to dispute")
	}

	if err := l.registry.MarkDisputed(batchID, currentHeight); err != nil {
		return err
	}
	if l.db != nil {
		if err := l.registry.SaveOne(l.db, batchID); err != nil {
			return fmt.Errorf("persist disputed batch %d: %w", batchID, err)
		}
	}
	return nil
}

// AdvanceHeight settles every pending batch whose challenge window has
// elapsed as of currentHeight and returns the batches that just settled. It
// should be called once per newly finalized height.
func (l *Log) AdvanceHeight(currentHeight uint64) ([]*Batch, error) {
	settled := l.registry.SettleMatured(currentHeight)
	if l.db == nil {
		return settled, nil
	}
	for _, b := range settled {
		if err := l.registry.SaveOne(l.db, b.ID); err != nil {
			return settled, fmt.Errorf("persist settled batch %d: %w", b.ID, err)
		}
	}
	return settled, nil
}
