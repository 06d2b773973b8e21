package settlement

import (
	"testing"

	"github.com/klingon-tech/polytorus-node/internal/storage"
	"github.com/klingon-tech/polytorus-node/pkg/types"
)

func newTestLog(t *testing.T, batchSize, challenge uint64) *Log {
	t.Helper()
	l, err := NewLog(LogConfig{
		DB:                    storage.NewMemory(),
		BatchSize:             batchSize,
		ChallengePeriodBlocks: challenge,
	})
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	return l
}

func TestLog_RecordFinalized_ClosesBatchAtSize(t *testing.T) {
	l := newTestLog(t, 3, 10)

	for h := uint64(0); h < 2; h++ {
		if err := l.RecordFinalized(h, types.Hash{byte(h)}); err != nil {
			t.Fatalf("RecordFinalized(%d): %v", h, err)
		}
	}
	if l.Registry().Count() != 0 {
		t.Fatalf("count = %d, want 0 before batch closes", l.Registry().Count())
	}

	if err := l.RecordFinalized(2, types.Hash{2}); err != nil {
		t.Fatalf("RecordFinalized(2): %v", err)
	}
	if l.Registry().Count() != 1 {
		t.Fatalf("count = %d, want 1 after batch closes", l.Registry().Count())
	}
	b, ok := l.Registry().Get(0)
	if !ok {
		t.Fatal("expected batch 0 registered")
	}
	if b.StartHeight != 0 || b.EndHeight != 2 {
		t.Fatalf("batch range = [%d,%d], want [0,2]", b.StartHeight, b.EndHeight)
	}

	// Next batch starts fresh.
	if err := l.RecordFinalized(3, types.Hash{3}); err != nil {
		t.Fatalf("RecordFinalized(3): %v", err)
	}
	if l.Registry().Count() != 1 {
		t.Fatalf("count = %d, want still 1 batch", l.Registry().Count())
	}
}

func TestLog_AdvanceHeight_SettlesMaturedBatches(t *testing.T) {
	l := newTestLog(t, 1, 5)

	if err := l.RecordFinalized(0, types.Hash{0}); err != nil {
		t.Fatalf("RecordFinalized: %v", err)
	}
	b, _ := l.Registry().Get(0)
	if b.Status != StatusPending {
		t.Fatalf("status = %v, want pending", b.Status)
	}

	settled, err := l.AdvanceHeight(4)
	if err != nil {
		t.Fatalf("AdvanceHeight(4): %v", err)
	}
	if len(settled) != 0 {
		t.Fatalf("settled = %v, want none before window elapses", settled)
	}

	settled, err = l.AdvanceHeight(5)
	if err != nil {
		t.Fatalf("AdvanceHeight(5): %v", err)
	}
	if len(settled) != 1 || settled[0].ID != 0 {
		t.Fatalf("settled = %+v, want [batch 0]", settled)
	}
}

func TestLog_RaiseDispute(t *testing.T) {
	l, err := NewLog(LogConfig{
		DB:        storage.NewMemory(),
		BatchSize: 1,
		Resolver:  AcceptAfterWindowResolver{},
	})
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	if err := l.RecordFinalized(0, types.Hash{0}); err != nil {
		t.Fatalf("RecordFinalized: %v", err)
	}

	if err := l.RaiseDispute(0, []byte("challenger"), "bad state root", 0); err != nil {
		t.Fatalf("RaiseDispute: %v", err)
	}
	b, _ := l.Registry().Get(0)
	if b.Status != StatusDisputed {
		t.Fatalf("status = %v, want disputed", b.Status)
	}
}

func TestLog_RestoresFromDB(t *testing.T) {
	db := storage.NewMemory()
	l, err := NewLog(LogConfig{DB: db, BatchSize: 1, ChallengePeriodBlocks: 10})
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	if err := l.RecordFinalized(0, types.Hash{0}); err != nil {
		t.Fatalf("RecordFinalized: %v", err)
	}

	restored, err := NewLog(LogConfig{DB: db, BatchSize: 1, ChallengePeriodBlocks: 10})
	if err != nil {
		t.Fatalf("NewLog (restore): %v", err)
	}
	if restored.Registry().Count() != 1 {
		t.Fatalf("restored count = %d, want 1", restored.Registry().Count())
	}

	// A new batch must not reuse the restored ID.
	if err := restored.RecordFinalized(1, types.Hash{1}); err != nil {
		t.Fatalf("RecordFinalized after restore: %v", err)
	}
	if _, ok := restored.Registry().Get(1); !ok {
		t.Fatal("expected new batch to get ID 1, not reuse ID 0")
	}
}
