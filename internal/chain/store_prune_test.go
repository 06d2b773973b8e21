package chain

import (
	"testing"

	"github.com/klingon-tech/polytorus-node/internal/storage"
	"github.com/klingon-tech/polytorus-node/pkg/types"
)

func TestBlockStore_PruneBefore_KeepsHeaders(t *testing.T) {
	db := storage.NewMemory()
	bs := NewBlockStore(db)

	for h := uint64(0); h <= 5; h++ {
		blk := makeTestBlock(t, h, types.Hash{byte(h)})
		if err := bs.PutBlock(blk); err != nil {
			t.Fatalf("PutBlock(%d): %v", h, err)
		}
	}

	pruned, err := bs.PruneBefore(3, true)
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if pruned != 3 {
		t.Fatalf("pruned = %d, want 3", pruned)
	}

	for h := uint64(0); h < 3; h++ {
		blk, err := bs.GetBlockByHeight(h)
		if err != nil {
			t.Fatalf("GetBlockByHeight(%d): %v", h, err)
		}
		if blk.Header == nil {
			t.Fatalf("header missing at height %d", h)
		}
		if len(blk.Transactions) != 0 {
			t.Fatalf("height %d: expected transactions dropped, got %d", h, len(blk.Transactions))
		}
		isPruned, err := bs.IsPruned(blk.Hash())
		if err != nil || !isPruned {
			t.Fatalf("IsPruned(%d) = %v, %v, want true, nil", h, isPruned, err)
		}
	}

	for h := uint64(3); h <= 5; h++ {
		blk, err := bs.GetBlockByHeight(h)
		if err != nil {
			t.Fatalf("GetBlockByHeight(%d): %v", h, err)
		}
		if len(blk.Transactions) == 0 {
			t.Fatalf("height %d: expected transactions intact", h)
		}
	}

	watermark, err := bs.PrunedTo()
	if err != nil || watermark != 3 {
		t.Fatalf("PrunedTo = %d, %v, want 3, nil", watermark, err)
	}
}

func TestBlockStore_PruneBefore_DropsWithoutHeaders(t *testing.T) {
	db := storage.NewMemory()
	bs := NewBlockStore(db)

	blk := makeTestBlock(t, 0, types.Hash{})
	bs.PutBlock(blk)

	if _, err := bs.PruneBefore(1, false); err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}

	if has, _ := bs.HasBlock(blk.Hash()); has {
		t.Fatal("expected block record to be fully erased")
	}
}

func TestBlockStore_PruneBefore_Idempotent(t *testing.T) {
	db := storage.NewMemory()
	bs := NewBlockStore(db)

	for h := uint64(0); h <= 2; h++ {
		bs.PutBlock(makeTestBlock(t, h, types.Hash{byte(h)}))
	}

	if _, err := bs.PruneBefore(2, true); err != nil {
		t.Fatalf("first PruneBefore: %v", err)
	}
	pruned, err := bs.PruneBefore(2, true)
	if err != nil {
		t.Fatalf("second PruneBefore: %v", err)
	}
	if pruned != 0 {
		t.Fatalf("pruned = %d, want 0 on repeat call", pruned)
	}
}

func TestChain_ProcessBlock_PrunesOldBlocks(t *testing.T) {
	ch, validatorKey, _ := testChain(t)
	ch.SetDataAvailabilityPolicy(1, true)

	genesisBlock, _ := ch.GetBlockByHeight(0)
	prevOut := types.Outpoint{TxID: genesisBlock.Transactions[0].Hash(), Index: 0}

	blk1 := buildSignedBlock(t, ch, validatorKey, validatorKey, prevOut, 4000)
	if err := ch.ProcessBlock(blk1); err != nil {
		t.Fatalf("ProcessBlock(1): %v", err)
	}

	prevOut2 := types.Outpoint{TxID: blk1.Transactions[1].Hash(), Index: 0}
	blk2 := buildSignedBlock(t, ch, validatorKey, validatorKey, prevOut2, 3000)
	if err := ch.ProcessBlock(blk2); err != nil {
		t.Fatalf("ProcessBlock(2): %v", err)
	}

	// Retention window of 1 block means cutoff = height(2) - 1 = 1:
	// genesis (height 0) should be pruned, heights 1 and 2 kept intact.
	pruned, err := ch.blocks.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}
	if len(pruned.Transactions) != 0 {
		t.Fatalf("expected genesis block pruned, got %d transactions", len(pruned.Transactions))
	}

	kept, err := ch.blocks.GetBlockByHeight(1)
	if err != nil {
		t.Fatalf("GetBlockByHeight(1): %v", err)
	}
	if len(kept.Transactions) == 0 {
		t.Fatal("expected height 1 to retain its transactions")
	}
}

func TestBlockStore_PruneBefore_CutoffBelowWatermarkIsNoop(t *testing.T) {
	db := storage.NewMemory()
	bs := NewBlockStore(db)
	bs.PutBlock(makeTestBlock(t, 0, types.Hash{}))

	if _, err := bs.PruneBefore(5, true); err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	pruned, err := bs.PruneBefore(2, true)
	if err != nil {
		t.Fatalf("PruneBefore with lower cutoff: %v", err)
	}
	if pruned != 0 {
		t.Fatalf("pruned = %d, want 0 when cutoff <= watermark", pruned)
	}
}
