package chain

import (
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/klingon-tech/polytorus-node/config"
	"github.com/klingon-tech/polytorus-node/internal/consensus"
	"github.com/klingon-tech/polytorus-node/internal/execution"
	"github.com/klingon-tech/polytorus-node/internal/privacy"
	"github.com/klingon-tech/polytorus-node/internal/storage"
	"github.com/klingon-tech/polytorus-node/internal/utxo"
	"github.com/klingon-tech/polytorus-node/pkg/block"
	"github.com/klingon-tech/polytorus-node/pkg/crypto"
	"github.com/klingon-tech/polytorus-node/pkg/tx"
	"github.com/klingon-tech/polytorus-node/pkg/types"
)

// TestExecutionEngine_ConfidentialOutputUndoneOnReorg verifies that a
// confidential output's spend key, recorded via RecordRingMember when its
// block is applied, is removed again when that block is reverted during a
// reorg — otherwise the key would keep validating as a ring decoy for a
// chain state that no longer contains the output.
func TestExecutionEngine_ConfidentialOutputUndoneOnReorg(t *testing.T) {
	validatorKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	addr := crypto.AddressFromPubKey(validatorKey.PublicKey())

	poa, err := consensus.NewPoA([][]byte{validatorKey.PublicKey()}, 3)
	if err != nil {
		t.Fatalf("NewPoA: %v", err)
	}
	poa.SetSigner(validatorKey)

	db := storage.NewMemory()
	utxoStore := utxo.NewStore(db)

	ch, err := New(types.ChainID{}, db, utxoStore, poa)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	engine := execution.New(utxoStore, db, config.ExecutionConfig{
		MaxGasPerBlock: 10_000_000,
		MaxGasPerTx:    1_000_000,
		MinRingSize:    1,
		MaxRingSize:    8,
	})
	ch.SetExecutionEngine(engine)

	gen := &config.Genesis{
		ChainID:   "exec-wiring-test",
		ChainName: "Execution Wiring Test",
		Timestamp: 1700000000,
		Alloc: map[string]uint64{
			addr.String(): 100_000,
		},
		Protocol: config.ProtocolConfig{
			Consensus: config.ConsensusRules{
				Type:        config.ConsensusPoA,
				BlockTime:   3,
				BlockReward: 2000,
			},
		},
	}
	if err := ch.InitFromGenesis(gen); err != nil {
		t.Fatalf("InitFromGenesis: %v", err)
	}

	genesisHash := ch.TipHash()
	genBlk, _ := ch.GetBlockByHeight(0)
	allocOp := types.Outpoint{TxID: genBlk.Transactions[0].Hash(), Index: 0}

	_, spendPub, err := privacy.GenerateSpendKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateSpendKey: %v", err)
	}
	// A public input folds into the balance equation at zero blinding, so a
	// single private output spending it whole must also use zero blinding to
	// balance (the public->private transition has no "change" leg here to
	// absorb a nonzero blinding factor).
	blinding := big.NewInt(0)
	commit := privacy.CommitValue(100_000, blinding)
	proof, err := privacy.GenerateRangeProof(100_000, blinding, 32, rand.Reader)
	if err != nil {
		t.Fatalf("GenerateRangeProof: %v", err)
	}

	transfer := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: allocOp}},
		Outputs: []tx.Output{{
			Private: &tx.PrivateOutput{
				Commitment:  commit.Bytes(),
				RangeProof:  proof.Marshal(),
				SpendPubKey: spendPub,
			},
		}},
	}
	hash := transfer.Hash()
	sig, err := validatorKey.Sign(hash[:])
	if err != nil {
		t.Fatalf("sign transfer: %v", err)
	}
	transfer.Inputs[0].Signature = sig
	transfer.Inputs[0].PubKey = validatorKey.PublicKey()

	blkA1 := sealedBlockWithTxs(t, ch, poa, genesisHash, 1, addr, 0, transfer)
	if err := ch.ProcessBlock(blkA1); err != nil {
		t.Fatalf("process A1 with confidential output: %v", err)
	}

	known, err := engine.RingIndexHas(spendPub)
	if err != nil {
		t.Fatalf("RingIndexHas: %v", err)
	}
	if !known {
		t.Fatal("expected spend key to be recorded as a known ring member after apply")
	}

	// Fork a longer chain from genesis that doesn't include the transfer.
	blkB1 := sealedBlockWithTxs(t, ch, poa, genesisHash, 1, addr, 100)
	blkB2 := sealedBlockWithTxs(t, ch, poa, blkB1.Hash(), 2, addr, 100)
	if err := ch.ProcessBlock(blkB1); err != nil {
		t.Fatalf("process B1: %v", err)
	}
	if err := ch.ProcessBlock(blkB2); err != nil {
		t.Fatalf("process B2: %v", err)
	}

	if ch.TipHash() != blkB2.Hash() {
		t.Fatalf("expected reorg to B2, tip is %s", ch.TipHash())
	}

	known, err = engine.RingIndexHas(spendPub)
	if err != nil {
		t.Fatalf("RingIndexHas after reorg: %v", err)
	}
	if known {
		t.Fatal("expected spend key to be un-recorded after its block was reorged out")
	}
}

// sealedBlockWithTxs builds and seals a block containing a coinbase plus any
// extra transactions, mirroring buildCoinbaseBlock's sealing but allowing
// non-coinbase transactions to be included.
func sealedBlockWithTxs(t *testing.T, ch *Chain, poa *consensus.PoA, prevHash types.Hash, height uint64, addr types.Address, nonce uint64, extra ...*tx.Transaction) *block.Block {
	t.Helper()

	reward := uint64(1000) + nonce
	coinbase := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{}}},
		Outputs: []tx.Output{{
			Value:  reward,
			Script: types.Script{Type: types.ScriptTypeP2PKH, Data: addr[:]},
		}},
	}

	txs := append([]*tx.Transaction{coinbase}, extra...)
	hashes := make([]types.Hash, len(txs))
	for i, transaction := range txs {
		hashes[i] = transaction.Hash()
	}
	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   prevHash,
		MerkleRoot: block.ComputeMerkleRoot(hashes),
		Timestamp:  1700000000 + height*3 + nonce,
		Height:     height,
	}
	blk := block.NewBlock(header, txs)

	if err := poa.Prepare(blk.Header); err != nil {
		t.Fatalf("Prepare block at height %d: %v", height, err)
	}
	if err := poa.Seal(blk); err != nil {
		t.Fatalf("Seal block at height %d: %v", height, err)
	}
	return blk
}
