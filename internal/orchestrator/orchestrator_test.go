package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/klingon-tech/polytorus-node/config"
	"github.com/klingon-tech/polytorus-node/internal/bus"
	"github.com/klingon-tech/polytorus-node/internal/chain"
	"github.com/klingon-tech/polytorus-node/internal/consensus"
	"github.com/klingon-tech/polytorus-node/internal/mempool"
	"github.com/klingon-tech/polytorus-node/internal/miner"
	"github.com/klingon-tech/polytorus-node/internal/storage"
	"github.com/klingon-tech/polytorus-node/internal/utxo"
	"github.com/klingon-tech/polytorus-node/pkg/block"
	"github.com/klingon-tech/polytorus-node/pkg/crypto"
	"github.com/klingon-tech/polytorus-node/pkg/tx"
	"github.com/klingon-tech/polytorus-node/pkg/types"
)

// testRig builds a minimal chain + mempool pair, mirroring the wiring
// internal/node.New performs, for exercising the orchestrator facade.
func testRig(t *testing.T) (*chain.Chain, *mempool.Pool, *crypto.PrivateKey) {
	t.Helper()

	validatorKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	poa, err := consensus.NewPoA([][]byte{validatorKey.PublicKey()}, 3)
	if err != nil {
		t.Fatalf("NewPoA: %v", err)
	}
	poa.SetSigner(validatorKey)

	db := storage.NewMemory()
	utxoStore := utxo.NewStore(db)
	ch, err := chain.New(types.ChainID{}, db, utxoStore, poa)
	if err != nil {
		t.Fatalf("chain.New: %v", err)
	}

	addr := crypto.AddressFromPubKey(validatorKey.PublicKey())
	gen := &config.Genesis{
		ChainID:   "test-chain-1",
		ChainName: "Test Chain",
		Timestamp: 1700000000,
		Alloc:     map[string]uint64{addr.String(): 5000},
		Protocol: config.ProtocolConfig{
			Consensus: config.ConsensusRules{Type: config.ConsensusPoA, BlockTime: 3, BlockReward: 1000},
			SubChain:  config.SubChainRules{MaxDepth: 5, MaxPerParent: 10, AnchorInterval: 10},
		},
	}
	if err := ch.InitFromGenesis(gen); err != nil {
		t.Fatalf("InitFromGenesis: %v", err)
	}

	adapter := miner.NewUTXOAdapter(utxoStore)
	pool := mempool.New(adapter, 100)

	return ch, pool, validatorKey
}

func buildBlock(t *testing.T, ch *chain.Chain, key *crypto.PrivateKey, prevOut types.Outpoint, value uint64) *block.Block {
	t.Helper()
	coinbase := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{}}},
		Outputs: []tx.Output{{Value: 1000, Script: types.Script{Type: types.ScriptTypeP2PKH, Data: make([]byte, 20)}}},
	}
	spendAddr := crypto.AddressFromPubKey(key.PublicKey())
	b := tx.NewBuilder().AddInput(prevOut).AddOutput(value, types.Script{Type: types.ScriptTypeP2PKH, Data: spendAddr.Bytes()})
	b.Sign(key)
	userTx := b.Build()

	txs := []*tx.Transaction{coinbase, userTx}
	merkle := block.ComputeMerkleRoot([]types.Hash{txs[0].Hash(), txs[1].Hash()})
	state := ch.State()
	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   state.TipHash,
		MerkleRoot: merkle,
		Timestamp:  1700000001 + state.Height,
		Height:     state.Height + 1,
	}
	blk := block.NewBlock(header, txs)

	poa, err := consensus.NewPoA([][]byte{key.PublicKey()}, 3)
	if err != nil {
		t.Fatalf("NewPoA: %v", err)
	}
	poa.SetSigner(key)
	if err := poa.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return blk
}

func TestOrchestrator_GetState(t *testing.T) {
	ch, pool, _ := testRig(t)
	o := New(ch, pool, zerolog.Nop())

	state := o.GetState()
	if state.Height != 0 {
		t.Fatalf("Height = %d, want 0", state.Height)
	}
}

func TestOrchestrator_SubmitBlock(t *testing.T) {
	ch, pool, key := testRig(t)
	o := New(ch, pool, zerolog.Nop())
	o.Start(context.Background())
	defer o.Stop()

	received := make(chan bus.Message, 1)
	o.RegisterLayer(bus.Registration{ID: "watcher", LayerType: bus.LayerMonitoring}, func(_ context.Context, msg bus.Message) error {
		received <- msg
		return nil
	})

	genesisBlock, err := ch.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}
	prevOut := types.Outpoint{TxID: genesisBlock.Transactions[0].Hash(), Index: 0}
	blk := buildBlock(t, ch, key, prevOut, 4000)

	result, err := o.SubmitBlock(blk)
	if err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	if !result.Accepted || result.Height != 1 {
		t.Fatalf("result = %+v, want accepted height 1", result)
	}

	select {
	case msg := <-received:
		if msg.Type != bus.BlockFinalized {
			t.Fatalf("message type = %v, want BlockFinalized", msg.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected watcher layer to observe BlockFinalized")
	}

	metrics := o.GetMetrics()
	if metrics.BlocksProcessed != 1 {
		t.Fatalf("BlocksProcessed = %d, want 1", metrics.BlocksProcessed)
	}
}

func TestOrchestrator_SubmitBlock_Rejected(t *testing.T) {
	ch, pool, _ := testRig(t)
	o := New(ch, pool, zerolog.Nop())

	badHeader := &block.Header{Version: block.CurrentVersion, Height: 99}
	blk := block.NewBlock(badHeader, nil)

	result, err := o.SubmitBlock(blk)
	if err == nil {
		t.Fatal("expected error submitting a malformed block")
	}
	if result.Accepted {
		t.Fatal("expected Accepted=false on failure")
	}
}

func TestOrchestrator_ExecuteTransaction(t *testing.T) {
	ch, pool, key := testRig(t)
	o := New(ch, pool, zerolog.Nop())

	genesisBlock, err := ch.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}
	prevOut := types.Outpoint{TxID: genesisBlock.Transactions[0].Hash(), Index: 0}
	spendAddr := crypto.AddressFromPubKey(key.PublicKey())
	b := tx.NewBuilder().AddInput(prevOut).AddOutput(1000, types.Script{Type: types.ScriptTypeP2PKH, Data: spendAddr.Bytes()})
	b.Sign(key)
	userTx := b.Build()

	raw, err := json.Marshal(userTx)
	if err != nil {
		t.Fatalf("marshal tx: %v", err)
	}

	hash, err := o.ExecuteTransaction(raw)
	if err != nil {
		t.Fatalf("ExecuteTransaction: %v", err)
	}
	if hash != userTx.Hash() {
		t.Fatalf("hash = %s, want %s", hash, userTx.Hash())
	}
}

func TestOrchestrator_ExecuteTransaction_BadPayload(t *testing.T) {
	ch, pool, _ := testRig(t)
	o := New(ch, pool, zerolog.Nop())

	if _, err := o.ExecuteTransaction([]byte("not json")); err == nil {
		t.Fatal("expected error decoding malformed payload")
	}
}

func TestOrchestrator_GetLayerHealth(t *testing.T) {
	ch, pool, _ := testRig(t)
	o := New(ch, pool, zerolog.Nop())

	o.RegisterLayer(bus.Registration{
		ID:        "exec",
		LayerType: bus.LayerExecution,
		HealthProbe: func() bus.HealthStatus {
			return bus.Degraded
		},
	}, func(context.Context, bus.Message) error { return nil })
	o.RegisterLayer(bus.Registration{ID: "settlement", LayerType: bus.LayerSettlement}, func(context.Context, bus.Message) error { return nil })

	health := o.GetLayerHealth()
	if health["exec"] != bus.Degraded {
		t.Fatalf("exec health = %v, want Degraded", health["exec"])
	}
	if health["settlement"] != bus.Healthy {
		t.Fatalf("settlement health = %v, want Healthy (no probe configured)", health["settlement"])
	}
}

func TestOrchestrator_HandlerBudgetExceeded(t *testing.T) {
	ch, pool, key := testRig(t)
	o := New(ch, pool, zerolog.Nop())
	o.Start(context.Background())
	defer o.Stop()

	slowStarted := make(chan struct{})
	o.RegisterLayer(bus.Registration{ID: "slow", LayerType: bus.LayerMonitoring}, func(ctx context.Context, _ bus.Message) error {
		close(slowStarted)
		<-ctx.Done()
		return ctx.Err()
	})

	genesisBlock, _ := ch.GetBlockByHeight(0)
	prevOut := types.Outpoint{TxID: genesisBlock.Transactions[0].Hash(), Index: 0}
	blk := buildBlock(t, ch, key, prevOut, 4000)
	if _, err := o.SubmitBlock(blk); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}

	select {
	case <-slowStarted:
	case <-time.After(time.Second):
		t.Fatal("expected slow handler to start")
	}

	// Give the budget timeout a moment to fire and record the outcome.
	time.Sleep(2 * HandleBudget)
	metrics := o.GetMetrics()
	if metrics.ErrorCount == 0 {
		t.Fatal("expected a budget-exceeded handler to count as an error")
	}
}
