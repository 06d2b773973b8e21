// Package orchestrator wires layers (execution, consensus, settlement, data
// availability, monitoring) together through an internal/bus message bus and
// exposes the node-level facade (execute_transaction, submit_block,
// get_state, get_metrics, get_layer_health) on top of it. internal/node.Node
// still owns process lifecycle and CLI/RPC wiring; the Orchestrator is the
// piece of it responsible for moving events between layers instead of each
// layer reaching into its neighbors directly.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/klingon-tech/polytorus-node/internal/bus"
	"github.com/klingon-tech/polytorus-node/internal/chain"
	"github.com/klingon-tech/polytorus-node/internal/mempool"
	"github.com/klingon-tech/polytorus-node/pkg/block"
	"github.com/klingon-tech/polytorus-node/pkg/tx"
	"github.com/klingon-tech/polytorus-node/pkg/types"
)

// HandleBudget bounds how long a registered handler is given to process one
// drained message before the orchestrator logs it as slow and moves on. The
// message itself already left the bus; a slow handler delays that one layer,
// not the rest of the system.
const HandleBudget = 100 * time.Millisecond

// HealthPollInterval is how often the orchestrator polls every registered
// layer's health probe.
const HealthPollInterval = 15 * time.Second

// Handler processes one message drained from the bus on behalf of the layer
// it was registered for.
type Handler func(ctx context.Context, msg bus.Message) error

// Metrics is a point-in-time snapshot of orchestrator activity.
type Metrics struct {
	BlocksProcessed uint64
	TxsProcessed    uint64
	EventsHandled   uint64
	ErrorCount      uint64
}

// ErrorRate is ErrorCount / EventsHandled, or 0 if nothing has been handled yet.
func (m Metrics) ErrorRate() float64 {
	if m.EventsHandled == 0 {
		return 0
	}
	return float64(m.ErrorCount) / float64(m.EventsHandled)
}

// StateSnapshot is a read-only view of the chain's current tip.
type StateSnapshot struct {
	Height  uint64
	TipHash types.Hash
	Supply  uint64
}

// Result is the outcome of submitting a block through the facade.
type Result struct {
	Accepted  bool
	BlockHash types.Hash
	Height    uint64
	Error     string
}

type layer struct {
	reg        bus.Registration
	handler    Handler
	unregister func()
}

// Orchestrator drains a message bus into per-layer handlers and exposes the
// node-level operations described above it.
type Orchestrator struct {
	bus    *bus.Bus
	chain  *chain.Chain
	pool   *mempool.Pool
	logger zerolog.Logger

	mu     sync.RWMutex
	layers map[string]*layer

	blocksProcessed atomic.Uint64
	txsProcessed    atomic.Uint64
	eventsHandled   atomic.Uint64
	errorCount      atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Orchestrator with its own internal bus, wired to ch for
// submit_block/get_state and pool for execute_transaction.
func New(ch *chain.Chain, pool *mempool.Pool, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		bus:    bus.New(),
		chain:  ch,
		pool:   pool,
		logger: logger.With().Str("component", "orchestrator").Logger(),
		layers: make(map[string]*layer),
	}
}

// Bus exposes the underlying message bus so components outside the
// orchestrator's own layer set (e.g. the P2P notifier) can publish events
// into it without the orchestrator needing to know about them by name.
func (o *Orchestrator) Bus() *bus.Bus {
	return o.bus
}

// RegisterLayer subscribes a component to the bus and starts a goroutine
// that drains messages addressed to it into handler, one at a time, each
// bounded by HandleBudget.
func (o *Orchestrator) RegisterLayer(reg bus.Registration, handler Handler) error {
	unregister, err := o.bus.Register(reg)
	if err != nil {
		return fmt.Errorf("orchestrator: register layer %q: %w", reg.ID, err)
	}

	o.mu.Lock()
	o.layers[reg.ID] = &layer{reg: reg, handler: handler, unregister: unregister}
	o.mu.Unlock()

	if o.ctx != nil {
		o.runLayer(reg.ID, handler)
	}
	return nil
}

// Start begins draining every already-registered layer and starts the
// periodic health-probe loop. Layers registered after Start is called begin
// draining immediately as part of RegisterLayer.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)

	o.mu.RLock()
	toRun := make([]*layer, 0, len(o.layers))
	for _, l := range o.layers {
		toRun = append(toRun, l)
	}
	o.mu.RUnlock()
	for _, l := range toRun {
		o.runLayer(l.reg.ID, l.handler)
	}

	o.wg.Add(1)
	go o.healthLoop()
}

// Stop notifies every layer over the bus and waits for their drain
// goroutines and the health loop to exit.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.bus.Shutdown()
	o.wg.Wait()
}

func (o *Orchestrator) runLayer(id string, handler Handler) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			msg, ok := o.bus.Receive(o.ctx, id)
			if !ok {
				return
			}
			if msg.Type == bus.Shutdown {
				return
			}
			o.handleWithBudget(id, handler, msg)
		}
	}()
}

func (o *Orchestrator) handleWithBudget(id string, handler Handler, msg bus.Message) {
	hctx, cancel := context.WithTimeout(o.ctx, HandleBudget)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- handler(hctx, msg) }()

	select {
	case err := <-done:
		o.recordOutcome(msg, err, id)
	case <-hctx.Done():
		o.eventsHandled.Add(1)
		o.errorCount.Add(1)
		o.logger.Warn().Str("layer", id).Str("message_id", msg.ID).Msg("handler exceeded budget")
		// The handler goroutine is left running; it will finish on its own
		// time and its result is discarded since the budget already lapsed.
	}
}

func (o *Orchestrator) recordOutcome(msg bus.Message, err error, id string) {
	o.eventsHandled.Add(1)
	if err != nil {
		o.errorCount.Add(1)
		o.logger.Warn().Err(err).Str("layer", id).Str("message_id", msg.ID).Msg("handler returned an error")
		return
	}
	switch msg.Type {
	case bus.BlockFinalized:
		o.blocksProcessed.Add(1)
	case bus.TransactionReceived:
		o.txsProcessed.Add(1)
	}
}

func (o *Orchestrator) healthLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(HealthPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			for id, status := range o.GetLayerHealth() {
				if status != bus.Healthy {
					o.logger.Warn().Str("layer", id).Str("status", status.String()).Msg("layer health check")
				}
			}
		}
	}
}

// GetLayerHealth polls every registered layer's health probe. A layer with
// no probe configured is reported Healthy.
func (o *Orchestrator) GetLayerHealth() map[string]bus.HealthStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]bus.HealthStatus, len(o.layers))
	for id, l := range o.layers {
		if l.reg.HealthProbe == nil {
			out[id] = bus.Healthy
			continue
		}
		out[id] = l.reg.HealthProbe()
	}
	return out
}

// GetMetrics returns a snapshot of orchestrator-wide counters.
func (o *Orchestrator) GetMetrics() Metrics {
	return Metrics{
		BlocksProcessed: o.blocksProcessed.Load(),
		TxsProcessed:    o.txsProcessed.Load(),
		EventsHandled:   o.eventsHandled.Load(),
		ErrorCount:      o.errorCount.Load(),
	}
}

// GetState returns a snapshot of the chain's current tip.
func (o *Orchestrator) GetState() StateSnapshot {
	st := o.chain.State()
	return StateSnapshot{Height: st.Height, TipHash: st.TipHash, Supply: st.Supply}
}

// ExecuteTransaction decodes raw as a JSON-encoded transaction, admits it to
// the mempool, and publishes a TransactionReceived event for any interested
// layer before returning its hash.
func (o *Orchestrator) ExecuteTransaction(raw []byte) (types.Hash, error) {
	var transaction tx.Transaction
	if err := json.Unmarshal(raw, &transaction); err != nil {
		return types.Hash{}, fmt.Errorf("orchestrator: decode transaction: %w", err)
	}

	if _, err := o.pool.Add(&transaction); err != nil {
		return types.Hash{}, fmt.Errorf("orchestrator: admit transaction: %w", err)
	}

	txHash := transaction.Hash()
	_ = o.bus.Publish(bus.Message{
		ID:          fmt.Sprintf("tx/%s", txHash),
		Type:        bus.TransactionReceived,
		SourceLayer: bus.LayerExecution,
		Payload:     txHash,
		Priority:    bus.Normal,
	})
	return txHash, nil
}

// SubmitBlock runs blk through the chain's validation/apply pipeline and
// publishes a BlockFinalized event on success.
func (o *Orchestrator) SubmitBlock(blk *block.Block) (Result, error) {
	if blk == nil || blk.Header == nil {
		return Result{Error: "nil block or header"}, fmt.Errorf("orchestrator: nil block or header")
	}
	hash := blk.Hash()

	if err := o.chain.ProcessBlock(blk); err != nil {
		return Result{Accepted: false, BlockHash: hash, Height: blk.Header.Height, Error: err.Error()}, err
	}

	_ = o.bus.Publish(bus.Message{
		ID:          fmt.Sprintf("block/%s", hash),
		Type:        bus.BlockFinalized,
		SourceLayer: bus.LayerConsensus,
		Payload:     hash,
		Priority:    bus.High,
	})
	return Result{Accepted: true, BlockHash: hash, Height: blk.Header.Height}, nil
}
