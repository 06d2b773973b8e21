package execution

import (
	"errors"
	"fmt"
	"math"

	"github.com/klingon-tech/polytorus-node/internal/utxo"
	"github.com/klingon-tech/polytorus-node/pkg/block"
	"github.com/klingon-tech/polytorus-node/pkg/tx"
	"github.com/klingon-tech/polytorus-node/pkg/types"
)

// Coinbase/block-level errors, mirroring internal/chain's validateBlockState
// rules but enforced here so the execution engine can also apply
// confidential blocks that chain.Chain never sees directly (e.g. in tests
// or alternate front-ends that build blocks without going through Chain).
var (
	ErrEmptyBlock           = errors.New("execution: block has no transactions")
	ErrMissingCoinbase      = errors.New("execution: missing coinbase transaction")
	ErrCoinbaseNotZeroInput = errors.New("execution: coinbase must have exactly one zero-outpoint input")
	ErrCoinbaseHasToken     = errors.New("execution: coinbase may not mint tokens")
	ErrMultipleCoinbase     = errors.New("execution: only transaction 0 may carry a coinbase input")
)

// ApplyBlock admits every transaction in b, then mutates the UTXO set,
// nullifier registry and ring-member index to reflect it. The caller is
// responsible for everything upstream of execution: header/PoW validity,
// parent linkage, and consensus-specific checks (internal/chain.ProcessBlock
// does this for the node's own chain). ApplyBlock itself only enforces the
// UTXO-level invariants that a malformed block could otherwise violate: a
// single well-formed coinbase, no double spends within the block, and gas
// accounted against the configured per-block limit.
func (e *Engine) ApplyBlock(b *block.Finalized) (*BlockReceipt, error) {
	txs := b.Transactions()
	if len(txs) == 0 {
		return nil, ErrEmptyBlock
	}

	coinbase := txs[0]
	if err := validateCoinbaseShape(coinbase); err != nil {
		return nil, err
	}
	for _, t := range txs[1:] {
		for _, in := range t.Inputs {
			if in.PrevOut.IsZero() {
				return nil, ErrMultipleCoinbase
			}
		}
	}

	seenOutpoints := make(map[types.Outpoint]bool)
	seenNullifiers := make(map[types.Hash]bool)

	receipt := &BlockReceipt{
		Height:    b.Header().Height,
		BlockHash: b.Hash(),
	}

	var totalFees uint64
	for i, t := range txs {
		gas := EstimateGas(t)
		if gas > e.cfg.MaxGasPerTx {
			return nil, fmt.Errorf("%w: tx %d uses %d gas", ErrOverGasLimit, i, gas)
		}
		if receipt.GasUsed > math.MaxUint64-gas || receipt.GasUsed+gas > e.cfg.MaxGasPerBlock {
			return nil, fmt.Errorf("%w: block exceeds %d gas", ErrOverGasLimit, e.cfg.MaxGasPerBlock)
		}
		receipt.GasUsed += gas

		var fee uint64
		var err error
		if i == 0 {
			// The coinbase has no real inputs to admit; it just needs its
			// outputs recorded so later transactions can reference them (not
			// possible in the same block, but keeps the ledger consistent).
			for _, in := range t.Inputs {
				if !in.PrevOut.IsZero() {
					seenOutpoints[in.PrevOut] = true
				}
			}
		} else {
			_, fee, err = e.Admit(t, b.Header().Height, seenOutpoints, seenNullifiers)
			if err != nil {
				return nil, fmt.Errorf("tx %d: %w", i, err)
			}
		}
		if totalFees > math.MaxUint64-fee {
			return nil, fmt.Errorf("execution: fee total overflow at tx %d", i)
		}
		totalFees += fee
		receipt.TxHashes = append(receipt.TxHashes, t.Hash())
	}

	mintedValue, err := coinbase.TotalOutputValue()
	if err != nil {
		return nil, fmt.Errorf("coinbase: %w", err)
	}
	if mintedValue < totalFees {
		return nil, fmt.Errorf("execution: coinbase value %d below recycled fees %d", mintedValue, totalFees)
	}
	receipt.FeesTotal = totalFees

	for i, t := range txs {
		isCoinbase := i == 0
		if err := e.applyTransaction(t, b.Header().Height, isCoinbase); err != nil {
			return nil, fmt.Errorf("apply tx %d: %w", i, err)
		}
	}

	return receipt, nil
}

func validateCoinbaseShape(coinbase *tx.Transaction) error {
	if coinbase == nil {
		return ErrMissingCoinbase
	}
	if len(coinbase.Inputs) != 1 || !coinbase.Inputs[0].PrevOut.IsZero() {
		return ErrCoinbaseNotZeroInput
	}
	for _, out := range coinbase.Outputs {
		if out.Token != nil || out.Private != nil {
			return ErrCoinbaseHasToken
		}
	}
	return nil
}

// applyTransaction mutates the UTXO set, nullifier registry and ring-member
// index to reflect an already-admitted transaction.
func (e *Engine) applyTransaction(t *tx.Transaction, height uint64, isCoinbase bool) error {
	txHash := t.Hash()

	for _, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if in.Private != nil {
			if err := e.nullifiers.Insert(in.Private.Nullifier); err != nil {
				return fmt.Errorf("record nullifier: %w", err)
			}
		}
		if err := e.utxos.Delete(in.PrevOut); err != nil {
			return fmt.Errorf("spend %s: %w", in.PrevOut, err)
		}
	}

	for i, out := range t.Outputs {
		u := &utxo.UTXO{
			Outpoint: types.Outpoint{TxID: txHash, Index: uint32(i)},
			Value:    out.Value,
			Script:   out.Script,
			Token:    out.Token,
			Height:   height,
			Coinbase: isCoinbase,
		}
		if out.Private != nil {
			u.PrivateCommitment = out.Private.Commitment
			if err := e.ringIndex.Add(out.Private.SpendPubKey, height); err != nil {
				return fmt.Errorf("index spend key: %w", err)
			}
		}
		if err := e.utxos.Put(u); err != nil {
			return fmt.Errorf("create output %s:%d: %w", txHash, i, err)
		}
	}
	return nil
}
