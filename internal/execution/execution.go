// Package execution admits transactions into the UTXO set and applies
// finalized blocks, dispatching each input and output between the public
// (plaintext) path and the confidential path backed by internal/privacy.
package execution

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/klingon-tech/polytorus-node/config"
	"github.com/klingon-tech/polytorus-node/internal/miner"
	"github.com/klingon-tech/polytorus-node/internal/privacy"
	"github.com/klingon-tech/polytorus-node/internal/storage"
	"github.com/klingon-tech/polytorus-node/internal/utxo"
	"github.com/klingon-tech/polytorus-node/pkg/tx"
	"github.com/klingon-tech/polytorus-node/pkg/types"
)

// Admission failure taxonomy.
var (
	ErrUnknownOutpoint       = errors.New("execution: unknown outpoint")
	ErrBadSignature          = errors.New("execution: bad signature")
	ErrBadRingSig            = errors.New("execution: bad ring signature")
	ErrNullifierReplayed     = errors.New("execution: nullifier replayed")
	ErrRangeProofFailed      = errors.New("execution: range proof failed")
	ErrBalanceMismatch       = errors.New("execution: balance mismatch")
	ErrDoubleSpendWithinBlock = errors.New("execution: double spend within block")
	ErrOverGasLimit          = errors.New("execution: gas limit exceeded")
	ErrRingSizeOutOfBounds   = errors.New("execution: ring size out of bounds")
	ErrUnknownRingMember     = errors.New("execution: ring member is not a known output")
	ErrUTXOAgeOutOfBounds    = errors.New("execution: ring member UTXO age out of bounds")
)

// Engine admits transactions and applies finalized blocks against a UTXO
// set, a nullifier registry and a ring-member index.
type Engine struct {
	utxos      *utxo.Store
	provider   tx.UTXOProvider
	nullifiers *privacy.NullifierRegistry
	ringIndex  *RingMemberIndex
	cfg        config.ExecutionConfig
}

// New builds an execution engine over the given UTXO store and database
// (used for the nullifier registry and ring-member index).
func New(utxos *utxo.Store, db storage.DB, cfg config.ExecutionConfig) *Engine {
	return &Engine{
		utxos:      utxos,
		provider:   miner.NewUTXOAdapter(utxos),
		nullifiers: privacy.NewNullifierRegistry(db),
		ringIndex:  NewRingMemberIndex(db),
		cfg:        cfg,
	}
}

// BlockReceipt summarizes the effect of applying a block.
type BlockReceipt struct {
	Height      uint64       `json:"height"`
	BlockHash   types.Hash   `json:"block_hash"`
	TxHashes    []types.Hash `json:"tx_hashes"`
	GasUsed     uint64       `json:"gas_used"`
	FeesTotal   uint64       `json:"fees_total"`
}

// gasCost is the approximate per-item cost used by EstimateGas and the
// block gas accounting in ApplyBlock. These weights are fixed package
// constants; they are not read from config or genesis (config only supplies
// the per-tx and per-block gas limits they are checked against).
const (
	gasBase        = 1000
	gasPerInput    = 2000
	gasPerOutput   = 1500
	gasPerRingSlot = 3000 // extra cost per ring member, verifying a ring sig is O(ring size)
	gasPerRangeBit = 200
)

// RecordSpentNullifier inserts n into the persistent nullifier registry.
// Callers apply a private input's transaction only after this succeeds, so
// a replayed nullifier can never be spent twice across blocks.
func (e *Engine) RecordSpentNullifier(n types.Hash) error {
	return e.nullifiers.Insert(n)
}

// RecordRingMember records pubKey as a known confidential-output spend key
// anchored at height, so a future ring signature may legitimately include it
// as a decoy once it clears the configured minimum UTXO age.
func (e *Engine) RecordRingMember(pubKey []byte, height uint64) error {
	return e.ringIndex.Add(pubKey, height)
}

// UnrecordSpentNullifier undoes RecordSpentNullifier for a block reverted
// during a reorg, so the nullifier can be spent again on the new branch.
func (e *Engine) UnrecordSpentNullifier(n types.Hash) error {
	return e.nullifiers.Remove(n)
}

// UnrecordRingMember undoes RecordRingMember for a block reverted during a
// reorg, so a ring signature can no longer cite the removed output as a
// decoy.
func (e *Engine) UnrecordRingMember(pubKey []byte) error {
	return e.ringIndex.Remove(pubKey)
}

// RingIndexHas reports whether pubKey is currently a known confidential
// output spend key — a wallet can use this before assembling a ring to
// check that a candidate decoy is actually usable.
func (e *Engine) RingIndexHas(pubKey []byte) (bool, error) {
	return e.ringIndex.Has(pubKey)
}

func asAdmitError(kind error, i int, inner error) error {
	return fmt.Errorf("%w: input %d: %v", kind, i, inner)
}

// zeroBlinding is the blinding factor used to fold a plaintext amount into
// the confidential balance equation as a commitment with no hiding factor.
func zeroBlinding() *big.Int {
	return big.NewInt(0)
}
