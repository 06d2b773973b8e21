package settlement

import (
	"fmt"

	"github.com/klingon-tech/polytorus-node/internal/consensus"
)

// Dispute records a single challenge raised against a pending batch.
type Dispute struct {
	BatchID    uint64 `json:"batch_id"`
	Challenger []byte `json:"challenger"` // public key of the disputing party
	Reason     string `json:"reason"`
	RaisedAt   uint64 `json:"raised_at"` // chain height the dispute was raised at
}

// DisputeResolver decides whether a dispute against a pending batch is
// admissible and, eventually, whether it succeeds. Layers other than the
// default AcceptAfterWindowResolver (e.g. a fraud-proof verifier) can be
// plugged in without the Log needing to know the resolution mechanics.
type DisputeResolver interface {
	// CanDispute reports whether challenger is eligible to raise a dispute
	// at all, e.g. because they have sufficient stake locked to back the
	// challenge bond.
	CanDispute(challenger []byte) (bool, error)
	// Resolve decides the outcome of a raised dispute. A true result means
	// the dispute succeeds and the batch must not settle as proposed.
	Resolve(d *Dispute, b *Batch) (bool, error)
}

// StakeGatedResolver only allows disputes from challengers with sufficient
// stake locked on-chain, reusing the same stake-checking logic the consensus
// engine uses to gate block proposers. It resolves every admitted dispute in
// the challenger's favor; a production deployment would instead verify a
// fraud proof, but that verification is out of scope here (see
// Open Question 2 in the design notes).
type StakeGatedResolver struct {
	stake consensus.StakeChecker
}

// NewStakeGatedResolver creates a resolver that requires challengers to pass
// stake.
func NewStakeGatedResolver(stake consensus.StakeChecker) *StakeGatedResolver {
	return &StakeGatedResolver{stake: stake}
}

func (r *StakeGatedResolver) CanDispute(challenger []byte) (bool, error) {
	ok, err := r.stake.HasStake(challenger)
	if err != nil {
		return false, fmt.Errorf("settlement: check challenger stake: %w", err)
	}
	return ok, nil
}

func (r *StakeGatedResolver) Resolve(_ *Dispute, _ *Batch) (bool, error) {
	return true, nil
}

// AcceptAfterWindowResolver admits every dispute and never upholds one; it
// exists for deployments that don't want dispute gating at all (e.g. single
// validator test networks) while still satisfying the DisputeResolver
// interface the Log requires.
type AcceptAfterWindowResolver struct{}

func (AcceptAfterWindowResolver) CanDispute(_ []byte) (bool, error) { return true, nil }
func (AcceptAfterWindowResolver) Resolve(_ *Dispute, _ *Batch) (bool, error) {
	return false, nil
}
