package execution

import "github.com/klingon-tech/polytorus-node/pkg/tx"

// rangeProofBits is the largest bit width internal/privacy's range proofs
// accept (see privacy.GenerateRangeProof, whose caller picks the width);
// every private output is charged at this width, whatever width its proof
// actually uses. Kept here rather than imported so gas accounting has no
// dependency on the privacy package's internals.
const rangeProofBits = 64

// EstimateGas approximates the verification cost of t: a fixed base plus a
// per-input and per-output weight, with private inputs/outputs weighted
// further by ring size and range-proof bit width since verifying those is
// proportionally more expensive than a single ECDSA check.
func EstimateGas(t *tx.Transaction) uint64 {
	gas := uint64(gasBase)
	for _, in := range t.Inputs {
		gas += gasPerInput
		if in.Private != nil {
			gas += uint64(len(in.Private.Ring)) * gasPerRingSlot
		}
	}
	for _, out := range t.Outputs {
		gas += gasPerOutput
		if out.Private != nil {
			gas += uint64(rangeProofBits) * gasPerRangeBit
		}
	}
	return gas
}
