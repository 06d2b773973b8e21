package privacy

import "math/big"

// Commitment is a Pedersen commitment C = blinding*G + value*H over secp256k1.
// It is hiding (C reveals nothing about value without the blinding) and
// binding (no efficient way to open C to two different values) under the
// discrete-log assumption, since nobody knows log_G(H).
type Commitment struct {
	X, Y *big.Int
}

// CommitValue commits to value with the given blinding factor.
func CommitValue(value uint64, blinding *big.Int) Commitment {
	bx, by := scalarMultBase(blinding)
	vx, vy := scalarMultPoint(hGenX, hGenY, new(big.Int).SetUint64(value))
	x, y := addPoints(bx, by, vx, vy)
	return Commitment{X: x, Y: y}
}

// Verify recomputes the commitment from (value, blinding) and compares.
func (c Commitment) Verify(value uint64, blinding *big.Int) bool {
	return c.Equal(CommitValue(value, blinding))
}

// Add returns the homomorphic sum of two commitments.
func (c Commitment) Add(o Commitment) Commitment {
	x, y := addPoints(c.X, c.Y, o.X, o.Y)
	return Commitment{X: x, Y: y}
}

// Sub returns the homomorphic difference c - o.
func (c Commitment) Sub(o Commitment) Commitment {
	nx, ny := negatePoint(o.X, o.Y)
	x, y := addPoints(c.X, c.Y, nx, ny)
	return Commitment{X: x, Y: y}
}

// Equal reports whether two commitments are the same curve point.
func (c Commitment) Equal(o Commitment) bool {
	if c.X == nil || o.X == nil {
		return c.X == o.X && c.Y == o.Y
	}
	return c.X.Cmp(o.X) == 0 && c.Y.Cmp(o.Y) == 0
}

// Bytes returns the 33-byte compressed point encoding.
func (c Commitment) Bytes() []byte {
	return compress(c.X, c.Y)
}

// CommitmentFromBytes decodes a compressed point encoding.
func CommitmentFromBytes(b []byte) (Commitment, error) {
	x, y, err := decompress(b)
	if err != nil {
		return Commitment{}, err
	}
	return Commitment{X: x, Y: y}, nil
}

// VerifyBalance checks the homomorphic balance predicate:
// sum(inputs) - sum(outputs) - commit(fee, 0) == identity.
// Per spec 4.2, callers must ensure the sum of output blinding factors plus
// the implicit zero fee blinding equals the sum of input blinding factors
// when constructing a private transaction; VerifyBalance only checks the
// resulting equation holds on the curve.
func VerifyBalance(inputs, outputs []Commitment, fee uint64) bool {
	if len(inputs) == 0 || len(outputs) == 0 {
		return false
	}
	sumIn := inputs[0]
	for _, c := range inputs[1:] {
		sumIn = sumIn.Add(c)
	}
	sumOut := outputs[0]
	for _, c := range outputs[1:] {
		sumOut = sumOut.Add(c)
	}
	feeCommit := CommitValue(fee, big.NewInt(0))
	rhs := sumOut.Add(feeCommit)
	return sumIn.Equal(rhs)
}
