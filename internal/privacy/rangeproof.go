package privacy

import (
	"errors"
	"io"
	"math/big"
)

// DefaultRangeProofBits is the full 64-bit width (0 <= amount < 2^64), the
// widest GenerateRangeProof accepts. GenerateRangeProof takes the width as a
// parameter and does not read this constant.
const DefaultRangeProofBits = 64

// bitProof is a Schnorr OR-proof that a per-bit commitment opens to 0 or 1,
// without revealing which. c0+c1 is checked against a Fiat-Shamir challenge
// derived from both of the proof's recomputed commitments.
type bitProof struct {
	C0, C1 *big.Int
	Z0, Z1 *big.Int
}

// RangeProof proves 0 <= amount < 2^Bits for a Pedersen commitment, via a
// per-bit decomposition: each bit gets its own Pedersen commitment and OR
// proof, and the bit commitments are checked to sum (with binary weights) to
// the original commitment point.
type RangeProof struct {
	Bits       int
	BitCommits []Commitment
	Proofs     []bitProof
}

var domainRangeProof = []byte("klingnet/privacy/rangeproof/bit")

// GenerateRangeProof proves that amount fits in bits bits and is consistent
// with commitment C = blinding*G + amount*H.
func GenerateRangeProof(amount uint64, blinding *big.Int, bits int, rng io.Reader) (*RangeProof, error) {
	if bits <= 0 || bits > 64 {
		return nil, errors.New("privacy: invalid range proof bit width")
	}
	if bits < 64 && amount >= (uint64(1)<<uint(bits)) {
		return nil, errors.New("privacy: amount does not fit in requested bit width")
	}

	bitBlindings := make([]*big.Int, bits)
	bitCommits := make([]Commitment, bits)
	proofs := make([]bitProof, bits)

	// Blinding factors for all but the last bit are random; the last bit's
	// blinding is fixed so the weighted sum of bit blindings equals the
	// overall commitment's blinding factor exactly.
	sumWeighted := big.NewInt(0)
	N := curve.Params().N
	for i := 0; i < bits-1; i++ {
		bi, err := randScalar(rng)
		if err != nil {
			return nil, err
		}
		bitBlindings[i] = bi
		weight := new(big.Int).Lsh(big.NewInt(1), uint(i))
		sumWeighted.Add(sumWeighted, new(big.Int).Mul(bi, weight))
	}
	lastWeight := new(big.Int).Lsh(big.NewInt(1), uint(bits-1))
	lastWeightInv := new(big.Int).ModInverse(lastWeight, N)
	remainder := new(big.Int).Mod(new(big.Int).Sub(blinding, sumWeighted), N)
	bitBlindings[bits-1] = new(big.Int).Mod(new(big.Int).Mul(remainder, lastWeightInv), N)

	for i := 0; i < bits; i++ {
		bit := (amount >> uint(i)) & 1
		bc := CommitValue(bit, bitBlindings[i])
		bitCommits[i] = bc

		proof, err := proveBit(bc, bitBlindings[i], bit == 1, rng)
		if err != nil {
			return nil, err
		}
		proofs[i] = proof
	}

	return &RangeProof{Bits: bits, BitCommits: bitCommits, Proofs: proofs}, nil
}

// proveBit proves that commit opens to 0 or 1 for blinding r, without
// revealing which, via a two-branch Schnorr OR proof against bases G (bit=0:
// commit = r*G) and G with target commit-H (bit=1: commit-H = r*G).
func proveBit(commit Commitment, r *big.Int, isOne bool, rng io.Reader) (bitProof, error) {
	N := curve.Params().N
	target0 := commit // bit=0 branch target: commit = r*G
	t1x, t1y := commit.Sub(Commitment{X: hGenX, Y: hGenY}).X, commit.Sub(Commitment{X: hGenX, Y: hGenY}).Y
	target1 := Commitment{X: t1x, Y: t1y} // bit=1 branch target: commit-H = r*G

	var c0, c1, z0, z1 *big.Int
	var a0x, a0y, a1x, a1y *big.Int

	if !isOne {
		// Real branch is 0; simulate branch 1.
		fc1, err := randScalar(rng)
		if err != nil {
			return bitProof{}, err
		}
		fz1, err := randScalar(rng)
		if err != nil {
			return bitProof{}, err
		}
		c1, z1 = fc1, fz1
		a1x, a1y = simulateSchnorr(target1, c1, z1)

		k0, err := randScalar(rng)
		if err != nil {
			return bitProof{}, err
		}
		a0x, a0y = scalarMultBase(k0)
		e := challengeScalar(domainRangeProof, compress(a0x, a0y), compress(a1x, a1y))
		c0 = new(big.Int).Mod(new(big.Int).Sub(e, c1), N)
		z0 = new(big.Int).Mod(new(big.Int).Add(k0, new(big.Int).Mul(c0, r)), N)
	} else {
		// Real branch is 1; simulate branch 0.
		fc0, err := randScalar(rng)
		if err != nil {
			return bitProof{}, err
		}
		fz0, err := randScalar(rng)
		if err != nil {
			return bitProof{}, err
		}
		c0, z0 = fc0, fz0
		a0x, a0y = simulateSchnorr(target0, c0, z0)

		k1, err := randScalar(rng)
		if err != nil {
			return bitProof{}, err
		}
		a1x, a1y = scalarMultBase(k1)
		e := challengeScalar(domainRangeProof, compress(a0x, a0y), compress(a1x, a1y))
		c1 = new(big.Int).Mod(new(big.Int).Sub(e, c0), N)
		z1 = new(big.Int).Mod(new(big.Int).Add(k1, new(big.Int).Mul(c1, r)), N)
	}

	return bitProof{C0: c0, C1: c1, Z0: z0, Z1: z1}, nil
}

// simulateSchnorr computes a = z*G - c*Target for a chosen (c,z), producing
// a transcript that is indistinguishable from a real one without knowing
// Target's discrete log.
func simulateSchnorr(target Commitment, c, z *big.Int) (x, y *big.Int) {
	zx, zy := scalarMultBase(z)
	cx, cy := scalarMultPoint(target.X, target.Y, c)
	ncx, ncy := negatePoint(cx, cy)
	return addPoints(zx, zy, ncx, ncy)
}

// VerifyRangeProof checks a range proof against the original commitment.
func VerifyRangeProof(proof *RangeProof, commitment Commitment) bool {
	if proof == nil || len(proof.BitCommits) != proof.Bits || len(proof.Proofs) != proof.Bits {
		return false
	}

	N := curve.Params().N
	for i, bc := range proof.BitCommits {
		p := proof.Proofs[i]
		target0 := bc
		t1x, t1y := bc.Sub(Commitment{X: hGenX, Y: hGenY}).X, bc.Sub(Commitment{X: hGenX, Y: hGenY}).Y
		target1 := Commitment{X: t1x, Y: t1y}

		a0x, a0y := simulateSchnorr(target0, p.C0, p.Z0)
		a1x, a1y := simulateSchnorr(target1, p.C1, p.Z1)
		e := challengeScalar(domainRangeProof, compress(a0x, a0y), compress(a1x, a1y))

		sum := new(big.Int).Mod(new(big.Int).Add(p.C0, p.C1), N)
		if sum.Cmp(e) != 0 {
			return false
		}
	}

	// Reconstruct the weighted sum of bit commitments and compare it with the
	// whole original commitment. The H-weighted parts sum to amount*H, and the
	// G-weighted parts sum to blinding*G because GenerateRangeProof chose the
	// last bit's blinding to make the weighted blindings add up to it.
	sumX, sumY := weightedSum(proof.BitCommits)
	return sumX.Cmp(commitment.X) == 0 && sumY.Cmp(commitment.Y) == 0
}

// scalarFieldBytes is the fixed width used to serialize scalars mod N.
const scalarFieldBytes = 32

// Marshal encodes a range proof as bits(1) || per-bit(commit(33) || c0(32) || c1(32) || z0(32) || z1(32)).
func (p *RangeProof) Marshal() []byte {
	out := make([]byte, 0, 1+p.Bits*(33+4*scalarFieldBytes))
	out = append(out, byte(p.Bits))
	for i := 0; i < p.Bits; i++ {
		out = append(out, p.BitCommits[i].Bytes()...)
		pr := p.Proofs[i]
		out = append(out, pr.C0.FillBytes(make([]byte, scalarFieldBytes))...)
		out = append(out, pr.C1.FillBytes(make([]byte, scalarFieldBytes))...)
		out = append(out, pr.Z0.FillBytes(make([]byte, scalarFieldBytes))...)
		out = append(out, pr.Z1.FillBytes(make([]byte, scalarFieldBytes))...)
	}
	return out
}

// UnmarshalRangeProof decodes a range proof produced by Marshal.
func UnmarshalRangeProof(b []byte) (*RangeProof, error) {
	if len(b) < 1 {
		return nil, errors.New("privacy: range proof too short")
	}
	bits := int(b[0])
	stride := 33 + 4*scalarFieldBytes
	b = b[1:]
	if bits <= 0 || len(b) != bits*stride {
		return nil, errors.New("privacy: range proof has inconsistent length")
	}

	commits := make([]Commitment, bits)
	proofs := make([]bitProof, bits)
	for i := 0; i < bits; i++ {
		chunk := b[i*stride : (i+1)*stride]
		c, err := CommitmentFromBytes(chunk[:33])
		if err != nil {
			return nil, err
		}
		commits[i] = c
		off := 33
		c0 := new(big.Int).SetBytes(chunk[off : off+scalarFieldBytes])
		off += scalarFieldBytes
		c1 := new(big.Int).SetBytes(chunk[off : off+scalarFieldBytes])
		off += scalarFieldBytes
		z0 := new(big.Int).SetBytes(chunk[off : off+scalarFieldBytes])
		off += scalarFieldBytes
		z1 := new(big.Int).SetBytes(chunk[off : off+scalarFieldBytes])
		proofs[i] = bitProof{C0: c0, C1: c1, Z0: z0, Z1: z1}
	}
	return &RangeProof{Bits: bits, BitCommits: commits, Proofs: proofs}, nil
}

func weightedSum(bitCommits []Commitment) (x, y *big.Int) {
	var accX, accY *big.Int
	for i, bc := range bitCommits {
		weight := new(big.Int).Lsh(big.NewInt(1), uint(i))
		wx, wy := scalarMultPoint(bc.X, bc.Y, weight)
		if accX == nil {
			accX, accY = wx, wy
			continue
		}
		accX, accY = addPoints(accX, accY, wx, wy)
	}
	return accX, accY
}
