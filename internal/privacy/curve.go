// Package privacy implements the confidential-amount, nullifier,
// stealth-address and ring-signature primitives of the private transaction
// path, built on the same secp256k1 curve the rest of the node signs with.
package privacy

import (
	"crypto/elliptic"
	"encoding/binary"
	"errors"
	"io"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/klingon-tech/polytorus-node/pkg/crypto"
)

var curve = secp256k1.S256()

// ErrInvalidPoint is returned when decoding a compressed curve point fails.
var ErrInvalidPoint = errors.New("privacy: invalid curve point encoding")

// hGenX, hGenY is a nothing-up-my-sleeve second generator, independent of the
// curve's standard base point, derived by hashing a fixed domain string to a
// curve point via try-and-increment. Its discrete log relative to G is
// unknown to anyone, which is what makes Pedersen commitments binding.
var hGenX, hGenY = hashToCurve([]byte("klingnet/privacy/pedersen-h-generator"))

// hashToCurve deterministically maps seed to a point on the curve using
// try-and-increment: secp256k1's field modulus p satisfies p ≡ 3 (mod 4), so
// a square root of a quadratic residue r is r^((p+1)/4) mod p.
func hashToCurve(seed []byte) (x, y *big.Int) {
	p := curve.Params().P
	sqrtExp := new(big.Int).Rsh(new(big.Int).Add(p, big.NewInt(1)), 2)

	for counter := uint64(0); ; counter++ {
		buf := make([]byte, 0, len(seed)+8)
		buf = append(buf, seed...)
		buf = binary.BigEndian.AppendUint64(buf, counter)
		h := crypto.Hash(buf)

		cx := new(big.Int).Mod(new(big.Int).SetBytes(h[:]), p)
		rhs := new(big.Int).Exp(cx, big.NewInt(3), p)
		rhs.Add(rhs, big.NewInt(7))
		rhs.Mod(rhs, p)

		cy := new(big.Int).Exp(rhs, sqrtExp, p)
		check := new(big.Int).Exp(cy, big.NewInt(2), p)
		if check.Cmp(rhs) == 0 {
			return cx, cy
		}
	}
}

func scalarMultBase(k *big.Int) (x, y *big.Int) {
	return curve.ScalarBaseMult(modN(k).Bytes())
}

func scalarMultPoint(px, py, k *big.Int) (x, y *big.Int) {
	return curve.ScalarMult(px, py, modN(k).Bytes())
}

func addPoints(x1, y1, x2, y2 *big.Int) (x, y *big.Int) {
	return curve.Add(x1, y1, x2, y2)
}

func negatePoint(x, y *big.Int) (nx, ny *big.Int) {
	return x, new(big.Int).Sub(curve.Params().P, y)
}

func modN(k *big.Int) *big.Int {
	return new(big.Int).Mod(k, curve.Params().N)
}

func randScalar(rng io.Reader) (*big.Int, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rng, buf); err != nil {
		return nil, err
	}
	return modN(new(big.Int).SetBytes(buf)), nil
}

func compress(x, y *big.Int) []byte {
	return elliptic.MarshalCompressed(curve, x, y)
}

func decompress(b []byte) (x, y *big.Int, err error) {
	x, y = elliptic.UnmarshalCompressed(curve, b)
	if x == nil {
		return nil, nil, ErrInvalidPoint
	}
	return x, y, nil
}

func challengeScalar(parts ...[]byte) *big.Int {
	buf := make([]byte, 0, 256)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	h := crypto.Hash(buf)
	return modN(new(big.Int).SetBytes(h[:]))
}
