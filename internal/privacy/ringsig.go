package privacy

import (
	"errors"
	"io"
	"math/big"

	"github.com/klingon-tech/polytorus-node/pkg/types"
)

// RingSignature proves that the signer holds the secret key behind one of
// the ring's public keys, without revealing which, following the original
// CryptoNote/Monero traceable ring signature construction (an AOS ring of
// Schnorr sigma proofs tied together through a shared key image).
type RingSignature struct {
	Ring [][]byte // compressed public keys, size k
	C0   []byte   // initial challenge scalar
	R    [][]byte // k response scalars
}

var domainKeyImage = []byte("klingnet/privacy/ring/key-image-base")

// keyImageBase returns the outpoint-specific base point used for key images,
// distinct from the curve's standard generator so that the key image cannot
// be confused with an ordinary public key.
func keyImageBase(outpoint types.Outpoint) (x, y *big.Int) {
	buf := make([]byte, 0, len(domainKeyImage)+types.HashSize+4)
	buf = append(buf, domainKeyImage...)
	buf = append(buf, outpoint.TxID[:]...)
	var idx [4]byte
	idx[0] = byte(outpoint.Index >> 24)
	idx[1] = byte(outpoint.Index >> 16)
	idx[2] = byte(outpoint.Index >> 8)
	idx[3] = byte(outpoint.Index)
	buf = append(buf, idx[:]...)
	return hashToCurve(buf)
}

// KeyImage computes the deterministic key image for (secretKey, outpoint).
// Identical (secretKey, outpoint) pairs always yield the same key image;
// different outpoints (same key) yield different ones.
func KeyImage(secretKey *big.Int, outpoint types.Outpoint) [33]byte {
	hx, hy := keyImageBase(outpoint)
	ix, iy := scalarMultPoint(hx, hy, secretKey)
	var out [33]byte
	copy(out[:], compress(ix, iy))
	return out
}

// GenerateSpendKey creates a fresh secret scalar and its compressed public
// key, suitable both as a one-time output's SpendPubKey and as a ring
// decoy's entry. rng must be a cryptographically secure source.
func GenerateSpendKey(rng io.Reader) (secretKey *big.Int, pubKey []byte, err error) {
	sk, err := randScalar(rng)
	if err != nil {
		return nil, nil, err
	}
	x, y := scalarMultBase(sk)
	return sk, compress(x, y), nil
}

func outpointMessage(outpoint types.Outpoint) []byte {
	buf := make([]byte, 0, types.HashSize+4)
	buf = append(buf, outpoint.TxID[:]...)
	buf = append(buf, byte(outpoint.Index>>24), byte(outpoint.Index>>16), byte(outpoint.Index>>8), byte(outpoint.Index))
	return buf
}

// Sign produces a ring signature proving knowledge of the secret key behind
// ring[signerIndex], tied to outpoint via the key image. ring must include
// the signer's own compressed public key at signerIndex.
func Sign(outpoint types.Outpoint, secretKey *big.Int, ring [][]byte, signerIndex int, rng io.Reader) (*RingSignature, [33]byte, error) {
	k := len(ring)
	if k == 0 || signerIndex < 0 || signerIndex >= k {
		return nil, [33]byte{}, errors.New("privacy: invalid ring or signer index")
	}

	hx, hy := keyImageBase(outpoint)
	ix, iy := scalarMultPoint(hx, hy, secretKey)
	var keyImage [33]byte
	copy(keyImage[:], compress(ix, iy))

	msg := outpointMessage(outpoint)
	N := curve.Params().N

	c := make([]*big.Int, k)
	r := make([]*big.Int, k)

	kNonce, err := randScalar(rng)
	if err != nil {
		return nil, [33]byte{}, err
	}
	Lx, Ly := scalarMultBase(kNonce)
	Rx, Ry := scalarMultPoint(hx, hy, kNonce)

	idx := (signerIndex + 1) % k
	c[idx] = challengeScalar(msg, compress(Lx, Ly), compress(Rx, Ry))

	for i := 0; i < k-1; i++ {
		j := idx
		if j == signerIndex {
			break
		}
		rj, err := randScalar(rng)
		if err != nil {
			return nil, [33]byte{}, err
		}
		r[j] = rj

		pjx, pjy, err := decompress(ring[j])
		if err != nil {
			return nil, [33]byte{}, err
		}

		lx1, ly1 := scalarMultBase(rj)
		lx2, ly2 := scalarMultPoint(pjx, pjy, c[j])
		lx, ly := addPoints(lx1, ly1, lx2, ly2)

		rx1, ry1 := scalarMultPoint(hx, hy, rj)
		rx2, ry2 := scalarMultPoint(ix, iy, c[j])
		rx, ry := addPoints(rx1, ry1, rx2, ry2)

		idx = (j + 1) % k
		c[idx] = challengeScalar(msg, compress(lx, ly), compress(rx, ry))
	}

	// idx is now signerIndex again; close the ring with the real secret.
	r[signerIndex] = new(big.Int).Mod(
		new(big.Int).Sub(kNonce, new(big.Int).Mul(c[signerIndex], secretKey)),
		N,
	)

	rBytes := make([][]byte, k)
	for i, v := range r {
		rBytes[i] = v.Bytes()
	}

	return &RingSignature{
		Ring: ring,
		C0:   c[0].Bytes(),
		R:    rBytes,
	}, keyImage, nil
}

// Marshal encodes a ring signature as ring_size(2) || [pubkey(33)]... || c0(32) || [r_i(32)]...
func (sig *RingSignature) Marshal() []byte {
	k := len(sig.Ring)
	out := make([]byte, 0, 2+k*33+scalarFieldBytes+k*scalarFieldBytes)
	out = append(out, byte(k>>8), byte(k))
	for _, pk := range sig.Ring {
		out = append(out, pk...)
	}
	out = append(out, new(big.Int).SetBytes(sig.C0).FillBytes(make([]byte, scalarFieldBytes))...)
	for _, r := range sig.R {
		out = append(out, new(big.Int).SetBytes(r).FillBytes(make([]byte, scalarFieldBytes))...)
	}
	return out
}

// UnmarshalRingSignature decodes a ring signature produced by Marshal.
func UnmarshalRingSignature(b []byte) (*RingSignature, error) {
	if len(b) < 2 {
		return nil, errors.New("privacy: ring signature too short")
	}
	k := int(b[0])<<8 | int(b[1])
	b = b[2:]
	want := k*33 + scalarFieldBytes + k*scalarFieldBytes
	if k == 0 || len(b) != want {
		return nil, errors.New("privacy: ring signature has inconsistent length")
	}

	ring := make([][]byte, k)
	for i := 0; i < k; i++ {
		ring[i] = append([]byte(nil), b[i*33:(i+1)*33]...)
	}
	off := k * 33
	c0 := append([]byte(nil), b[off:off+scalarFieldBytes]...)
	off += scalarFieldBytes

	r := make([][]byte, k)
	for i := 0; i < k; i++ {
		r[i] = append([]byte(nil), b[off:off+scalarFieldBytes]...)
		off += scalarFieldBytes
	}
	return &RingSignature{Ring: ring, C0: c0, R: r}, nil
}

// Verify checks a ring signature against the given outpoint and key image.
func Verify(outpoint types.Outpoint, sig *RingSignature, keyImage [33]byte) bool {
	k := len(sig.Ring)
	if k == 0 || len(sig.R) != k {
		return false
	}
	ix, iy, err := decompress(keyImage[:])
	if err != nil {
		return false
	}
	hx, hy := keyImageBase(outpoint)
	msg := outpointMessage(outpoint)

	c0 := new(big.Int).SetBytes(sig.C0)
	c := new(big.Int).Set(c0)

	for i := 0; i < k; i++ {
		pix, piy, err := decompress(sig.Ring[i])
		if err != nil {
			return false
		}
		ri := new(big.Int).SetBytes(sig.R[i])

		lx1, ly1 := scalarMultBase(ri)
		lx2, ly2 := scalarMultPoint(pix, piy, c)
		lx, ly := addPoints(lx1, ly1, lx2, ly2)

		rx1, ry1 := scalarMultPoint(hx, hy, ri)
		rx2, ry2 := scalarMultPoint(ix, iy, c)
		rx, ry := addPoints(rx1, ry1, rx2, ry2)

		c = challengeScalar(msg, compress(lx, ly), compress(rx, ry))
	}

	return c.Cmp(c0) == 0
}
