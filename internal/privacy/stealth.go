package privacy

import (
	"io"

	"github.com/klingon-tech/polytorus-node/pkg/crypto"
	"github.com/klingon-tech/polytorus-node/pkg/types"
)

// StealthAddress is a one-time address triple derivable by the recipient but
// unlinkable to any other triple derived for the same recipient.
type StealthAddress struct {
	OneTimeAddress types.Address
	ViewKey        []byte
	SpendKey       []byte
}

var (
	domainStealthOTA   = []byte("klingnet/privacy/stealth/one-time-address")
	domainStealthView  = []byte("klingnet/privacy/stealth/view-key")
	domainStealthSpend = []byte("klingnet/privacy/stealth/spend-key")
)

// CreateStealthAddress derives a fresh address triple scoped to
// recipientSeed. All three fields also depend on 32 bytes of randomness read
// from rng, so two calls for the same recipientSeed with independent
// randomness yield pairwise distinct one_time_address, view_key and
// spend_key values.
func CreateStealthAddress(recipientSeed []byte, rng io.Reader) (*StealthAddress, error) {
	nonce := make([]byte, 32)
	if _, err := io.ReadFull(rng, nonce); err != nil {
		return nil, err
	}

	ota := derive(domainStealthOTA, recipientSeed, nonce)
	view := derive(domainStealthView, recipientSeed, nonce)
	spend := derive(domainStealthSpend, recipientSeed, nonce)

	var addr types.Address
	copy(addr[:], ota[:types.AddressSize])

	return &StealthAddress{
		OneTimeAddress: addr,
		ViewKey:        view.Bytes(),
		SpendKey:       spend.Bytes(),
	}, nil
}

func derive(domain, seed, nonce []byte) types.Hash {
	buf := make([]byte, 0, len(domain)+len(seed)+len(nonce))
	buf = append(buf, domain...)
	buf = append(buf, seed...)
	buf = append(buf, nonce...)
	return crypto.Hash(buf)
}
