package tx

import (
	"encoding/hex"
	"encoding/json"

	"github.com/klingon-tech/polytorus-node/pkg/types"
)

// PrivateInput carries a traceable ring signature in place of an ordinary
// signature/pubkey pair, so the spender authorizes the transaction without
// revealing which member of the ring actually owns the outpoint. KeyImage
// prevents the same outpoint from being spent twice without linking spends
// to a specific address. Nullifier is the spender-computed double-spend tag
// for the same (secret key, outpoint); the execution layer only checks it
// for registry membership, it never recomputes it.
type PrivateInput struct {
	KeyImage      [33]byte   `json:"key_image"`
	Nullifier     types.Hash `json:"nullifier"`
	Ring          [][]byte   `json:"ring"`
	RingChallenge []byte     `json:"ring_challenge"`
	RingResponses [][]byte   `json:"ring_responses"`
}

// privateInputJSON hex-encodes the byte-slice fields of PrivateInput.
type privateInputJSON struct {
	KeyImage      string     `json:"key_image"`
	Nullifier     types.Hash `json:"nullifier"`
	Ring          []string   `json:"ring"`
	RingChallenge string     `json:"ring_challenge"`
	RingResponses []string   `json:"ring_responses"`
}

// MarshalJSON encodes the private input with hex-encoded byte fields.
func (p PrivateInput) MarshalJSON() ([]byte, error) {
	j := privateInputJSON{
		KeyImage:      hex.EncodeToString(p.KeyImage[:]),
		Nullifier:     p.Nullifier,
		RingChallenge: hex.EncodeToString(p.RingChallenge),
	}
	for _, pk := range p.Ring {
		j.Ring = append(j.Ring, hex.EncodeToString(pk))
	}
	for _, r := range p.RingResponses {
		j.RingResponses = append(j.RingResponses, hex.EncodeToString(r))
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a private input with hex-encoded byte fields.
func (p *PrivateInput) UnmarshalJSON(data []byte) error {
	var j privateInputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	ki, err := hex.DecodeString(j.KeyImage)
	if err != nil {
		return err
	}
	copy(p.KeyImage[:], ki)
	p.Nullifier = j.Nullifier
	if p.RingChallenge, err = hex.DecodeString(j.RingChallenge); err != nil {
		return err
	}
	p.Ring = nil
	for _, s := range j.Ring {
		b, err := hex.DecodeString(s)
		if err != nil {
			return err
		}
		p.Ring = append(p.Ring, b)
	}
	p.RingResponses = nil
	for _, s := range j.RingResponses {
		b, err := hex.DecodeString(s)
		if err != nil {
			return err
		}
		p.RingResponses = append(p.RingResponses, b)
	}
	return nil
}

// PrivateOutput replaces a plaintext value with a Pedersen commitment plus a
// range proof that the hidden amount is non-negative and fits within the
// supported bit width. SpendPubKey is the compressed one-time public key a
// future spend's ring signature authenticates against; StealthView/
// StealthSpend carry the recipient's one-time view and spend key material.
// The output's Script.Data holds the one-time address, so Output.Value is
// always 0 when Private is set.
type PrivateOutput struct {
	Commitment   []byte `json:"commitment"`
	RangeProof   []byte `json:"range_proof"`
	SpendPubKey  []byte `json:"spend_pubkey"`
	StealthView  []byte `json:"stealth_view,omitempty"`
	StealthSpend []byte `json:"stealth_spend,omitempty"`
}

// privateOutputJSON hex-encodes the byte-slice fields of PrivateOutput.
type privateOutputJSON struct {
	Commitment   string `json:"commitment"`
	RangeProof   string `json:"range_proof"`
	SpendPubKey  string `json:"spend_pubkey"`
	StealthView  string `json:"stealth_view,omitempty"`
	StealthSpend string `json:"stealth_spend,omitempty"`
}

// MarshalJSON encodes the private output with hex-encoded byte fields.
func (p PrivateOutput) MarshalJSON() ([]byte, error) {
	return json.Marshal(privateOutputJSON{
		Commitment:   hex.EncodeToString(p.Commitment),
		RangeProof:   hex.EncodeToString(p.RangeProof),
		SpendPubKey:  hex.EncodeToString(p.SpendPubKey),
		StealthView:  hex.EncodeToString(p.StealthView),
		StealthSpend: hex.EncodeToString(p.StealthSpend),
	})
}

// UnmarshalJSON decodes a private output with hex-encoded byte fields.
func (p *PrivateOutput) UnmarshalJSON(data []byte) error {
	var j privateOutputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	var err error
	if p.Commitment, err = hex.DecodeString(j.Commitment); err != nil {
		return err
	}
	if p.RangeProof, err = hex.DecodeString(j.RangeProof); err != nil {
		return err
	}
	if p.SpendPubKey, err = hex.DecodeString(j.SpendPubKey); err != nil {
		return err
	}
	if p.StealthView, err = hex.DecodeString(j.StealthView); err != nil {
		return err
	}
	if p.StealthSpend, err = hex.DecodeString(j.StealthSpend); err != nil {
		return err
	}
	return nil
}

// IsPrivate reports whether tx uses the confidential path for any input or
// output. A transaction may mix public and private inputs/outputs; execution
// admits each input/output independently against its own path.
func (tx *Transaction) IsPrivate() bool {
	return tx.HasPrivateInputs() || tx.HasPrivateOutputs()
}

// HasPrivateInputs reports whether any input carries a ring signature.
func (tx *Transaction) HasPrivateInputs() bool {
	for _, in := range tx.Inputs {
		if in.Private != nil {
			return true
		}
	}
	return false
}

// HasPrivateOutputs reports whether any output carries a confidential amount.
func (tx *Transaction) HasPrivateOutputs() bool {
	for _, out := range tx.Outputs {
		if out.Private != nil {
			return true
		}
	}
	return false
}
