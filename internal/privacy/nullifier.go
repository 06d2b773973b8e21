package privacy

import (
	"encoding/binary"
	"errors"

	"github.com/klingon-tech/polytorus-node/internal/storage"
	"github.com/klingon-tech/polytorus-node/pkg/crypto"
	"github.com/klingon-tech/polytorus-node/pkg/types"
)

// ErrNullifierReplayed is returned by NullifierRegistry.Insert when the
// nullifier is already present.
var ErrNullifierReplayed = errors.New("nullifier already present in registry")

var domainNullifier = []byte("klingnet/privacy/nullifier")

// Nullifier derives a deterministic, domain-separated 32-byte tag from
// (secretKey, outpoint). Two calls with the same arguments always produce
// the same tag; different outpoints (for the same key) produce different
// tags, which is what lets the registry catch a double spend without
// revealing which outpoint was actually spent.
func Nullifier(secretKey []byte, outpoint types.Outpoint) types.Hash {
	buf := make([]byte, 0, len(domainNullifier)+len(secretKey)+types.HashSize+4)
	buf = append(buf, domainNullifier...)
	buf = append(buf, secretKey...)
	buf = append(buf, outpoint.TxID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, outpoint.Index)
	return crypto.Hash(buf)
}

const nullifierPrefix = "nf/"

// NullifierRegistry is an append-only, persistent set of spent nullifiers.
type NullifierRegistry struct {
	db storage.DB
}

// NewNullifierRegistry wraps db as a nullifier registry.
func NewNullifierRegistry(db storage.DB) *NullifierRegistry {
	return &NullifierRegistry{db: db}
}

func nullifierKey(n types.Hash) []byte {
	key := make([]byte, 0, len(nullifierPrefix)+types.HashSize)
	key = append(key, nullifierPrefix...)
	key = append(key, n[:]...)
	return key
}

// Has reports whether n is already present in the registry.
func (r *NullifierRegistry) Has(n types.Hash) (bool, error) {
	return r.db.Has(nullifierKey(n))
}

// Insert adds n to the registry, returning ErrNullifierReplayed if it is
// already present. Never overwrites an existing entry.
func (r *NullifierRegistry) Insert(n types.Hash) error {
	exists, err := r.db.Has(nullifierKey(n))
	if err != nil {
		return err
	}
	if exists {
		return ErrNullifierReplayed
	}
	return r.db.Put(nullifierKey(n), []byte{1})
}

// Remove deletes n from the registry. Used only to undo a reorged-out
// block's nullifier insertions; never called from the admission path.
func (r *NullifierRegistry) Remove(n types.Hash) error {
	return r.db.Delete(nullifierKey(n))
}
