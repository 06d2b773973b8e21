package execution

import (
	"encoding/binary"
	"fmt"

	"github.com/klingon-tech/polytorus-node/internal/storage"
)

const ringMemberPrefix = "rm/"

// RingMemberIndex tracks which compressed public keys have appeared as a
// confidential output's spend key, so that a ring signature's decoys can be
// checked against real history rather than fabricated out of thin air. It
// intentionally does not record which output each key belongs to; doing so
// would leak exactly the linkage the ring is meant to hide. It does record
// the block height the key first appeared at, since the ring age window
// (config.ExecutionConfig.MinUTXOAge/MaxUTXOAge) needs it and a shared
// height does not single out any one output among the many created at it.
type RingMemberIndex struct {
	db storage.DB
}

// NewRingMemberIndex wraps db as a ring-member index.
func NewRingMemberIndex(db storage.DB) *RingMemberIndex {
	return &RingMemberIndex{db: db}
}

func ringMemberKey(pubKey []byte) []byte {
	key := make([]byte, 0, len(ringMemberPrefix)+len(pubKey))
	key = append(key, ringMemberPrefix...)
	key = append(key, pubKey...)
	return key
}

// Has reports whether pubKey has previously appeared as a confidential
// output's spend key.
func (r *RingMemberIndex) Has(pubKey []byte) (bool, error) {
	return r.db.Has(ringMemberKey(pubKey))
}

// Height returns the block height pubKey was recorded at, and whether it is
// known at all.
func (r *RingMemberIndex) Height(pubKey []byte) (uint64, bool, error) {
	data, err := r.db.Get(ringMemberKey(pubKey))
	if err != nil {
		return 0, false, nil
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("corrupt ring-member entry: got %d bytes, want 8", len(data))
	}
	return binary.BigEndian.Uint64(data), true, nil
}

// Add records pubKey as a known confidential-output spend key, anchored at
// height.
func (r *RingMemberIndex) Add(pubKey []byte, height uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	return r.db.Put(ringMemberKey(pubKey), buf[:])
}

// Remove deletes pubKey from the index. Used only to undo a reorged-out
// block's output registrations; never called from the admission path.
func (r *RingMemberIndex) Remove(pubKey []byte) error {
	return r.db.Delete(ringMemberKey(pubKey))
}
