// Package settlement batches finalized blocks into settlement batches and
// tracks the challenge window each batch must clear before it is considered
// irreversibly settled.
package settlement

import (
	"encoding/binary"
	"fmt"

	"github.com/klingon-tech/polytorus-node/pkg/types"
)

// BatchDataSize is the byte size of encoded batch data:
// ID(8) + StartHeight(8) + EndHeight(8) + StateRoot(32) + ChallengePeriodBlocks(8).
const BatchDataSize = 64

// Status describes where a batch sits in its challenge lifecycle.
type Status int

const (
	// StatusPending means the challenge window has not yet elapsed.
	StatusPending Status = iota
	// StatusDisputed means a dispute was raised before the window elapsed.
	StatusDisputed
	// StatusSettled means the window elapsed with no unresolved dispute.
	StatusSettled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDisputed:
		return "disputed"
	case StatusSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Batch records a contiguous range of finalized blocks committed together,
// plus the challenge window it must clear before StatusSettled.
type Batch struct {
	ID                    uint64     `json:"id"`
	StartHeight           uint64     `json:"start_height"`
	EndHeight             uint64     `json:"end_height"`
	StateRoot             types.Hash `json:"state_root"` // tip block hash at EndHeight
	ChallengePeriodBlocks uint64     `json:"challenge_period_blocks"`
	Status                Status     `json:"status"`
}

// MatureAt returns the height at which the batch's challenge window elapses.
func (b *Batch) MatureAt() uint64 {
	return b.EndHeight + b.ChallengePeriodBlocks
}

// IsMature reports whether the batch's challenge window has elapsed as of
// currentHeight, regardless of dispute status.
func (b *Batch) IsMature(currentHeight uint64) bool {
	return currentHeight >= b.MatureAt()
}

// EncodeBatchData serializes a Batch's immutable fields to binary, mirroring
// the sub-chain anchor's fixed-width encoding.
func EncodeBatchData(b *Batch) []byte {
	buf := make([]byte, BatchDataSize)
	binary.BigEndian.PutUint64(buf[0:8], b.ID)
	binary.BigEndian.PutUint64(buf[8:16], b.StartHeight)
	binary.BigEndian.PutUint64(buf[16:24], b.EndHeight)
	copy(buf[24:56], b.StateRoot[:])
	binary.BigEndian.PutUint64(buf[56:64], b.ChallengePeriodBlocks)
	return buf
}

// DecodeBatchData deserializes binary data into a Batch with StatusPending.
func DecodeBatchData(data []byte) (*Batch, error) {
	if len(data) != BatchDataSize {
		return nil, fmt.Errorf("batch data must be %d bytes, got %d", BatchDataSize, len(data))
	}
	var b Batch
	b.ID = binary.BigEndian.Uint64(data[0:8])
	b.StartHeight = binary.BigEndian.Uint64(data[8:16])
	b.EndHeight = binary.BigEndian.Uint64(data[16:24])
	copy(b.StateRoot[:], data[24:56])
	b.ChallengePeriodBlocks = binary.BigEndian.Uint64(data[56:64])
	return &b, nil
}
