package settlement

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klingon-tech/polytorus-node/internal/storage"
)

// DB key prefix for batch persistence.
var prefixBatch = []byte("sb/")

// Registry tracks settlement batches in memory and, optionally, a backing
// store for crash recovery.
type Registry struct {
	batches map[uint64]*Batch
	mu      sync.RWMutex
}

// NewRegistry creates a new empty batch registry.
func NewRegistry() *Registry {
	return &Registry{
		batches: make(map[uint64]*Batch),
	}
}

// Register adds a new batch to the registry.
func (r *Registry) Register(b *Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.batches[b.ID]; exists {
		return fmt.Errorf("settlement batch %d already registered", b.ID)
	}
	r.batches[b.ID] = b
	return nil
}

// Get returns a registered batch by ID.
func (r *Registry) Get(id uint64) (*Batch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.batches[id]
	return b, ok
}

// Has checks if a batch is registered.
func (r *Registry) Has(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.batches[id]
	return ok
}

// List returns all registered batches.
func (r *Registry) List() []*Batch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Batch, 0, len(r.batches))
	for _, b := range r.batches {
		out = append(out, b)
	}
	return out
}

// Count returns the number of registered batches.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.batches)
}

// Pending returns batches not yet matured as of currentHeight, in ID order
// eligible for a dispute to be raised against them.
func (r *Registry) Pending(currentHeight uint64) []*Batch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Batch
	for _, b := range r.batches {
		if b.Status == StatusPending && !b.IsMature(currentHeight) {
			out = append(out, b)
		}
	}
	return out
}

// MarkDisputed flips a batch's status to StatusDisputed. It is a no-op error
// if the batch is unknown or already past its challenge window.
func (r *Registry) MarkDisputed(id uint64, currentHeight uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return fmt.Errorf("settlement batch %d not registered", id)
	}
	if b.IsMature(currentHeight) {
		return fmt.Errorf("settlement batch %d: challenge window already closed", id)
	}
	b.Status = StatusDisputed
	return nil
}

// SettleMatured flips every StatusPending batch whose challenge window has
// elapsed as of currentHeight to StatusSettled, returning the newly settled
// batches.
func (r *Registry) SettleMatured(currentHeight uint64) []*Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	var settled []*Batch
	for _, b := range r.batches {
		if b.Status == StatusPending && b.IsMature(currentHeight) {
			b.Status = StatusSettled
			settled = append(settled, b)
		}
	}
	return settled
}

// batchKey builds a DB key for a batch entry: "sb/" + ID(8, big-endian).
func batchKey(id uint64) []byte {
	key := make([]byte, len(prefixBatch)+8)
	copy(key, prefixBatch)
	binary.BigEndian.PutUint64(key[len(prefixBatch):], id)
	return key
}

// SaveTo persists the registry to the given DB.
func (r *Registry) SaveTo(db storage.DB) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.batches {
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("marshal settlement batch %d: %w", b.ID, err)
		}
		if err := db.Put(batchKey(b.ID), data); err != nil {
			return fmt.Errorf("save settlement batch %d: %w", b.ID, err)
		}
	}
	return nil
}

// SaveOne persists a single batch, used after a status transition so the
// registry doesn't need a full resave on every height tick.
func (r *Registry) SaveOne(db storage.DB, id uint64) error {
	r.mu.RLock()
	b, ok := r.batches[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("settlement batch %d not registered", id)
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal settlement batch %d: %w", b.ID, err)
	}
	return db.Put(batchKey(b.ID), data)
}

// LoadRegistry loads the registry from the given DB.
func LoadRegistry(db storage.DB) (*Registry, error) {
	reg := NewRegistry()
	err := db.ForEach(prefixBatch, func(key, value []byte) error {
		var b Batch
		if err := json.Unmarshal(value, &b); err != nil {
			return fmt.Errorf("unmarshal settlement batch: %w", err)
		}
		reg.batches[b.ID] = &b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load settlement registry: %w", err)
	}
	return reg, nil
}
