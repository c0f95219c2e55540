// Package memstore is an in-memory, content-addressed amt.Store, the
// reference implementation referred to throughout amt's doc comments.
// Its key-value layer is adapted from the teacher's accdb/memorydb.MemDB:
// a map guarded by a RWMutex, since unlike the AMT façade itself a Store
// may legitimately be shared across goroutines.
package memstore

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/jaiminpan/go-amt/amt"
)

// Store is a map-backed amt.Store keyed by CID string. It also implements
// amt.BatchStore, so AMT.Flush stages every node block of a flush into a
// single batch write instead of locking once per block; the root block is
// then written with a separate Put.
type Store struct {
	mu   sync.RWMutex
	db   map[string][]byte
	size int
}

var _ amt.Store = (*Store)(nil)
var _ amt.BatchStore = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{db: make(map[string][]byte)}
}

func (s *Store) Get(_ context.Context, c cid.Cid) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.db[c.KeyString()]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

// Put computes the block's CID via amt.MintCid and stores it keyed by that
// CID, returning the CID so the caller never needs to recompute it.
func (s *Store) Put(_ context.Context, data []byte, hash amt.HashFunc) (cid.Cid, error) {
	c, err := amt.MintCid(data, hash)
	if err != nil {
		return cid.Undef, err
	}
	s.put(c, data)
	return c, nil
}

func (s *Store) put(c cid.Cid, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.db[c.KeyString()] = cp
	s.size += len(cp)
}

// Has reports whether a block for c is present, without reading it out.
func (s *Store) Has(c cid.Cid) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.db[c.KeyString()]
	return ok
}

// Len reports the number of distinct blocks held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.db)
}

// NewBatch returns a batch that stages Put calls and only makes them
// visible to Get once Write is called, adapted from the teacher's
// accdb.Batcher/Batch pattern (IdealBatchSize etc.) but specialized to
// content-addressed, delete-free writes.
func (s *Store) NewBatch() amt.Batch {
	return &batch{store: s}
}

type pendingBlock struct {
	c    cid.Cid
	data []byte
}

type batch struct {
	store   *Store
	pending []pendingBlock
}

var _ amt.Batch = (*batch)(nil)

func (b *batch) Put(_ context.Context, data []byte, hash amt.HashFunc) (cid.Cid, error) {
	c, err := amt.MintCid(data, hash)
	if err != nil {
		return cid.Undef, err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b.pending = append(b.pending, pendingBlock{c: c, data: cp})
	return c, nil
}

func (b *batch) Write(_ context.Context) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, p := range b.pending {
		b.store.db[p.c.KeyString()] = p.data
		b.store.size += len(p.data)
	}
	b.pending = nil
	return nil
}
