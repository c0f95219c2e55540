package amt

import (
	"context"

	"github.com/ipfs/go-cid"
)

// HashFunc identifies the multihash function a Store.Put call should mint
// the returned CID with. The AMT itself only ever asks for HashBlake2b256,
// matching the CID construction rule in §4.4, but the type stays open so a
// Store can be reused for other DAG-CBOR producers.
type HashFunc uint64

// HashBlake2b256 is the multihash code for 256-bit BLAKE2b, the hash the
// spec mandates for every block this package writes.
const HashBlake2b256 HashFunc = 0xb220

// Store is the content-addressable block store the AMT is built on. It is
// consumed, never implemented, by this package — see blockstore/memstore
// for a reference implementation. Get reports presence explicitly via the
// bool return rather than overloading the error, so "not found" never gets
// confused with an I/O failure.
type Store interface {
	Get(ctx context.Context, c cid.Cid) (data []byte, found bool, err error)
	Put(ctx context.Context, data []byte, hash HashFunc) (cid.Cid, error)
}

// BatchStore is an optional capability a Store may additionally implement
// to let flush stage writes and commit them together, adapted from the
// teacher's accdb Batcher/Batch pattern. Flush type-asserts for it and
// falls back to per-block Put calls when a Store doesn't support it.
type BatchStore interface {
	Store
	NewBatch() Batch
}

// Batch accumulates blocks for a single atomic write.
type Batch interface {
	Put(ctx context.Context, data []byte, hash HashFunc) (cid.Cid, error)
	Write(ctx context.Context) error
}
