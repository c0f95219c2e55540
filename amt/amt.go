// Package amt implements a persistent, content-addressed Array-Mapped Trie:
// a sparse vector keyed by uint64 indices, stored as CBOR blocks in an
// external block store and addressed by CID. It is not safe for concurrent
// use — callers needing concurrent access must synchronize externally, the
// same contract the teacher's Trie type documents for its own callers.
package amt

import (
	"context"
	"math"
	"sort"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// DefaultBitWidth is the fanout exponent used when a caller doesn't specify
// one: 2^3 = 8 slots per node, matching the real go-amt-ipld default.
const DefaultBitWidth = 3

// MaxIndex is the largest index this package accepts. Indices occupy the
// bottom 63 bits, leaving the top bit free the same way the reference
// implementation reserves it to keep height arithmetic from overflowing.
const MaxIndex = uint64(1)<<63 - 1

// maxHeight is the tallest a tree of the given bit width may grow before
// nodesForHeight would need more than 64 bits to address every leaf, i.e.
// ceil(64/bitWidth).
func maxHeight(bitWidth uint) uint64 {
	return uint64((64 + int(bitWidth) - 1) / int(bitWidth))
}

// nodesForHeight is the number of leaf slots spanned by one child at the
// given height: (2^bitWidth)^height, saturating to math.MaxUint64 instead
// of overflowing when the exponent would otherwise wrap.
func nodesForHeight(bitWidth uint, height uint64) uint64 {
	if height == 0 {
		return 1
	}
	bits := uint64(bitWidth) * height
	if bits >= 64 {
		return math.MaxUint64
	}
	return uint64(1) << bits
}

// AMT is the façade over the persistent trie: a generic, content-addressed
// sparse vector of V, rooted at a versioned header. It holds no connection
// state of its own beyond the root and the Store it was opened with.
type AMT[V Value] struct {
	bs   Store
	root *root
}

// New creates an empty AMT with DefaultBitWidth, using the current (V3)
// wire format.
func New[V Value](bs Store) *AMT[V] {
	return &AMT[V]{bs: bs, root: newRoot(DefaultBitWidth, versionV3)}
}

// NewWithBitWidth creates an empty AMT with an explicit fanout exponent,
// which must be in [1,8].
func NewWithBitWidth[V Value](bs Store, bitWidth uint) (*AMT[V], error) {
	if bitWidth < 1 || bitWidth > 8 {
		return nil, errInvalidEncoding("bit_width out of range [1,8]")
	}
	return &AMT[V]{bs: bs, root: newRoot(bitWidth, versionV3)}, nil
}

// Load opens an existing AMT rooted at c, decoding its header as the
// current (V3) wire format.
func Load[V Value](ctx context.Context, bs Store, c cid.Cid) (*AMT[V], error) {
	return load[V](ctx, bs, c, versionV3)
}

// LoadLegacy opens an existing AMT encoded in the legacy V0 (3-tuple, fixed
// bit_width=3) wire format, for reading historical data written before the
// version field existed (P7).
func LoadLegacy[V Value](ctx context.Context, bs Store, c cid.Cid) (*AMT[V], error) {
	return load[V](ctx, bs, c, versionV0)
}

func load[V Value](ctx context.Context, bs Store, c cid.Cid, ver version) (*AMT[V], error) {
	data, found, err := bs.Get(ctx, c)
	if err != nil {
		return nil, wrapBlockStore(err)
	}
	if !found {
		return nil, errCidNotFound(c)
	}
	r, err := decodeRoot(data, ver)
	if err != nil {
		return nil, err
	}
	return &AMT[V]{bs: bs, root: r}, nil
}

// Len reports how many values are currently stored (I5: count always
// matches the number of present leaves).
func (a *AMT[V]) Len() uint64 {
	return a.root.count
}

// BitWidth reports the fanout exponent this tree was created or loaded
// with.
func (a *AMT[V]) BitWidth() uint {
	return a.root.bitWidth
}

// Height reports the current height of the root node: 0 for a tree whose
// top node is a leaf.
func (a *AMT[V]) Height() uint64 {
	return a.root.height
}

func (a *AMT[V]) checkIndex(i uint64) error {
	if i > MaxIndex {
		return errOutOfRange(i)
	}
	return nil
}

// Get reads the value at index i and reports whether one is present. When
// nothing is stored there it returns the zero V, false and a nil error.
func (a *AMT[V]) Get(ctx context.Context, i uint64) (V, bool, error) {
	var zero V
	if err := a.checkIndex(i); err != nil {
		return zero, false, err
	}
	if i >= nodesForHeight(a.root.bitWidth, a.root.height+1) {
		return zero, false, nil
	}
	d, err := a.root.node.get(ctx, a.bs, a.root.bitWidth, a.root.height, i)
	if err != nil {
		return zero, false, err
	}
	if d == nil {
		return zero, false, nil
	}
	v, err := decodeValue[V](d)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Has reports whether a value is present at index i, without decoding it.
func (a *AMT[V]) Has(ctx context.Context, i uint64) (bool, error) {
	if err := a.checkIndex(i); err != nil {
		return false, err
	}
	if i >= nodesForHeight(a.root.bitWidth, a.root.height+1) {
		return false, nil
	}
	d, err := a.root.node.get(ctx, a.bs, a.root.bitWidth, a.root.height, i)
	if err != nil {
		return false, err
	}
	return d != nil, nil
}

// Set stores val at index i, growing the tree's height first if i doesn't
// fit under the current root (I3). It reports whether a value was already
// present at i.
func (a *AMT[V]) Set(ctx context.Context, i uint64, val V) (bool, error) {
	if err := a.checkIndex(i); err != nil {
		return false, err
	}
	if err := a.growToFit(i); err != nil {
		return false, err
	}
	d, err := encodeValue(val)
	if err != nil {
		return false, err
	}
	old, err := a.root.node.set(ctx, a.bs, a.root.bitWidth, a.root.height, i, d)
	if err != nil {
		return false, err
	}
	if old == nil {
		a.root.count++
	}
	return old != nil, nil
}

// growToFit grows the root's height, wrapping the current top node one
// level deeper at a time, while i >= nodes_for_height(w, height+1) — the
// exact condition the reference implementation uses, grounded on
// ipld/amt/src/amt.rs's set(). A brand new, still-empty tree grows before
// its very first insert too, per the Open Question resolution recorded in
// SPEC_FULL.md §9.
func (a *AMT[V]) growToFit(i uint64) error {
	for i >= nodesForHeight(a.root.bitWidth, a.root.height+1) {
		if a.root.height+1 > maxHeight(a.root.bitWidth) {
			return errMaxHeight(a.root.height+1, maxHeight(a.root.bitWidth))
		}
		wrapped := newLinkNode(a.root.bitWidth)
		if !a.root.node.isEmpty() {
			wrapped.links[0] = &link{cached: a.root.node, dirty: true}
		}
		a.root.node = wrapped
		a.root.height++
	}
	return nil
}

// Delete removes the value at index i, reporting whether one was present,
// and then collapses the root level by level for as long as it stays
// eligible, or resets it to an empty height-0 leaf when the tree is empty (I4).
func (a *AMT[V]) Delete(ctx context.Context, i uint64) (bool, error) {
	if err := a.checkIndex(i); err != nil {
		return false, err
	}
	if i >= nodesForHeight(a.root.bitWidth, a.root.height+1) {
		return false, nil
	}
	removed, err := a.root.node.delete(ctx, a.bs, a.root.bitWidth, a.root.height, i)
	if err != nil {
		return false, err
	}
	if removed == nil {
		return false, nil
	}
	a.root.count--
	if err := a.collapseRoot(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// collapseRoot implements the collapse-on-delete rule in §4.1: if the tree
// became entirely empty, reset straight to a height-0 empty leaf; otherwise
// shrink the root by one level at a time for as long as it is a Link with
// only slot 0 filled (I4). A not-yet-materialized slot 0 is loaded from the
// block store before replacing the root, exactly as the collapse rule
// requires ("if slot 0 is a Clean link with no cache, load it from bs
// before replacing") and as the original delete() always resolves the
// sub-node before collapsing (ipld/amt/src/amt.rs). A genuinely missing
// block surfaces as CidNotFound here, same as any other load failure.
func (a *AMT[V]) collapseRoot(ctx context.Context) error {
	if a.root.node.isEmpty() {
		a.root.node = newLeaf(a.root.bitWidth)
		a.root.height = 0
		return nil
	}
	for a.root.height > 0 && a.root.node.canCollapse() {
		ln := a.root.node.links[0]
		sub, err := ln.load(ctx, a.bs, a.root.bitWidth, a.root.height-1)
		if err != nil {
			return err
		}
		a.root.node = sub
		a.root.height--
	}
	return nil
}

// BatchSet assigns each value in vals to successive indices starting at 0,
// as if by `for i, v := range vals { set(i, v) }` — sequential assignment
// from a plain iterable, matching spec §4.4 ("Sequentially set(0..) from
// iterator") and the original Rust's `(0u64..).zip(vals)` (ipld/amt/src/amt.rs).
// A failing Set aborts immediately, leaving every index before it written.
func (a *AMT[V]) BatchSet(ctx context.Context, vals []V) error {
	for i, v := range vals {
		if _, err := a.Set(ctx, uint64(i), v); err != nil {
			return err
		}
	}
	return nil
}

// BatchDelete removes every index in indices, in ascending index order.
// Duplicate indices are deduplicated before counting, per the Open Question
// resolution in SPEC_FULL.md §9: a strict batch delete reports how many
// distinct indices were actually removed, not how many were requested.
func (a *AMT[V]) BatchDelete(ctx context.Context, indices []uint64, strict bool) (int, error) {
	seen := make(map[uint64]struct{}, len(indices))
	distinct := make([]uint64, 0, len(indices))
	for _, i := range indices {
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		distinct = append(distinct, i)
	}
	sort.Slice(distinct, func(x, y int) bool { return distinct[x] < distinct[y] })
	removedCount := 0
	for _, i := range distinct {
		ok, err := a.Delete(ctx, i)
		if err != nil {
			return removedCount, err
		}
		if ok {
			removedCount++
		} else if strict {
			return removedCount, errNotFound(i)
		}
	}
	return removedCount, nil
}

// Flush serializes every dirty node reachable from the root, writes the
// resulting blocks through bs (batched automatically when bs implements
// BatchStore), and returns the root's CID.
func (a *AMT[V]) Flush(ctx context.Context) (cid.Cid, error) {
	var sink putter = &directPutter{bs: a.bs}
	var batch Batch
	if bstore, ok := a.bs.(BatchStore); ok {
		batch = bstore.NewBatch()
		sink = batch
	}
	if err := a.root.node.flush(ctx, a.bs, sink, a.root.bitWidth, a.root.height); err != nil {
		return cid.Undef, err
	}
	if batch != nil {
		if err := batch.Write(ctx); err != nil {
			return cid.Undef, wrapBlockStore(err)
		}
	}
	data, err := a.root.encodeRoot()
	if err != nil {
		return cid.Undef, err
	}
	return a.bs.Put(ctx, data, HashBlake2b256)
}

// directPutter adapts a Store's Put to the putter interface node.flush
// uses, for the common case where the Store doesn't support batching.
type directPutter struct {
	bs Store
}

func (d *directPutter) Put(ctx context.Context, data []byte, hash HashFunc) (cid.Cid, error) {
	return d.bs.Put(ctx, data, hash)
}

// ForEach visits every present (index, value) pair in ascending order.
func (a *AMT[V]) ForEach(ctx context.Context, f func(i uint64, v V) error) error {
	return a.ForEachWhile(ctx, func(i uint64, v V) (bool, error) {
		if err := f(i, v); err != nil {
			return false, err
		}
		return true, nil
	})
}

// ForEachWhile visits every present (index, value) pair in ascending
// order, stopping as soon as f returns false or an error.
func (a *AMT[V]) ForEachWhile(ctx context.Context, f func(i uint64, v V) (bool, error)) error {
	_, _, err := a.ForEachWhileRanged(ctx, 0, false, 0, f)
	return err
}

// ForEachWhileRanged visits present pairs starting at start, stopping
// after limit items (when hasLimit) or when f returns false, and reports
// the smallest present index strictly greater than the last one yielded,
// if any (P6).
func (a *AMT[V]) ForEachWhileRanged(ctx context.Context, start uint64, hasLimit bool, limit uint64, f func(i uint64, v V) (bool, error)) (traversed uint64, next *uint64, err error) {
	return a.root.node.forEachWhileRanged(ctx, a.bs, a.root.bitWidth, a.root.height, start, hasLimit, limit, func(i uint64, d *cbg.Deferred) (bool, error) {
		v, err := decodeValue[V](d)
		if err != nil {
			return false, err
		}
		return f(i, v)
	})
}

// MutHandle is passed to ForEachMut/ForEachWhileMut's callback in place of
// a plain value, letting the callback flag a replacement without knowing
// anything about tree structure.
type MutHandle[V Value] struct {
	val     V
	mutated bool
}

// Get returns the value at the index this handle was given for.
func (h *MutHandle[V]) Get() V {
	return h.val
}

// Set flags val as the replacement value for this index. The replacement
// only actually lands once the enclosing ForEachWhileMut call returns.
func (h *MutHandle[V]) Set(val V) {
	h.val = val
	h.mutated = true
}

// ForEachMut visits every present (index, value) pair, giving the callback
// a MutHandle it can use to replace the value in place.
func (a *AMT[V]) ForEachMut(ctx context.Context, f func(i uint64, h *MutHandle[V]) error) error {
	return a.ForEachWhileMut(ctx, func(i uint64, h *MutHandle[V]) (bool, error) {
		if err := f(i, h); err != nil {
			return false, err
		}
		return true, nil
	})
}

// ForEachWhileMut is the for_each_mut* operation from §2's table: it reads
// every value exactly as ForEachWhile does, but any index whose handle is
// Set during the callback gets written back (via the ordinary Set path, so
// the usual dirty-marking and count bookkeeping apply) once the read pass
// finishes. Mutating mid-traversal is deliberately avoided — it would mean
// mutating a subtree while still walking it.
func (a *AMT[V]) ForEachWhileMut(ctx context.Context, f func(i uint64, h *MutHandle[V]) (bool, error)) error {
	type pending struct {
		i uint64
		v V
	}
	var toSet []pending
	_, _, err := a.ForEachWhileRanged(ctx, 0, false, 0, func(i uint64, v V) (bool, error) {
		h := &MutHandle[V]{val: v}
		cont, err := f(i, h)
		if err != nil {
			return false, err
		}
		if h.mutated {
			toSet = append(toSet, pending{i: i, v: h.val})
		}
		return cont, nil
	})
	if err != nil {
		return err
	}
	for _, p := range toSet {
		if _, err := a.Set(ctx, p.i, p.v); err != nil {
			return err
		}
	}
	return nil
}
