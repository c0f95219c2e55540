package amt

import (
	"bytes"
	"context"
	"math/bits"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

// node is the recursive tree node: either a leaf holding values (height ==
// 0) or a link node holding children (height >= 1). Exactly one of values
// or links is non-nil, decided at construction time and never mixed,
// matching I2.
type node struct {
	values []*cbg.Deferred
	links  []*link
}

func newLeaf(bitWidth uint) *node {
	return &node{values: make([]*cbg.Deferred, 1<<bitWidth)}
}

func newLinkNode(bitWidth uint) *node {
	return &node{links: make([]*link, 1<<bitWidth)}
}

func newNodeForHeight(bitWidth uint, height uint64) *node {
	if height == 0 {
		return newLeaf(bitWidth)
	}
	return newLinkNode(bitWidth)
}

func (n *node) getValue(i uint64) *cbg.Deferred {
	return n.values[i]
}

func (n *node) setValue(i uint64, v *cbg.Deferred) {
	n.values[i] = v
}

func (n *node) getLink(i uint64) *link {
	return n.links[i]
}

func (n *node) setLink(i uint64, l *link) {
	n.links[i] = l
}

// isEmpty is true when every slot, value or link, is empty.
func (n *node) isEmpty() bool {
	for _, l := range n.links {
		if l != nil {
			return false
		}
	}
	for _, v := range n.values {
		if v != nil {
			return false
		}
	}
	return true
}

// canCollapse is true for a link node whose slot 0 is occupied and whose
// remaining slots are all empty (§4.1).
func (n *node) canCollapse() bool {
	if n.links == nil {
		return false
	}
	if n.links[0] == nil {
		return false
	}
	for _, l := range n.links[1:] {
		if l != nil {
			return false
		}
	}
	return true
}

// get descends to index i, materializing Clean link caches on the path as
// needed. It never mutates dirty/clean tags.
func (n *node) get(ctx context.Context, bs Store, bitWidth uint, height, i uint64) (*cbg.Deferred, error) {
	if height == 0 {
		return n.getValue(i), nil
	}
	nfh := nodesForHeight(bitWidth, height)
	ln := n.getLink(i / nfh)
	if ln == nil {
		return nil, nil
	}
	sub, err := ln.load(ctx, bs, bitWidth, height-1)
	if err != nil {
		return nil, err
	}
	return sub.get(ctx, bs, bitWidth, height-1, i%nfh)
}

// set descends to index i, creating empty link/leaf slots as needed and
// marking every traversed link dirty. It returns the previously present
// value, if any.
func (n *node) set(ctx context.Context, bs Store, bitWidth uint, height, i uint64, val *cbg.Deferred) (*cbg.Deferred, error) {
	if height == 0 {
		old := n.getValue(i)
		n.setValue(i, val)
		return old, nil
	}
	nfh := nodesForHeight(bitWidth, height)
	idx := i / nfh
	ln := n.getLink(idx)
	if ln == nil {
		ln = &link{cached: newNodeForHeight(bitWidth, height-1)}
	}
	sub, err := ln.load(ctx, bs, bitWidth, height-1)
	if err != nil {
		return nil, err
	}
	old, err := sub.set(ctx, bs, bitWidth, height-1, i%nfh, val)
	if err != nil {
		return nil, err
	}
	// Make the modification on the way back up, only once nothing failed.
	ln.cached = sub
	ln.dirty = true
	ln.cid = cid.Undef
	n.setLink(idx, ln)
	return old, nil
}

// delete descends to index i; if the child becomes empty after removal,
// its slot is cleared. It returns the removed value, if any.
func (n *node) delete(ctx context.Context, bs Store, bitWidth uint, height, i uint64) (*cbg.Deferred, error) {
	if height == 0 {
		old := n.getValue(i)
		if old == nil {
			return nil, nil
		}
		n.setValue(i, nil)
		return old, nil
	}
	nfh := nodesForHeight(bitWidth, height)
	idx := i / nfh
	ln := n.getLink(idx)
	if ln == nil {
		return nil, nil
	}
	sub, err := ln.load(ctx, bs, bitWidth, height-1)
	if err != nil {
		return nil, err
	}
	removed, err := sub.delete(ctx, bs, bitWidth, height-1, i%nfh)
	if err != nil {
		return nil, err
	}
	if removed == nil {
		return nil, nil
	}
	if sub.isEmpty() {
		n.setLink(idx, nil)
	} else {
		ln.cached = sub
		ln.dirty = true
		ln.cid = cid.Undef
		n.setLink(idx, ln)
	}
	return removed, nil
}

// putter is the write half of Store, satisfied by both a Store and a Batch
// so flush can stage writes through whichever is in play.
type putter interface {
	Put(ctx context.Context, data []byte, hash HashFunc) (cid.Cid, error)
}

// flush is the post-order serialization of the dirty frontier: for every
// dirty link, recursively flush its child first, encode the flushed child
// into a collapsedNode, write it through sink, then replace the link with
// Clean{cid, cache=the just-flushed node}. Clean links are skipped
// entirely, matching the teacher's committer, which only re-commits nodes
// still carrying a dirty flag. bs is only passed down the recursion: flush
// never loads from it, and a dirty link without a cached node is an error.
// sink is where encoded bytes are written, letting the caller batch writes
// via a Store that implements BatchStore.
func (n *node) flush(ctx context.Context, bs Store, sink putter, bitWidth uint, height uint64) error {
	if height == 0 {
		return nil
	}
	for idx, ln := range n.links {
		if ln == nil || !ln.dirty {
			continue
		}
		sub := ln.cached
		if sub == nil {
			return xerrors.Errorf("amt: dirty link at slot %d has no cached node to flush", idx)
		}
		if err := sub.flush(ctx, bs, sink, bitWidth, height-1); err != nil {
			return err
		}
		cn, err := sub.encode(bitWidth, height-1 == 0)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := cn.MarshalCBOR(&buf); err != nil {
			return wrapCodec(err)
		}
		c, err := sink.Put(ctx, buf.Bytes(), HashBlake2b256)
		if err != nil {
			return wrapBlockStore(err)
		}
		ln.cid = c
		ln.dirty = false
	}
	return nil
}

// encode is the symmetric inverse of expandNode: scan every slot in order,
// and for each present one set the matching bitmap bit and append its
// content to items. Encountering a dirty link here is a programming error
// — flush must run first so every link is Clean by the time the parent (or
// the root) is encoded.
func (n *node) encode(bitWidth uint, isLeaf bool) (*collapsedNode, error) {
	cn := &collapsedNode{bitmap: makeBitmap(1 << bitWidth)}
	if isLeaf {
		for i, v := range n.values {
			if v == nil {
				continue
			}
			cn.bitmap[i/8] |= 1 << uint(i%8)
			cn.valueItems = append(cn.valueItems, v)
		}
		return cn, nil
	}
	for i, ln := range n.links {
		if ln == nil {
			continue
		}
		if ln.dirty {
			return nil, xerrors.Errorf("amt: encountered dirty link at slot %d; flush must run first", i)
		}
		cn.bitmap[i/8] |= 1 << uint(i%8)
		cn.linkItems = append(cn.linkItems, ln.cid)
	}
	return cn, nil
}

// expandNode is the inverse of encode: the number of set bits in the
// bitmap must equal the length of the packed item list, otherwise the
// encoding is rejected outright (InvalidEncoding).
func expandNode(cn *collapsedNode, bitWidth uint, isLeaf bool) (*node, error) {
	width := 1 << bitWidth
	set := popcount(cn.bitmap)
	if isLeaf {
		if set != len(cn.valueItems) {
			return nil, errInvalidEncoding("bitmap set-bit count does not match number of values")
		}
		n := newLeaf(bitWidth)
		vi := 0
		for i := 0; i < width; i++ {
			if cn.bitmap[i/8]&(1<<uint(i%8)) != 0 {
				n.values[i] = cn.valueItems[vi]
				vi++
			}
		}
		return n, nil
	}
	if set != len(cn.linkItems) {
		return nil, errInvalidEncoding("bitmap set-bit count does not match number of links")
	}
	n := newLinkNode(bitWidth)
	li := 0
	for i := 0; i < width; i++ {
		if cn.bitmap[i/8]&(1<<uint(i%8)) != 0 {
			n.links[i] = &link{cid: cn.linkItems[li]}
			li++
		}
	}
	return n, nil
}

func popcount(bm []byte) int {
	total := 0
	for _, b := range bm {
		total += bits.OnesCount8(b)
	}
	return total
}

// eachFunc is the leaf visitor used by the ranged traversal below. It
// returns false to request an early stop (the index it was called with is
// still considered "yielded").
type eachFunc func(i uint64, v *cbg.Deferred) (bool, error)

// rangedWalk threads the bookkeeping needed to support start/limit/next-index
// semantics on top of a single in-order subtree walk, so that finding the
// next present index after an early stop never needs a second tree pass.
type rangedWalk struct {
	ctx      context.Context
	bs       Store
	bitWidth uint

	start    uint64
	hasLimit bool
	limit    uint64

	count   uint64
	peeking bool
	next    *uint64
	err     error

	f eachFunc
}

// visit is called for every present (index, value) pair in ascending
// order. It returns whether the walk should keep scanning.
func (w *rangedWalk) visit(i uint64, v *cbg.Deferred) bool {
	if w.peeking {
		idx := i
		w.next = &idx
		return false
	}
	if i < w.start {
		return true
	}
	if w.hasLimit && w.count >= w.limit {
		idx := i
		w.next = &idx
		return false
	}
	cont, err := w.f(i, v)
	if err != nil {
		w.err = err
		return false
	}
	w.count++
	if !cont {
		// This item was yielded; keep scanning (without calling f again) to
		// find the smallest present index strictly greater than it.
		w.peeking = true
		return true
	}
	return true
}

// walk performs the in-order traversal itself, calling w.visit for every
// present value and stopping the instant it returns false.
func (n *node) walk(w *rangedWalk, height, base uint64) bool {
	if height == 0 {
		for slot, v := range n.values {
			if v == nil {
				continue
			}
			if !w.visit(base+uint64(slot), v) {
				return false
			}
		}
		return true
	}
	nfh := nodesForHeight(w.bitWidth, height)
	for slot, ln := range n.links {
		if ln == nil {
			continue
		}
		childBase := base + uint64(slot)*nfh
		// Skip subtrees entirely below start — but only while not yet
		// peeking, since once peeking every subtree must be visited to
		// find the very next present index.
		if !w.peeking && childBase+nfh <= w.start {
			continue
		}
		sub, err := ln.load(w.ctx, w.bs, w.bitWidth, height-1)
		if err != nil {
			w.err = err
			return false
		}
		if !sub.walk(w, height-1, childBase) {
			return false
		}
	}
	return true
}

// forEachWhileRanged is the inorder traversal described in §4.1: it skips
// subtrees entirely below start, stops once limit items have been produced
// or f returns false, and reports the next present index after the cut, if
// any.
func (n *node) forEachWhileRanged(ctx context.Context, bs Store, bitWidth uint, height uint64, start uint64, hasLimit bool, limit uint64, f eachFunc) (traversed uint64, next *uint64, err error) {
	w := &rangedWalk{
		ctx: ctx, bs: bs, bitWidth: bitWidth,
		start: start, hasLimit: hasLimit, limit: limit,
		f: f,
	}
	n.walk(w, height, 0)
	if w.err != nil {
		return w.count, nil, w.err
	}
	return w.count, w.next, nil
}
