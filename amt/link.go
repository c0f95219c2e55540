package amt

import (
	"bytes"
	"context"

	"github.com/ipfs/go-cid"
)

// link is a child reference in one of three states, per §4.2:
//
//	Dirty(Node)        -- dirty == true, cached holds the owned node, cid is unset
//	Clean{cid, cache}  -- dirty == false, cid is valid, cached may or may not be materialized yet
//	Absent             -- represented by a nil *link in the parent's slice, not a link value
//
// Clean->Dirty always takes ownership of the cached node (loading it first
// if it wasn't already materialized) and discards the cid, since the
// subtree will no longer match it once mutated.
type link struct {
	cid    cid.Cid
	dirty  bool
	cached *node
}

// load materializes the node behind a link, loading it from the block store
// on first touch if this is a Clean link without a cache yet. It never
// changes dirty/cid — only descent that goes on to mutate does that, by
// simply setting dirty=true and cid=cid.Undef directly on the returned
// link once the mutation is known to have happened.
func (l *link) load(ctx context.Context, bs Store, bitWidth uint, height uint64) (*node, error) {
	if l.cached != nil {
		return l.cached, nil
	}
	data, found, err := bs.Get(ctx, l.cid)
	if err != nil {
		return nil, wrapBlockStore(err)
	}
	if !found {
		return nil, errCidNotFound(l.cid)
	}
	cn := new(collapsedNode)
	if err := cn.unmarshalCBOR(bytes.NewReader(data), int(bitWidth), height == 0); err != nil {
		return nil, err
	}
	n, err := expandNode(cn, bitWidth, height == 0)
	if err != nil {
		return nil, err
	}
	l.cached = n
	return n, nil
}
