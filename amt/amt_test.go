package amt_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jaiminpan/go-amt/amt"
	"github.com/jaiminpan/go-amt/blockstore/memstore"
)

func newTestAMT(t *testing.T) (*amt.AMT[*strVal], *memstore.Store) {
	t.Helper()
	bs := memstore.New()
	return amt.New[*strVal](bs), bs
}

// S1: basic set/delete and count bookkeeping.
//
// Kept in bare testing.T style, no assertion library, matching the
// teacher's own trie_test.go for these small, readable scenario checks.
func TestScenarioSetDeleteCount(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAMT(t)

	if _, err := a.Set(ctx, 2, strp("foo")); err != nil {
		t.Fatalf("set(2): %v", err)
	}
	if _, err := a.Set(ctx, 1, strp("bar")); err != nil {
		t.Fatalf("set(1): %v", err)
	}
	ok, err := a.Delete(ctx, 2)
	if err != nil {
		t.Fatalf("delete(2): %v", err)
	}
	if !ok {
		t.Fatal("delete(2) = false, want true")
	}

	if got := a.Len(); got != 1 {
		t.Fatalf("len = %d, want 1", got)
	}

	v, found, err := a.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get(1): %v", err)
	}
	if !found {
		t.Fatal("get(1) not found, want found")
	}
	if string(*v) != "bar" {
		t.Fatalf("get(1) = %q, want %q", string(*v), "bar")
	}

	_, found, err = a.Get(ctx, 2)
	if err != nil {
		t.Fatalf("get(2): %v", err)
	}
	if found {
		t.Fatal("get(2) found, want not found after delete")
	}
}

// S2: a fully packed leaf stays at height 0; one more insert grows it.
//
// Bare testing.T style, same reasoning as TestScenarioSetDeleteCount above.
func TestScenarioHeightGrowsOnOverflow(t *testing.T) {
	ctx := context.Background()
	a, err := amt.NewWithBitWidth[*strVal](memstore.New(), 3)
	if err != nil {
		t.Fatalf("NewWithBitWidth: %v", err)
	}

	for i := uint64(0); i < 8; i++ {
		if _, err := a.Set(ctx, i, strp("v")); err != nil {
			t.Fatalf("set(%d): %v", i, err)
		}
	}
	if a.Height() != 0 {
		t.Fatalf("height = %d, want 0 before overflow", a.Height())
	}
	if a.Len() != 8 {
		t.Fatalf("len = %d, want 8", a.Len())
	}

	if _, err := a.Set(ctx, 8, strp("v8")); err != nil {
		t.Fatalf("set(8): %v", err)
	}
	if a.Height() != 1 {
		t.Fatalf("height = %d, want 1 after overflow", a.Height())
	}
}

// Collapse must load an unmaterialized slot-0 child rather than give up:
// a tree loaded fresh from a store has every child Clean{cached: nil}, so
// deleting down to a single-child root has to fetch that child from the
// block store before replacing the root with it (§4.1).
func TestCollapseLoadsUnmaterializedChild(t *testing.T) {
	ctx := context.Background()
	bs := memstore.New()
	a, err := amt.NewWithBitWidth[*strVal](bs, 3)
	require.NoError(t, err)

	_, err = a.Set(ctx, 0, strp("a"))
	require.NoError(t, err)
	_, err = a.Set(ctx, 8, strp("b")) // forces height 1: links[0]=leaf "a", links[1]=leaf "b"
	require.NoError(t, err)
	require.EqualValues(t, 1, a.Height())

	root, err := a.Flush(ctx)
	require.NoError(t, err)

	loaded, err := amt.Load[*strVal](ctx, bs, root)
	require.NoError(t, err)
	require.EqualValues(t, 1, loaded.Height())

	ok, err := loaded.Delete(ctx, 8)
	require.NoError(t, err)
	require.True(t, ok)

	require.EqualValues(t, 0, loaded.Height(), "root must collapse to height 0 even though slot 0 was never touched by this delete")
	v, found, err := loaded.Get(ctx, 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "a", string(*v))

	collapsedCid, err := loaded.Flush(ctx)
	require.NoError(t, err)

	fresh := amt.New[*strVal](memstore.New())
	_, err = fresh.Set(ctx, 0, strp("a"))
	require.NoError(t, err)
	require.EqualValues(t, 0, fresh.Height())
	freshCid, err := fresh.Flush(ctx)
	require.NoError(t, err)

	require.Equal(t, freshCid, collapsedCid, "collapsed tree must be bit-for-bit canonical (P4/I6)")
}

// S3: a large sparse index drives height up, and deleting it back down to
// empty collapses height back to 0 and produces the same CID as a
// freshly-constructed empty tree of the same bit width.
//
// Height growth follows nodes_for_height(w, h+1), the condition the
// growth-rule pseudocode and the original Rust amt.rs both use (see
// DESIGN.md): for bit_width=3 that puts index 1,000,000 at height 6, one
// less than the worked value spec.md's own S3 text states, since that text
// computes ceil(log_8(index+1)) directly rather than via the nodes_for_height
// recurrence.
func TestScenarioSparseIndexHeightAndCollapse(t *testing.T) {
	ctx := context.Background()
	bs := memstore.New()
	a, err := amt.NewWithBitWidth[*strVal](bs, 3)
	require.NoError(t, err)

	_, err = a.Set(ctx, 1_000_000, strp("x"))
	require.NoError(t, err)
	require.EqualValues(t, 6, a.Height())

	root, err := a.Flush(ctx)
	require.NoError(t, err)

	loaded, err := amt.Load[*strVal](ctx, bs, root)
	require.NoError(t, err)

	ok, err := loaded.Delete(ctx, 1_000_000)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 0, loaded.Height())
	require.EqualValues(t, 0, loaded.Len())

	emptyRoot, err := loaded.Flush(ctx)
	require.NoError(t, err)

	empty, err := amt.NewWithBitWidth[*strVal](bs, 3)
	require.NoError(t, err)
	emptyCid, err := empty.Flush(ctx)
	require.NoError(t, err)

	require.Equal(t, emptyCid, emptyRoot)
}

// S4: ranged iteration respects start/limit and reports the correct
// next_index.
func TestScenarioForEachRanged(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAMT(t)

	err := a.BatchSet(ctx, []*strVal{strp("a"), strp("b"), strp("c"), strp("d"), strp("e")})
	require.NoError(t, err)

	type pair struct {
		i uint64
		v string
	}
	var got []pair
	traversed, next, err := a.ForEachWhileRanged(ctx, 2, true, 2, func(i uint64, v *strVal) (bool, error) {
		got = append(got, pair{i, string(*v)})
		return true, nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, traversed)
	require.Equal(t, []pair{{2, "c"}, {3, "d"}}, got)
	require.NotNil(t, next)
	require.EqualValues(t, 4, *next)
}

// S5: batch_delete dedupes indices before counting "not found" in strict
// mode (SPEC_FULL.md §9 Open Question resolution).
func TestScenarioBatchDeleteDedup(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAMT(t)

	_, err := a.Set(ctx, 3, strp("x"))
	require.NoError(t, err)
	_, err = a.Set(ctx, 5, strp("y"))
	require.NoError(t, err)

	n, err := a.BatchDelete(ctx, []uint64{5, 3, 5}, true)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.EqualValues(t, 0, a.Len())
}

// S6: determinism of the flushed CID regardless of insertion order (P4).
func TestScenarioDeterministicCid(t *testing.T) {
	ctx := context.Background()
	bsA := memstore.New()
	aAmt := amt.New[*strVal](bsA)
	_, err := aAmt.Set(ctx, 0, strp("x"))
	require.NoError(t, err)
	_, err = aAmt.Set(ctx, 7, strp("y"))
	require.NoError(t, err)
	cidA, err := aAmt.Flush(ctx)
	require.NoError(t, err)

	bsB := memstore.New()
	bAmt := amt.New[*strVal](bsB)
	_, err = bAmt.Set(ctx, 7, strp("y"))
	require.NoError(t, err)
	_, err = bAmt.Set(ctx, 0, strp("x"))
	require.NoError(t, err)
	cidB, err := bAmt.Flush(ctx)
	require.NoError(t, err)

	require.Equal(t, cidA, cidB)
}

// P5: flushing twice with no intervening mutation is idempotent and
// writes no new blocks.
func TestFlushIdempotent(t *testing.T) {
	ctx := context.Background()
	bs := memstore.New()
	a := amt.New[*strVal](bs)
	_, err := a.Set(ctx, 42, strp("x"))
	require.NoError(t, err)

	c1, err := a.Flush(ctx)
	require.NoError(t, err)
	n1 := bs.Len()

	c2, err := a.Flush(ctx)
	require.NoError(t, err)
	n2 := bs.Len()

	require.Equal(t, c1, c2)
	require.Equal(t, n1, n2)
}

// P8: out-of-range indices fail with OutOfRange and never mutate the tree.
func TestOutOfRangeRejected(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAMT(t)

	_, err := a.Set(ctx, amt.MaxIndex+1, strp("x"))
	require.Error(t, err)
	require.ErrorIs(t, err, amt.ErrOutOfRange)

	_, _, err = a.Get(ctx, amt.MaxIndex+1)
	require.ErrorIs(t, err, amt.ErrOutOfRange)

	_, err = a.Delete(ctx, amt.MaxIndex+1)
	require.ErrorIs(t, err, amt.ErrOutOfRange)

	require.EqualValues(t, 0, a.Len())
}

// P7: a V3-encoded root cannot be decoded as V0 (checked here in the
// V3-to-V0 direction only).
func TestVersionIsolation(t *testing.T) {
	ctx := context.Background()
	bs := memstore.New()
	a := amt.New[*strVal](bs)
	_, err := a.Set(ctx, 1, strp("x"))
	require.NoError(t, err)
	root, err := a.Flush(ctx)
	require.NoError(t, err)

	_, err = amt.LoadLegacy[*strVal](ctx, bs, root)
	require.Error(t, err)
	require.ErrorIs(t, err, amt.ErrInvalidEncoding)
}

// for_each_mut*: a callback that flags a replacement sees it reflected
// afterward, and untouched entries are unaffected.
func TestForEachWhileMut(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAMT(t)

	err := a.BatchSet(ctx, []*strVal{strp("a"), strp("b"), strp("c")})
	require.NoError(t, err)

	err = a.ForEachMut(ctx, func(i uint64, h *amt.MutHandle[*strVal]) error {
		if i == 1 {
			h.Set(strp("B"))
		}
		return nil
	})
	require.NoError(t, err)

	v0, _, err := a.Get(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "a", string(*v0))

	v1, _, err := a.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "B", string(*v1))
}

// P1: round-trip through flush and load.
func TestRoundTripFlushLoad(t *testing.T) {
	ctx := context.Background()
	bs := memstore.New()
	a := amt.New[*strVal](bs)

	indices := []uint64{0, 1, 7, 8, 63, 1000, 70000}
	for _, i := range indices {
		_, err := a.Set(ctx, i, strp("v"))
		require.NoError(t, err)
	}
	root, err := a.Flush(ctx)
	require.NoError(t, err)

	loaded, err := amt.Load[*strVal](ctx, bs, root)
	require.NoError(t, err)

	for _, i := range indices {
		v, found, err := loaded.Get(ctx, i)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "v", string(*v))
	}
	_, found, err := loaded.Get(ctx, 12345)
	require.NoError(t, err)
	require.False(t, found)
}
