package amt

// Hand-expanded cbor-gen output.
//
// The upstream convention for this domain (see the real go-amt-ipld's use of
// cbg.Deferred, grounded on the retrieved node.go of that project) is to run
// `cbor-gen` against a small struct and commit the generated *_cbor_gen.go
// file. Without a Go toolchain available in this environment, this file is
// written by hand in exactly the shape cbor-gen would emit: no reflection on
// the hot path, explicit major-type headers via the cbor-gen runtime helpers.

import (
	"bufio"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

// bitmapBytes is the number of bytes needed to hold one bit per slot.
func bitmapBytes(width int) int {
	return (width + 7) / 8
}

func makeBitmap(width int) []byte {
	return make([]byte, bitmapBytes(width))
}

// checkBitmap validates that bf has the expected length for width and that
// any unused high bits in the final byte are unset, matching the real
// go-amt-ipld's checkBmap.
func checkBitmap(bf []byte, width int) error {
	expLen := bitmapBytes(width)
	if len(bf) != expLen {
		return xerrors.Errorf("expected bitmap of %d bytes, got %d", expLen, len(bf))
	}
	rem := width % 8
	if rem == 0 {
		return nil
	}
	unused := 8 - rem
	if bf[len(bf)-1]&^(uint8(0xff)>>uint(unused)) > 0 {
		return xerrors.Errorf("unused top %d bits of bitmap must be unset (width %d)", unused, width)
	}
	return nil
}

// collapsedNode is the on-wire shape of a Node: a packed presence bitmap
// plus the ordered list of present contents. Exactly one of linkItems or
// valueItems is populated at a time; which one is expected is determined by
// the caller from tree height, never guessed from the bytes.
type collapsedNode struct {
	bitmap     []byte
	linkItems  []cid.Cid
	valueItems []*cbg.Deferred
}

// MarshalCBOR writes the node as the 2-tuple (bmap: bytes, items: array)
// specified in the wire format section of the spec.
func (cn *collapsedNode) MarshalCBOR(w io.Writer) error {
	if cn == nil {
		_, err := w.Write(cbg.CborNull)
		return err
	}
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajArray, 2); err != nil {
		return err
	}
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajByteString, uint64(len(cn.bitmap))); err != nil {
		return err
	}
	if _, err := w.Write(cn.bitmap); err != nil {
		return err
	}

	switch {
	case len(cn.linkItems) > 0:
		if err := cbg.WriteMajorTypeHeader(w, cbg.MajArray, uint64(len(cn.linkItems))); err != nil {
			return err
		}
		for _, c := range cn.linkItems {
			if err := cbg.WriteCid(w, c); err != nil {
				return err
			}
		}
	case len(cn.valueItems) > 0:
		if err := cbg.WriteMajorTypeHeader(w, cbg.MajArray, uint64(len(cn.valueItems))); err != nil {
			return err
		}
		for _, v := range cn.valueItems {
			if err := v.MarshalCBOR(w); err != nil {
				return err
			}
		}
	default:
		if err := cbg.WriteMajorTypeHeader(w, cbg.MajArray, 0); err != nil {
			return err
		}
	}
	return nil
}

// unmarshalCBOR reads a collapsedNode, expecting either link items (isLeaf
// == false) or value items (isLeaf == true). width is used to validate the
// bitmap's length and its unused high bits; the items count is read directly
// off the wire and must match the number of set bits in the bitmap (checked
// by the caller, expandNode, since that validation belongs to Node semantics).
func (cn *collapsedNode) unmarshalCBOR(r io.Reader, width int, isLeaf bool) error {
	br := cbg.GetPeeker(r)
	scratch := make([]byte, 8)

	maj, extra, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return wrapCodec(err)
	}
	if maj != cbg.MajArray || extra != 2 {
		return errInvalidEncoding("node is not a 2-tuple")
	}

	maj, extra, err = cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return wrapCodec(err)
	}
	if maj != cbg.MajByteString {
		return errInvalidEncoding("node bitmap is not a byte string")
	}
	if int(extra) != bitmapBytes(width) {
		return errInvalidEncoding(fmt.Sprintf("bitmap has %d bytes, want %d", extra, bitmapBytes(width)))
	}
	bm := make([]byte, extra)
	if _, err := io.ReadFull(br, bm); err != nil {
		return wrapCodec(err)
	}
	if err := checkBitmap(bm, width); err != nil {
		return errInvalidEncoding(err.Error())
	}
	cn.bitmap = bm

	maj, extra, err = cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return wrapCodec(err)
	}
	if maj != cbg.MajArray {
		return errInvalidEncoding("node items is not an array")
	}

	if isLeaf {
		items := make([]*cbg.Deferred, extra)
		for i := range items {
			d := new(cbg.Deferred)
			if err := d.UnmarshalCBOR(br); err != nil {
				return wrapCodec(err)
			}
			items[i] = d
		}
		cn.valueItems = items
		return nil
	}

	items := make([]cid.Cid, extra)
	for i := range items {
		c, err := cbg.ReadCid(br)
		if err != nil {
			return wrapCodec(err)
		}
		items[i] = c
	}
	cn.linkItems = items
	return nil
}

// newCborReader wraps an io.Reader as a *bufio.Reader, reusing one if it's
// already buffered, matching the pattern generated cbor-gen code uses.
func newCborReader(r io.Reader) *bufio.Reader {
	return cbg.GetPeeker(r)
}
