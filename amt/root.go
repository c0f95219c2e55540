package amt

import (
	"bytes"
	"io"

	cbg "github.com/whyrusleeping/cbor-gen"
)

// version selects the wire tuple arity for a root envelope. The two
// versions are distinguished purely by tuple arity, never by content
// sniffing, matching §4.3 of the spec: "tuple arity mismatch is the
// discriminator."
type version int

const (
	versionV3 version = iota // [bit_width, height, count, node] — current
	versionV0                 // [height, count, node] — legacy, implicit bit_width=3
)

// root is the versioned tree header: bit_width, height, count, and the top
// Node, kept in expanded (in-memory) form once loaded.
type root struct {
	bitWidth uint
	height   uint64
	count    uint64
	node     *node
	ver      version
}

func newRoot(bitWidth uint, ver version) *root {
	return &root{
		bitWidth: bitWidth,
		height:   0,
		count:    0,
		node:     newLeaf(bitWidth),
		ver:      ver,
	}
}

// marshalCBOR encodes the root envelope for the version it was constructed
// or loaded with.
func (r *root) marshalCBOR(w io.Writer) error {
	cn, err := r.node.encode(r.bitWidth, r.height == 0)
	if err != nil {
		return err
	}
	switch r.ver {
	case versionV3:
		if err := cbg.WriteMajorTypeHeader(w, cbg.MajArray, 4); err != nil {
			return err
		}
		if err := cbg.WriteMajorTypeHeader(w, cbg.MajUnsignedInt, uint64(r.bitWidth)); err != nil {
			return err
		}
	case versionV0:
		if err := cbg.WriteMajorTypeHeader(w, cbg.MajArray, 3); err != nil {
			return err
		}
	default:
		return errInvalidEncoding("unknown root version")
	}
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajUnsignedInt, r.height); err != nil {
		return err
	}
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajUnsignedInt, r.count); err != nil {
		return err
	}
	return cn.MarshalCBOR(w)
}

// encodeRoot serializes the root to its canonical CBOR bytes. Encoding is
// deterministic (I6): the same (bit_width, height, count, logical contents)
// always yields the same bytes, because cbor-gen-style headers encode
// lengths canonically and collapsedNode never emits empty slots.
func (r *root) encodeRoot() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.marshalCBOR(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeRoot parses bytes produced by encodeRoot, expecting the given
// version's tuple arity. A V3 decoder rejects V0 bytes and vice versa,
// because the array header's declared length won't match (P7).
func decodeRoot(data []byte, ver version) (*root, error) {
	br := newCborReader(bytes.NewReader(data))
	scratch := make([]byte, 8)

	maj, extra, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return nil, wrapCodec(err)
	}
	wantArity := uint64(4)
	if ver == versionV0 {
		wantArity = 3
	}
	if maj != cbg.MajArray || extra != wantArity {
		return nil, errInvalidEncoding("root tuple arity does not match expected version")
	}

	bitWidth := uint(DefaultBitWidth)
	if ver == versionV3 {
		maj, extra, err = cbg.CborReadHeaderBuf(br, scratch)
		if err != nil {
			return nil, wrapCodec(err)
		}
		if maj != cbg.MajUnsignedInt {
			return nil, errInvalidEncoding("bit_width is not an unsigned integer")
		}
		bitWidth = uint(extra)
	}
	if bitWidth < 1 || bitWidth > 8 {
		return nil, errInvalidEncoding("bit_width out of range [1,8]")
	}

	maj, height, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return nil, wrapCodec(err)
	}
	if maj != cbg.MajUnsignedInt {
		return nil, errInvalidEncoding("height is not an unsigned integer")
	}

	maj, count, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return nil, wrapCodec(err)
	}
	if maj != cbg.MajUnsignedInt {
		return nil, errInvalidEncoding("count is not an unsigned integer")
	}

	if height > maxHeight(bitWidth) {
		return nil, errMaxHeight(height, maxHeight(bitWidth))
	}

	cn := new(collapsedNode)
	if err := cn.unmarshalCBOR(br, int(bitWidth), height == 0); err != nil {
		return nil, err
	}
	n, err := expandNode(cn, bitWidth, height == 0)
	if err != nil {
		return nil, err
	}

	return &root{bitWidth: bitWidth, height: height, count: count, node: n, ver: ver}, nil
}
