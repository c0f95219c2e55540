package amt

import (
	"bytes"
	"testing"

	cbg "github.com/whyrusleeping/cbor-gen"
)

// FuzzCollapsedNodeRoundTrip exercises the hand-expanded codec against
// arbitrary byte-strings standing in for leaf values, the idiomatic Go
// substitute for a standalone fuzz-target binary: encode a node built from
// the fuzzer's input, then require decode to reproduce it exactly.
func FuzzCollapsedNodeRoundTrip(f *testing.F) {
	f.Add(uint8(3), []byte{0, 1, 2, 3})
	f.Add(uint8(1), []byte{})
	f.Add(uint8(8), []byte{255})

	f.Fuzz(func(t *testing.T, bitWidthSeed uint8, present []byte) {
		bitWidth := int(bitWidthSeed%8) + 1
		width := 1 << bitWidth

		cn := &collapsedNode{bitmap: makeBitmap(width)}
		for _, p := range present {
			slot := int(p) % width
			if cn.bitmap[slot/8]&(1<<uint(slot%8)) != 0 {
				continue
			}
			cn.bitmap[slot/8] |= 1 << uint(slot%8)
			cn.valueItems = append(cn.valueItems, &cbg.Deferred{Raw: []byte{0xf6}}) // CBOR null
		}

		var buf bytes.Buffer
		if err := cn.MarshalCBOR(&buf); err != nil {
			t.Fatalf("marshal: %v", err)
		}

		got := new(collapsedNode)
		if err := got.unmarshalCBOR(bytes.NewReader(buf.Bytes()), width, true); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}

		if !bytes.Equal(got.bitmap, cn.bitmap) {
			t.Fatalf("bitmap mismatch: got %x want %x", got.bitmap, cn.bitmap)
		}
		if len(got.valueItems) != len(cn.valueItems) {
			t.Fatalf("value count mismatch: got %d want %d", len(got.valueItems), len(cn.valueItems))
		}
	})
}
