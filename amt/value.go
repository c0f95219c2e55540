package amt

import (
	"bytes"
	"io"
	"reflect"

	cbg "github.com/whyrusleeping/cbor-gen"
)

// Value is the constraint satisfied by anything storable in an AMT leaf
// slot. It mirrors the Marshal/UnmarshalCBOR contract that cbor-gen emits
// for generated types, so a Value never needs reflection to round-trip.
//
// *Deferred itself satisfies Value, letting callers store opaque,
// already-encoded CBOR blobs when they don't want a concrete Go type.
type Value interface {
	MarshalCBOR(w io.Writer) error
	UnmarshalCBOR(r io.Reader) error
}

// encodeValue serializes val to a Deferred, the opaque raw-CBOR carrier
// every leaf slot stores so a node never needs to know V's concrete type.
func encodeValue[V Value](val V) (*cbg.Deferred, error) {
	var buf bytes.Buffer
	if err := val.MarshalCBOR(&buf); err != nil {
		return nil, wrapCodec(err)
	}
	return &cbg.Deferred{Raw: append([]byte(nil), buf.Bytes()...)}, nil
}

// decodeValue materializes a V out of the raw bytes carried by d. A *V
// that is itself *cbg.Deferred is handed the bytes untouched, matching the
// "store opaque CBOR" escape hatch documented on Value; any other V is
// constructed fresh via reflection and unmarshaled into.
func decodeValue[V Value](d *cbg.Deferred) (V, error) {
	var zero V
	vt := reflect.TypeOf(zero)
	if vt != nil && vt == reflect.TypeOf((*cbg.Deferred)(nil)) {
		dv := &cbg.Deferred{Raw: append([]byte(nil), d.Raw...)}
		return reflect.ValueOf(dv).Interface().(V), nil
	}
	nv := newZeroValue[V]()
	if err := nv.UnmarshalCBOR(bytes.NewReader(d.Raw)); err != nil {
		return zero, wrapCodec(err)
	}
	return nv, nil
}

// newZeroValue constructs a usable zero instance of V to unmarshal into.
// V is always a pointer type satisfying the Value interface (the same
// convention cbor-gen generated types follow), so its zero value is nil
// and must be allocated before UnmarshalCBOR can populate it.
func newZeroValue[V Value]() V {
	var zero V
	vt := reflect.TypeOf(zero)
	if vt == nil || vt.Kind() != reflect.Ptr {
		return zero
	}
	return reflect.New(vt.Elem()).Interface().(V)
}
