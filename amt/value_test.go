package amt_test

import (
	"io"

	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/jaiminpan/go-amt/amt"
)

// strVal is a minimal amt.Value used across the test suite: a CBOR text
// string, hand-marshaled in the same no-reflection style cbor-gen
// generates for a single string field.
type strVal string

var _ amt.Value = (*strVal)(nil)

func (s *strVal) MarshalCBOR(w io.Writer) error {
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajTextString, uint64(len(*s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, string(*s))
	return err
}

func (s *strVal) UnmarshalCBOR(r io.Reader) error {
	br := cbg.GetPeeker(r)
	scratch := make([]byte, 8)
	maj, extra, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return err
	}
	if maj != cbg.MajTextString {
		return io.ErrUnexpectedEOF
	}
	buf := make([]byte, extra)
	if _, err := io.ReadFull(br, buf); err != nil {
		return err
	}
	*s = strVal(buf)
	return nil
}

func strp(s string) *strVal {
	v := strVal(s)
	return &v
}
