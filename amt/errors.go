package amt

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

// ErrorKind classifies an Error so callers can branch on failure category
// with errors.Is instead of string matching, per the error taxonomy in §7.
type ErrorKind int

const (
	KindOutOfRange ErrorKind = iota
	KindMaxHeight
	KindCidNotFound
	KindInvalidEncoding
	KindNotFound
	KindBlockStore
	KindCodec
)

func (k ErrorKind) String() string {
	switch k {
	case KindOutOfRange:
		return "out of range"
	case KindMaxHeight:
		return "max height exceeded"
	case KindCidNotFound:
		return "cid not found"
	case KindInvalidEncoding:
		return "invalid encoding"
	case KindNotFound:
		return "not found"
	case KindBlockStore:
		return "block store"
	case KindCodec:
		return "codec"
	default:
		return "unknown"
	}
}

// Error is the single error type every AMT operation returns. Kind is the
// stable, matchable part; msg and the wrapped err carry the detail.
type Error struct {
	Kind ErrorKind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("amt: %s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("amt: %s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches against the Kind-only sentinel values below, so callers write
// errors.Is(err, amt.ErrOutOfRange) without caring about message text.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel values for errors.Is matching. Each carries only a Kind; compare
// with errors.Is(err, amt.ErrOutOfRange), never by identity.
var (
	ErrOutOfRange       = &Error{Kind: KindOutOfRange}
	ErrMaxHeight        = &Error{Kind: KindMaxHeight}
	ErrCidNotFound      = &Error{Kind: KindCidNotFound}
	ErrInvalidEncoding  = &Error{Kind: KindInvalidEncoding}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrBlockStore       = &Error{Kind: KindBlockStore}
	ErrCodec            = &Error{Kind: KindCodec}
)

func errOutOfRange(i uint64) error {
	return &Error{Kind: KindOutOfRange, msg: fmt.Sprintf("index %d out of range", i)}
}

func errMaxHeight(height, max uint64) error {
	return &Error{Kind: KindMaxHeight, msg: fmt.Sprintf("height %d exceeds max height %d", height, max)}
}

func errCidNotFound(c cid.Cid) error {
	return &Error{Kind: KindCidNotFound, msg: fmt.Sprintf("block not found for %s", c)}
}

func errInvalidEncoding(msg string) error {
	return &Error{Kind: KindInvalidEncoding, msg: msg}
}

func errNotFound(i uint64) error {
	return &Error{Kind: KindNotFound, msg: fmt.Sprintf("no value at index %d", i)}
}

func wrapBlockStore(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindBlockStore, msg: "block store operation failed", err: xerrors.Errorf("%w", err)}
}

func wrapCodec(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindCodec, msg: "codec operation failed", err: xerrors.Errorf("%w", err)}
}
