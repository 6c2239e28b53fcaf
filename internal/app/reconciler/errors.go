package reconciler

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why handling a record didn't fully succeed.
type Kind int

const (
	// KindFatal covers registry failures and anything unexpected.
	KindFatal Kind = iota

	// KindMissingField means a required message field was absent.
	// Never fatal on its own.
	KindMissingField

	// KindNotFound means a client or node to delete was already gone.
	KindNotFound

	// KindStore means the record store rejected a call.
	KindStore

	// KindMalformed means the message body couldn't be decoded.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindMissingField:
		return "missing_field"
	case KindNotFound:
		return "not_found"
	case KindStore:
		return "store"
	case KindMalformed:
		return "malformed"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a classified failure while handling one record.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Cause implements the github.com/pkg/errors causer interface.
func (e *Error) Cause() error { return e.Err }

// Unwrap implements the Go 1.13 error unwrapping interface.
func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying later may succeed.
func (e *Error) Transient() bool {
	var t interface{ Transient() bool }
	return errors.As(e.Err, &t) && t.Transient()
}

// KindOf returns the Kind of err, or KindFatal if err isn't an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

func classified(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
