// Package frosterr defines the error taxonomy shared by every Frost engine.
//
// Every fallible boundary (append, map grow, cryptographic op, filesystem
// op) returns a result carrying one of the Kind values below rather than an
// ad-hoc string. Warning-kind errors are never returned to a caller that
// would abort the run; they are delivered through a Progress callback
// instead (see internal/engine/progress) and the operation that produced
// them continues.
package frosterr

import "fmt"

// Kind classifies an error so callers can decide whether to abort, retry, or
// merely warn.
type Kind int

const (
	// BadFormat: magic mismatch, a block header whose size doesn't fit, a
	// catalog offset out of range, a multichunk hash/filename mismatch.
	BadFormat Kind = iota
	// Crypto: wrong password (ECIES decrypt failed), multichunk integrity
	// mismatch after decryption.
	Crypto
	// IO: read/write/mmap/grow failure. Disk-full on grow is the common case.
	IO
	// NotFound: missing chunk UID, missing multichunk file, missing revision.
	NotFound
	// Policy: overwrite forbidden, wrong permission bits on the key vault.
	Policy
	// Interrupted: cooperative stop was requested mid-operation.
	Interrupted
	// Warning: a per-file issue that must not abort the run. Delivered
	// through the Progress callback, never returned as a hard error.
	Warning
)

func (k Kind) String() string {
	switch k {
	case BadFormat:
		return "BadFormat"
	case Crypto:
		return "Crypto"
	case IO:
		return "IO"
	case NotFound:
		return "NotFound"
	case Policy:
		return "Policy"
	case Interrupted:
		return "Interrupted"
	case Warning:
		return "Warning"
	default:
		return "Unknown"
	}
}

// Error is a Kind-tagged error. Use errors.As to recover the Kind from a
// wrapped error chain.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "index.open", "multichunk.decrypt"
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an *Error wrapping err. Callers must check err != nil first;
// Wrap does not swallow a nil cause.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error. The second
// return is false for errors outside this taxonomy.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if as(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// as walks the Unwrap chain looking for an *Error, equivalent to errors.As
// without pulling in the errors package for one call site.
func as(err error, target **Error) bool {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			*target = fe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
