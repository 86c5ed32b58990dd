package dedupe

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// KindInvalidArgument: validation of sizes, names, or streams failed.
	// Fatal to the call; no state change.
	KindInvalidArgument Kind = iota
	// KindNotFound: the named object, container, or chunk does not exist.
	KindNotFound
	// KindConflict: a plain store targeted an object name that already exists.
	KindConflict
	// KindCallbackFailure: a write/read/delete callback returned false or empty.
	KindCallbackFailure
	// KindIndexCorruption: the index is missing its config row or has a
	// schema mismatch. Fatal at open time.
	KindIndexCorruption
	// KindConsistencyWarning: a chunk referenced by metadata could not be
	// read back; the read fails but the index is left untouched.
	KindConsistencyWarning
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindCallbackFailure:
		return "callback_failure"
	case KindIndexCorruption:
		return "index_corruption"
	case KindConsistencyWarning:
		return "consistency_warning"
	default:
		return "unknown"
	}
}

// Error is the library's typed error, carrying a Kind alongside the
// underlying cause so callers can branch on failure category without
// string matching.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "store_object"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dedupe: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("dedupe: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err is a *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}
