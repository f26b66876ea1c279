package common

import (
	crdb "github.com/cockroachdb/errors"
)

// Error taxonomy. Hard failures are marked with one of these sentinels so
// callers can classify them with errors.Is through any amount of wrapping.
var (
	// ErrMalformedRecord is soft: the record is dropped and counted.
	ErrMalformedRecord = crdb.New("malformed record")
	// ErrEmptyResult aborts a load or index that produced nothing usable.
	ErrEmptyResult = crdb.New("empty result")
	// ErrAmbiguousInput aborts a unit of work with conflicting inputs.
	ErrAmbiguousInput = crdb.New("ambiguous input")
	// ErrNotFound fails one compositing or stacking operation.
	ErrNotFound = crdb.New("not found")
)

var (
	New      = crdb.New
	Newf     = crdb.Newf
	Wrap     = crdb.Wrap
	Wrapf    = crdb.Wrapf
	Is       = crdb.Is
	As       = crdb.As
	Mark     = crdb.Mark
	WithHint = crdb.WithHint
)

// Markf builds a new error carrying the given sentinel.
func Markf(sentinel error, format string, args ...interface{}) error {
	return crdb.Mark(crdb.Newf(format, args...), sentinel)
}

// IsHard reports whether err belongs to a hard failure class.
func IsHard(err error) bool {
	return crdb.IsAny(err, ErrEmptyResult, ErrAmbiguousInput, ErrNotFound)
}

// Kind names the taxonomy class of err for summaries.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case crdb.Is(err, ErrNotFound):
		return "NotFound"
	case crdb.Is(err, ErrAmbiguousInput):
		return "AmbiguousInput"
	case crdb.Is(err, ErrEmptyResult):
		return "EmptyResult"
	case crdb.Is(err, ErrMalformedRecord):
		return "MalformedRecord"
	default:
		return "Error"
	}
}
