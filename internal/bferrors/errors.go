// Package bferrors implements the archive's error taxonomy (spec §7) as
// a closed Kind enum wrapped around the underlying cause, so callers can
// branch on "what kind of failure" without string matching.
package bferrors

import (
	"errors"
	"fmt"

	"bufarch/internal/model"
)

// Kind is the closed taxonomy of error kinds produced anywhere in the
// archive, download pipeline, or climatology pipeline.
type Kind int

const (
	// NotFound: blob absent, row absent, binding absent.
	NotFound Kind = iota
	// NotInIndex: site_id unknown for a model.
	NotInIndex
	// Parse: payload could not be parsed.
	Parse
	// InvalidData: parsed but missing required fields.
	InvalidData
	// IdMovedStation: add would rebind a site_id to a different station
	// at an older init_time than the existing binding.
	IdMovedStation
	// IO: underlying filesystem or database failure.
	IO
	// Network: HTTP status != 200 / transport failure.
	Network
	// InitializationError: unrecoverable stage setup failure.
	InitializationError
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case NotInIndex:
		return "not_in_index"
	case Parse:
		return "parse"
	case InvalidData:
		return "invalid_data"
	case IdMovedStation:
		return "id_moved_station"
	case IO:
		return "io"
	case Network:
		return "network"
	case InitializationError:
		return "initialization_error"
	default:
		return "unknown"
	}
}

// Error is the concrete error value carried through the archive. Old/New
// are populated only for IdMovedStation.
type Error struct {
	Kind Kind
	Old  model.StationNumber
	New  model.StationNumber
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == IdMovedStation {
		return fmt.Sprintf("%s: station %d would move to %d: %v", e.Kind, e.Old, e.New, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err (which may be nil) with the given kind.
func New(k Kind, err error) *Error {
	return &Error{Kind: k, Err: err}
}

// Newf wraps a formatted error with the given kind.
func Newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Err: fmt.Errorf(format, args...)}
}

// IdMoved builds the IdMovedStation variant carrying both station
// numbers, per spec §7.
func IdMoved(old, new model.StationNumber) *Error {
	return &Error{Kind: IdMovedStation, Old: old, New: new, Err: fmt.Errorf("station id rebinding rejected: not monotonic in init_time")}
}

// Is reports whether err's Kind (walking Unwrap) equals k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// KindOf extracts the Kind of err, or (0, false) if err is not a
// *Error anywhere in its chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
