package storage

import (
	"errors"
	"fmt"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("store closed")

	// ErrTimeout means the backend did not answer within the operation bound.
	// It is distinct from ErrCommunityNotFound: the store may simply be unreachable.
	ErrTimeout = errors.New("operation timed out")

	ErrCommunityNotFound   = errors.New("community not found")
	ErrAgentNotTracked     = errors.New("agent not tracked")
	ErrAgentAlreadyTracked = errors.New("agent already tracked")
	ErrDuplicate           = errors.New("duplicate key")
	ErrConflict            = errors.New("version conflict")
)

// Kind classifies store failures so callers can tell "store unreachable"
// from "no such record" from "bad request".
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectivity
	KindValidation
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is returned by every Store operation that fails.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the failure class of err (KindUnknown for foreign errors).
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrClosed), isConnectionError(err):
		return KindConnectivity
	case errors.Is(err, ErrCommunityNotFound):
		return KindNotFound
	case errors.Is(err, ErrAgentNotTracked), errors.Is(err, ErrAgentAlreadyTracked):
		return KindValidation
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindUnknown
	}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Kind: classify(err), Err: err}
}
