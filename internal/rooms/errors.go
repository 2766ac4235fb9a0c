package rooms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/npezzotti/gochat-rooms/internal/database"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindNotMember
	KindFull
	KindConflict
	KindExhausted
	KindTimeout
	KindUnavailable
)

var kindNames = map[Kind]string{
	KindUnknown:      "unknown",
	KindValidation:   "validation",
	KindUnauthorized: "unauthorized",
	KindForbidden:    "forbidden",
	KindNotFound:     "not_found",
	KindNotMember:    "not_member",
	KindFull:         "full",
	KindConflict:     "conflict",
	KindExhausted:    "exhausted",
	KindTimeout:      "timeout",
	KindUnavailable:  "unavailable",
}

func (k Kind) String() string {
	return kindNames[k]
}

// Error is the failure type returned by every room operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below can be used
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrValidation   = &Error{Kind: KindValidation}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrForbidden    = &Error{Kind: KindForbidden}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrNotMember    = &Error{Kind: KindNotMember}
	ErrFull         = &Error{Kind: KindFull}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrExhausted    = &Error{Kind: KindExhausted}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrUnavailable  = &Error{Kind: KindUnavailable}
)

// KindOf reports the kind of err, or KindUnknown when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// reason is a client-safe explanation attached by this package.
type reason string

func (r reason) Error() string {
	return string(r)
}

func newError(op string, kind Kind, msg string) error {
	return &Error{Op: op, Kind: kind, Err: reason(msg)}
}

// Reason returns the explanation given when err was raised by a room
// operation, or "" for errors that came from the store.
func Reason(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	if r, ok := e.Err.(reason); ok {
		return string(r)
	}
	return ""
}

// storeError classifies an error returned by the store. Errors that already
// carry a kind pass through untouched. Any failure observed after ctx is done
// is reported as a timeout, whatever shape the driver gave it.
func storeError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	switch {
	case errors.As(err, &e):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), ctx.Err() != nil:
		return &Error{Op: op, Kind: KindTimeout, Err: err}
	case errors.Is(err, sql.ErrNoRows):
		return &Error{Op: op, Kind: KindNotFound, Err: err}
	case errors.Is(err, database.ErrDuplicate):
		return &Error{Op: op, Kind: KindConflict, Err: err}
	default:
		return &Error{Op: op, Kind: KindUnavailable, Err: err}
	}
}
