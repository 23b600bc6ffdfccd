// Package errs defines the failure kinds shared by the repository engine.
//
// Every engine error that a caller may want to branch on carries a Kind.
// Callers should use Is or the Is* helpers instead of comparing messages.
package errs

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound          Kind = "not found"
	KindCorrupt           Kind = "corrupt"
	KindCancelled         Kind = "cancelled"
	KindResourceExhausted Kind = "resource exhausted"
)

// Error is a classified engine failure. ID is the object id or ref name the
// failure refers to, when there is one.
type Error struct {
	Kind Kind
	Op   string
	ID   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Op
	if e.ID != "" {
		if msg != "" {
			msg += " "
		}
		msg += e.ID
	}
	if msg == "" {
		msg = string(e.Kind)
	} else {
		msg = fmt.Sprintf("%s: %s", msg, e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(kind Kind, op, id string, err error) error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

func NotFound(op, id string, err error) error {
	return New(KindNotFound, op, id, err)
}

func Corrupt(op, id string, err error) error {
	return New(KindCorrupt, op, id, err)
}

func Corruptf(op, id string, format string, args ...any) error {
	return New(KindCorrupt, op, id, fmt.Errorf(format, args...))
}

func Cancelled(op string, err error) error {
	return New(KindCancelled, op, "", err)
}

// FromContext converts a done context into a Cancelled error. It returns nil
// while the context is still live.
func FromContext(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return Cancelled(op, err)
	}
	return nil
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Bare context errors are reported as cancellations.
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled, true
	}
	return "", false
}

func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

func IsNotFound(err error) bool  { return Is(err, KindNotFound) }
func IsCorrupt(err error) bool   { return Is(err, KindCorrupt) }
func IsCancelled(err error) bool { return Is(err, KindCancelled) }
