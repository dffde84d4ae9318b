package meta

import (
	"fmt"

	"github.com/pkg/errors"
)

type ErrorKind string

const (
	ValidationError    ErrorKind = "ValidationError"
	StateError         ErrorKind = "StateError"
	ReplicationFailure ErrorKind = "ReplicationFailure"
	IntegrityViolation ErrorKind = "IntegrityViolation"
	Unreadable         ErrorKind = "Unreadable"
	NotFound           ErrorKind = "NotFound"
	StorageError       ErrorKind = "StorageError"
	InternalError      ErrorKind = "InternalError"
)

// Error is a ledger error tagged with its kind.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Cause() error { return e.Err }

func Errorf(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func WrapKind(err error, kind ErrorKind, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the kind of err, InternalError when it carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
