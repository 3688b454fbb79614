package domain

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNone               Kind = ""
	KindMalformedEncoding  Kind = "malformed_encoding"
	KindMalformedStructure Kind = "malformed_structure"
	KindMissingField       Kind = "missing_field"
	KindPathEscape         Kind = "path_escape"
	KindProjectNotFound    Kind = "project_not_found"
	KindExecutionFailed    Kind = "execution_failed"
	KindTransport          Kind = "transport_error"
)

// Security reports whether the kind indicates a possible attack.
func (k Kind) Security() bool { return k == KindPathEscape }

// Error is a classified pipeline failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain. Unclassified
// non-nil errors are reported as KindExecutionFailed.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExecutionFailed
}
