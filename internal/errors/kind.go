package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Kind classifies engine failures. Every Kind maps onto a family of S3 codes.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindConflict
	KindAuth
	KindIO
	KindCorrupt
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindAuth:
		return "auth"
	case KindIO:
		return "io"
	case KindCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// Error is the engine's error carrier. It pairs an S3 code with the
// underlying cause and the call site that produced it.
type Error struct {
	Kind   Kind
	Code   *S3Error
	Cause  error
	Caller string
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code.Code, e.Code.Message)
	}
	return fmt.Sprintf("%s: %v", e.Code.Code, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf derives the Kind of an S3 code from its HTTP status class.
func KindOf(code *S3Error) Kind {
	switch {
	case code == ErrCorruptedMetadata:
		return KindCorrupt
	case code.HTTPStatus == 404:
		return KindNotFound
	case code.HTTPStatus == 409:
		return KindConflict
	case code.HTTPStatus == 403:
		return KindAuth
	case code.HTTPStatus >= 500:
		return KindIO
	default:
		return KindValidation
	}
}

// New returns a carrier for code without an underlying cause.
func New(code *S3Error) error {
	return &Error{Kind: KindOf(code), Code: code, Caller: caller(2)}
}

// Wrap returns a carrier for code that records cause.
func Wrap(code *S3Error, cause error) error {
	return &Error{Kind: KindOf(code), Code: code, Cause: cause, Caller: caller(2)}
}

// Wrapf is Wrap with a formatted cause.
func Wrapf(code *S3Error, format string, args ...any) error {
	return &Error{Kind: KindOf(code), Code: code, Cause: fmt.Errorf(format, args...), Caller: caller(2)}
}

// IO wraps a filesystem or transport failure. Carriers and context errors
// pass through unchanged.
func IO(cause error) error {
	if cause == nil {
		return nil
	}
	var e *Error
	if stderrors.As(cause, &e) || isContextErr(cause) {
		return cause
	}
	return &Error{Kind: KindIO, Code: ErrInternalError, Cause: cause, Caller: caller(2)}
}

// Corrupt wraps a metadata document that failed to decode.
func Corrupt(cause error) error {
	return &Error{Kind: KindCorrupt, Code: ErrCorruptedMetadata, Cause: cause, Caller: caller(2)}
}

// As returns the carrier in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err carries code.
func Is(err error, code *S3Error) bool {
	if err == nil {
		return false
	}
	if e, ok := As(err); ok {
		return e.Code == code
	}
	var s *S3Error
	if stderrors.As(err, &s) {
		return s == code
	}
	return false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == k
}

// IsCanceled reports whether err stems from request cancellation.
func IsCanceled(err error) bool {
	return isContextErr(err)
}

// ToS3 maps any error onto the S3 code it is reported with. Unknown
// errors map to InternalError.
func ToS3(err error) *S3Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	var s *S3Error
	if stderrors.As(err, &s) {
		return s
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ErrRequestTimeout
	}
	return ErrInternalError
}

func isContextErr(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s/%s:%d", filepath.Base(filepath.Dir(file)), filepath.Base(file), line)
}
