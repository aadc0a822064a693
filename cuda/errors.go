package cuda

import (
	"fmt"
	"strings"

	"github.com/gomlx/gocuda/driver"
	"github.com/pkg/errors"
)

// Kind classifies the errors returned by this package.
type Kind int

const (
	// KindDriver is any failure reported by the driver not covered by the other kinds. The raw code is in
	// Error.Code.
	KindDriver Kind = iota
	KindOutOfMemory
	KindOutOfRange
	KindNotFound
	KindInvalidImage
	KindInvalidLaunchConfig
	KindLengthMismatch
	KindSizeMismatch
	KindNoCurrentContext
	KindNotReady
	KindResourceInUse

	// KindInvalidHandle is returned when using an object that has been destroyed, freed or unloaded, or whose
	// context has been destroyed.
	KindInvalidHandle
)

var kindNames = []string{"DriverError", "OutOfMemory", "OutOfRange", "NotFound", "InvalidImage",
	"InvalidLaunchConfig", "LengthMismatch", "SizeMismatch", "NoCurrentContext", "NotReady", "ResourceInUse",
	"InvalidHandle"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Error is the error type returned by this package, usually wrapped with a stack trace
// (see github.com/pkg/errors). Use errors.Is with the Err* sentinels, or KindOf, to inspect it.
type Error struct {
	Kind Kind

	// Code is the driver status that caused the error, or driver.Success if the error was detected
	// by this package before reaching the driver.
	Code driver.Result

	// Op is the operation that failed, e.g. "Stream.Synchronize".
	Op string

	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("cuda")
	if e.Op != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Op)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Kind.String())
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Code != driver.Success {
		fmt.Fprintf(&sb, " [%s]", e.Code)
	}
	return sb.String()
}

// Is matches target if it is an *Error of the same Kind, and either target has no Code or the codes match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == driver.Success || t.Code == e.Code)
}

// Sentinels for errors.Is.
var (
	ErrDriver              = &Error{Kind: KindDriver}
	ErrOutOfMemory         = &Error{Kind: KindOutOfMemory}
	ErrOutOfRange          = &Error{Kind: KindOutOfRange}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidImage        = &Error{Kind: KindInvalidImage}
	ErrInvalidLaunchConfig = &Error{Kind: KindInvalidLaunchConfig}
	ErrLengthMismatch      = &Error{Kind: KindLengthMismatch}
	ErrSizeMismatch        = &Error{Kind: KindSizeMismatch}
	ErrNoCurrentContext    = &Error{Kind: KindNoCurrentContext}
	ErrNotReady            = &Error{Kind: KindNotReady}
	ErrResourceInUse       = &Error{Kind: KindResourceInUse}
	ErrInvalidHandle       = &Error{Kind: KindInvalidHandle}
)

// KindOf returns the Kind of err, if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// CodeOf returns the driver status of err, or driver.Success if it is not a driver error.
func CodeOf(err error) driver.Result {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return driver.Success
}

// newError returns an *Error detected by this package, with a stack trace.
func newError(kind Kind, op, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)})
}

// kindOfResult maps a driver status to the Kind reported.
func kindOfResult(r driver.Result) Kind {
	switch r {
	case driver.ErrorOutOfMemory:
		return KindOutOfMemory
	case driver.ErrorInvalidImage, driver.ErrorNoBinaryForGPU, driver.ErrorInvalidPTX, driver.ErrorInvalidSource:
		return KindInvalidImage
	case driver.ErrorNotFound:
		return KindNotFound
	case driver.ErrorNotReady:
		return KindNotReady
	case driver.ErrorInvalidHandle, driver.ErrorContextIsDestroyed:
		return KindInvalidHandle
	}
	return KindDriver
}

// toError converts a driver status to an error with a stack trace, or nil if r is driver.Success.
func toError(drv driver.Driver, r driver.Result, op string) error {
	if r == driver.Success {
		return nil
	}
	return errors.WithStack(&Error{
		Kind:    kindOfResult(r),
		Code:    r,
		Op:      op,
		Message: drv.GetErrorString(r),
	})
}
