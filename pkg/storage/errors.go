package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/sharefs/pkg/session"
)

// StorageError is a classified failure of a remote operation.
//
// Drivers return raw library errors. The shared client wraps them into a
// StorageError whose Code comes from Driver.Classify, so callers can branch
// on the category without knowing which backend produced it:
//
//	entity, err := client.CreateFile(ctx, conn, "text/plain")
//	if storage.CodeOf(err) == storage.CodeWritingNotAllowed {
//	    // connection is read-only
//	}
//
// The underlying error stays reachable through errors.Is / errors.As.
type StorageError struct {
	// Code is the error category
	Code ErrorCode

	// Op is the failing operation ("rename", "read", ...)
	Op string

	// Path is the URI the operation targeted (if applicable)
	Path string

	// Err is the underlying error (may be nil)
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	msg := e.Op + ": " + e.Code.String()
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ErrorCode represents the category of a storage error.
type ErrorCode int

const (
	// CodeIO is any remote failure that fits no other category
	CodeIO ErrorCode = iota

	// CodeNotFound indicates the target (or a subfolder on its path) does not exist
	CodeNotFound

	// CodeRootNotFound indicates the share, bucket or root folder does not exist
	CodeRootNotFound

	// CodeAccessDenied indicates authentication or authorization failed
	CodeAccessDenied

	// CodeClosed indicates the session or handle was already torn down
	CodeClosed

	// CodeWritingNotAllowed indicates a write on a read-only connection or handle
	CodeWritingNotAllowed

	// CodeNotSupported indicates the backend cannot perform the operation
	CodeNotSupported

	// CodeInvalidArgument indicates the request itself is malformed
	CodeInvalidArgument

	// CodeAlreadyExists indicates an exclusive create hit an existing entry
	CodeAlreadyExists
)

func (c ErrorCode) String() string {
	switch c {
	case CodeIO:
		return "i/o error"
	case CodeNotFound:
		return "not found"
	case CodeRootNotFound:
		return "root not found"
	case CodeAccessDenied:
		return "access denied"
	case CodeClosed:
		return "closed"
	case CodeWritingNotAllowed:
		return "writing is not allowed"
	case CodeNotSupported:
		return "not supported"
	case CodeInvalidArgument:
		return "invalid argument"
	case CodeAlreadyExists:
		return "already exists"
	default:
		return fmt.Sprintf("error code %d", int(c))
	}
}

var (
	// ErrWritingNotAllowed is returned for writes on read-only connections or handles.
	ErrWritingNotAllowed = &StorageError{Code: CodeWritingNotAllowed, Op: "write"}

	// ErrReadingNotAllowed is returned for reads on write-only handles.
	ErrReadingNotAllowed = &StorageError{Code: CodeNotSupported, Op: "read", Err: errors.New("handle opened write-only")}

	// ErrHandleReleased is returned for I/O on a released handle.
	ErrHandleReleased = &StorageError{Code: CodeClosed, Op: "handle", Err: errors.New("handle released")}

	// ErrNotSupported is returned by drivers for operations their backend lacks.
	ErrNotSupported = errors.New("operation not supported by backend")
)

// NewError builds a StorageError.
func NewError(code ErrorCode, op, path string, err error) *StorageError {
	return &StorageError{Code: code, Op: op, Path: path, Err: err}
}

// CodeOf extracts the category of err. Errors that are not StorageErrors map
// to CodeClosed for torn down sessions and CodeIO otherwise.
func CodeOf(err error) ErrorCode {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, session.ErrClosed):
		return CodeClosed
	case errors.Is(err, ErrNotSupported):
		return CodeNotSupported
	}
	return CodeIO
}

// IsNotFound reports whether err means the target or its root is missing.
func IsNotFound(err error) bool {
	code := CodeOf(err)
	return err != nil && (code == CodeNotFound || code == CodeRootNotFound)
}

// IsContextError reports whether err came from a cancelled or expired context.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
