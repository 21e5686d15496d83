package qdma

import (
	"errors"

	"github.com/ehrlich-b/go-qdma/internal/qerr"
	"golang.org/x/sys/unix"
)

// Error is the structured error returned by work queues and engines
type Error = qerr.Error

// ErrorCode represents high-level error categories
type ErrorCode = qerr.Code

const (
	ErrCodeConfig            = qerr.CodeConfig
	ErrCodeResource          = qerr.CodeResource
	ErrCodeDevice            = qerr.CodeDevice
	ErrCodeAlignment         = qerr.CodeAlignment
	ErrCodeWouldBlock        = qerr.CodeWouldBlock
	ErrCodeNothingToCancel   = qerr.CodeNothingToCancel
	ErrCodeCanceled          = qerr.CodeCanceled
	ErrCodeInvalidParameters = qerr.CodeInvalidParameters
	ErrCodeIOError           = qerr.CodeIOError
	ErrCodeClosed            = qerr.CodeClosed
)

// Sentinel errors for use with errors.Is
var (
	ErrConfig            error = qerr.ErrConfig
	ErrResource          error = qerr.ErrResource
	ErrDevice            error = qerr.ErrDevice
	ErrAlignment         error = qerr.ErrAlignment
	ErrWouldBlock        error = qerr.ErrWouldBlock
	ErrNothingToCancel   error = qerr.ErrNothingToCancel
	ErrCanceled          error = qerr.ErrCanceled
	ErrInvalidParameters error = qerr.ErrInvalidParameters
	ErrIO                error = qerr.ErrIO
	ErrClosed            error = qerr.ErrClosed
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return qerr.NewError(op, code, msg)
}

// WrapError wraps an existing error with work queue context
func WrapError(op string, inner error) *Error {
	return qerr.WrapError(op, inner)
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	return qerr.IsCode(err, code)
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno unix.Errno) bool {
	return qerr.IsErrno(err, errno)
}

// Errno returns the errno equivalent of err: 0 for nil, the carried errno
// for structured errors and errnos, EIO otherwise.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var qe *Error
	if errors.As(err, &qe) && qe.Errno != 0 {
		return qe.Errno
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return qerr.WrapError("", err).Errno
}
