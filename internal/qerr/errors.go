// Package qerr defines the structured error type shared by the work queue,
// its engines and the public API.
package qerr

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error represents a structured work queue error with context and errno mapping
type Error struct {
	Op    string     // Operation that failed (e.g., "post", "create")
	Queue int        // Queue index (-1 if not applicable)
	Code  Code       // High-level error category
	Errno unix.Errno // errno equivalent (0 if not applicable)
	Msg   string     // Human-readable message
	Inner error      // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("qdma: %s (%s)", msg, parts[0])
	}

	return fmt.Sprintf("qdma: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinels and other structured errors by code, and errnos by value
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	switch t := target.(type) {
	case Sentinel:
		return e.Code == Code(t)
	case *Error:
		return e.Code == t.Code
	case unix.Errno:
		return e.Errno != 0 && e.Errno == t
	}

	return false
}

// Code represents high-level error categories
type Code string

const (
	CodeConfig            Code = "invalid queue configuration"
	CodeResource          Code = "resource allocation failed"
	CodeDevice            Code = "engine operation failed"
	CodeAlignment         Code = "fragment not aligned to transfer granularity"
	CodeWouldBlock        Code = "work queue full"
	CodeNothingToCancel   Code = "nothing to cancel"
	CodeCanceled          Code = "request canceled"
	CodeInvalidParameters Code = "invalid parameters"
	CodeIOError           Code = "I/O error"
	CodeClosed            Code = "work queue closed"
)

// Sentinel is a comparable error value matching every Error with the same code
type Sentinel string

func (e Sentinel) Error() string {
	return string(e)
}

const (
	ErrConfig            Sentinel = Sentinel(CodeConfig)
	ErrResource          Sentinel = Sentinel(CodeResource)
	ErrDevice            Sentinel = Sentinel(CodeDevice)
	ErrAlignment         Sentinel = Sentinel(CodeAlignment)
	ErrWouldBlock        Sentinel = Sentinel(CodeWouldBlock)
	ErrNothingToCancel   Sentinel = Sentinel(CodeNothingToCancel)
	ErrCanceled          Sentinel = Sentinel(CodeCanceled)
	ErrInvalidParameters Sentinel = Sentinel(CodeInvalidParameters)
	ErrIO                Sentinel = Sentinel(CodeIOError)
	ErrClosed            Sentinel = Sentinel(CodeClosed)
)

// NewError creates a new structured error
func NewError(op string, code Code, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Errno: codeErrno(code),
		Msg:   msg,
	}
}

// NewErrorWithErrno creates a new structured error with errno
func NewErrorWithErrno(op string, code Code, errno unix.Errno) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// NewQueueError creates a new queue-specific error
func NewQueueError(op string, queue int, code Code, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: queue,
		Code:  code,
		Errno: codeErrno(code),
		Msg:   msg,
	}
}

// WrapError wraps an existing error with work queue context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var qe *Error
	if errors.As(inner, &qe) {
		return &Error{
			Op:    op,
			Queue: qe.Queue,
			Code:  qe.Code,
			Errno: qe.Errno,
			Msg:   qe.Msg,
			Inner: qe.Inner,
		}
	}

	var s Sentinel
	if errors.As(inner, &s) {
		return &Error{
			Op:    op,
			Queue: -1,
			Code:  Code(s),
			Errno: codeErrno(Code(s)),
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	var errno unix.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Queue: -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Queue: -1,
		Code:  CodeIOError,
		Errno: unix.EIO,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// WrapQueueError wraps inner and forces the code, keeping any errno it carries
func WrapQueueError(op string, queue int, code Code, inner error) *Error {
	e := &Error{
		Op:    op,
		Queue: queue,
		Code:  code,
		Errno: codeErrno(code),
		Inner: inner,
	}
	if inner != nil {
		e.Msg = inner.Error()
		var errno unix.Errno
		if errors.As(inner, &errno) {
			e.Errno = errno
		}
	}
	return e
}

// mapErrnoToCode maps errno values to error codes
func mapErrnoToCode(errno unix.Errno) Code {
	switch errno {
	case unix.EAGAIN:
		return CodeWouldBlock
	case unix.EINVAL, unix.E2BIG:
		return CodeInvalidParameters
	case unix.ENOMEM, unix.ENOSPC:
		return CodeResource
	case unix.ENODEV, unix.EBUSY, unix.ENXIO:
		return CodeDevice
	case unix.ECANCELED:
		return CodeCanceled
	default:
		return CodeIOError
	}
}

// codeErrno is the errno a code reports when no underlying errno exists
func codeErrno(code Code) unix.Errno {
	switch code {
	case CodeWouldBlock:
		return unix.EAGAIN
	case CodeAlignment, CodeInvalidParameters, CodeConfig:
		return unix.EINVAL
	case CodeResource:
		return unix.ENOMEM
	case CodeNothingToCancel:
		return unix.ENOENT
	case CodeCanceled:
		return unix.ECANCELED
	case CodeIOError:
		return unix.EIO
	case CodeDevice:
		return unix.ENODEV
	case CodeClosed:
		return unix.ESHUTDOWN
	default:
		return 0
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code Code) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code == code
	}
	var s Sentinel
	if errors.As(err, &s) {
		return Code(s) == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno unix.Errno) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Errno == errno
	}
	return false
}
