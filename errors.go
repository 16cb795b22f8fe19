package uring

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error represents a structured coordinator error with context and errno mapping
type Error struct {
	Op    string     // Operation that failed (e.g., "submit", "flush")
	Token Token      // Correlation token (0 if not applicable)
	Kind  Kind       // Operation kind when Token is set
	Code  ErrorCode  // High-level error category
	Errno unix.Errno // Kernel errno (0 if not applicable)
	Msg   string     // Human-readable message
	Inner error      // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Token != 0 {
		parts = append(parts, fmt.Sprintf("token=%d", e.Token), fmt.Sprintf("kind=%s", e.Kind))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("uring: %s (%s)", msg, joinParts(parts))
	}

	return fmt.Sprintf("uring: %s", msg)
}

func joinParts(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches sentinels and structured errors by code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if se, ok := target.(UringError); ok {
		return e.Code == ErrorCode(se)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeBackpressure       ErrorCode = "submission ring full"
	ErrCodeDuplicateToken     ErrorCode = "token already in flight"
	ErrCodeClosed             ErrorCode = "coordinator closed"
	ErrCodeNotSupported       ErrorCode = "not supported by engine"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodeKernelNotSupported ErrorCode = "kernel does not support io_uring"
	ErrCodePermissionDenied   ErrorCode = "permission denied"
	ErrCodeInsufficientMemory ErrorCode = "insufficient memory"
	ErrCodeEngine             ErrorCode = "engine failure"
	ErrCodeTimeout            ErrorCode = "timeout"
)

// UringError is a sentinel matched against structured errors by code
type UringError string

func (e UringError) Error() string {
	return "uring: " + string(e)
}

const (
	ErrBackpressure       UringError = UringError(ErrCodeBackpressure)
	ErrDuplicateToken     UringError = UringError(ErrCodeDuplicateToken)
	ErrClosed             UringError = UringError(ErrCodeClosed)
	ErrNotSupported       UringError = UringError(ErrCodeNotSupported)
	ErrInvalidParameters  UringError = UringError(ErrCodeInvalidParameters)
	ErrKernelNotSupported UringError = UringError(ErrCodeKernelNotSupported)
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Code: code,
		Msg:  msg,
	}
}

// NewTokenError creates an error about one in-flight operation
func NewTokenError(op string, token Token, kind Kind, code ErrorCode) *Error {
	return &Error{
		Op:    op,
		Token: token,
		Kind:  kind,
		Code:  code,
	}
}

// WrapError wraps an existing error with coordinator context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	var ue *Error
	if errors.As(inner, &ue) {
		return &Error{
			Op:    op,
			Token: ue.Token,
			Kind:  ue.Kind,
			Code:  ue.Code,
			Errno: ue.Errno,
			Msg:   ue.Msg,
			Inner: ue.Inner,
		}
	}

	var errno unix.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Code:  ErrCodeEngine,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

func mapErrnoToCode(errno unix.Errno) ErrorCode {
	switch errno {
	case unix.EAGAIN, unix.EBUSY:
		return ErrCodeBackpressure
	case unix.EINVAL, unix.E2BIG, unix.EFAULT:
		return ErrCodeInvalidParameters
	case unix.ENOSYS:
		return ErrCodeKernelNotSupported
	case unix.EOPNOTSUPP:
		return ErrCodeNotSupported
	case unix.EPERM, unix.EACCES:
		return ErrCodePermissionDenied
	case unix.ENOMEM:
		return ErrCodeInsufficientMemory
	case unix.ETIME, unix.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeEngine
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code == code
	}
	return false
}

// IsErrno checks if an error carries a specific errno
func IsErrno(err error, errno unix.Errno) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Errno == errno
	}
	return false
}

// IsBackpressure reports whether a submission may be retried after
// draining completions.
func IsBackpressure(err error) bool {
	return errors.Is(err, ErrBackpressure)
}

// ContractError is the panic value for caller-contract violations.
type ContractError struct {
	Kind Kind
	Msg  string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("uring: %s: %s", e.Kind, e.Msg)
}

func contractf(k Kind, format string, args ...any) *ContractError {
	return &ContractError{Kind: k, Msg: fmt.Sprintf(format, args...)}
}
