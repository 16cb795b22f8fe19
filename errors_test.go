package uring

import (
	"errors"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

func TestStructuredError(t *testing.T) {
	err := NewError("submit", ErrCodeInvalidParameters, "entries out of range")

	if err.Op != "submit" {
		t.Errorf("Expected Op=submit, got %s", err.Op)
	}

	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	expected := "uring: entries out of range (op=submit)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestTokenError(t *testing.T) {
	err := NewTokenError("submit", 1001, KindRead, ErrCodeDuplicateToken)

	expected := "uring: token already in flight (op=submit, token=1001, kind=Read)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}

	if !errors.Is(err, ErrDuplicateToken) {
		t.Error("Token error should match ErrDuplicateToken")
	}
	if errors.Is(err, ErrBackpressure) {
		t.Error("Token error should not match ErrBackpressure")
	}
}

func TestWrapError(t *testing.T) {
	inner := syscall.EPERM
	err := WrapError("kernel_engine", inner)

	if err.Code != ErrCodePermissionDenied {
		t.Errorf("Expected Code=ErrCodePermissionDenied, got %s", err.Code)
	}

	if err.Errno != unix.EPERM {
		t.Errorf("Expected Errno=EPERM, got %v", err.Errno)
	}

	if !errors.Is(err, syscall.EPERM) {
		t.Error("Expected wrapped error to satisfy errors.Is for EPERM")
	}

	if WrapError("noop", nil) != nil {
		t.Error("Wrapping nil should return nil")
	}
}

func TestWrapErrorKeepsContext(t *testing.T) {
	inner := NewTokenError("submit", 7, KindWrite, ErrCodeBackpressure)
	err := WrapError("retry", inner)

	if err.Op != "retry" {
		t.Errorf("Expected Op=retry, got %s", err.Op)
	}
	if err.Token != 7 || err.Kind != KindWrite {
		t.Errorf("Expected token 7 kind Write, got %d %s", err.Token, err.Kind)
	}
	if !IsBackpressure(err) {
		t.Error("Rewrapped backpressure should still be backpressure")
	}
}

func TestSentinelErrors(t *testing.T) {
	var sentinelErr error = ErrClosed

	structuredErr := &Error{Code: ErrCodeClosed}
	if !errors.Is(structuredErr, ErrClosed) {
		t.Error("Structured error should match sentinel via errors.Is")
	}

	if sentinelErr.Error() != "uring: coordinator closed" {
		t.Errorf("Expected sentinel error message, got %q", sentinelErr.Error())
	}

	wrappedErr := WrapError("flush", syscall.EBUSY)
	if !errors.Is(wrappedErr, ErrBackpressure) {
		t.Error("Wrapped EBUSY should match ErrBackpressure")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("wait", ErrCodeTimeout, "timed out")

	if !IsCode(err, ErrCodeTimeout) {
		t.Error("IsCode should return true for matching code")
	}

	if IsCode(err, ErrCodeEngine) {
		t.Error("IsCode should return false for non-matching code")
	}

	if IsCode(nil, ErrCodeTimeout) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestIsErrno(t *testing.T) {
	err := WrapError("flush", syscall.EIO)

	if !IsErrno(err, unix.EIO) {
		t.Error("IsErrno should return true for matching errno")
	}

	if IsErrno(err, unix.EPERM) {
		t.Error("IsErrno should return false for non-matching errno")
	}

	if IsErrno(nil, unix.EIO) {
		t.Error("IsErrno should return false for nil error")
	}
}

func TestErrnoMapping(t *testing.T) {
	testCases := []struct {
		errno    unix.Errno
		expected ErrorCode
	}{
		{unix.EAGAIN, ErrCodeBackpressure},
		{unix.EBUSY, ErrCodeBackpressure},
		{unix.EINVAL, ErrCodeInvalidParameters},
		{unix.EFAULT, ErrCodeInvalidParameters},
		{unix.EPERM, ErrCodePermissionDenied},
		{unix.ENOMEM, ErrCodeInsufficientMemory},
		{unix.ETIMEDOUT, ErrCodeTimeout},
		{unix.ETIME, ErrCodeTimeout},
		{unix.ENOSYS, ErrCodeKernelNotSupported},
		{unix.EOPNOTSUPP, ErrCodeNotSupported},
		{unix.EIO, ErrCodeEngine},
	}

	for _, tc := range testCases {
		code := mapErrnoToCode(tc.errno)
		if code != tc.expected {
			t.Errorf("mapErrnoToCode(%v) = %s, want %s", tc.errno, code, tc.expected)
		}
	}
}

func TestContractError(t *testing.T) {
	err := contractf(KindTimeout, "timespec is required")
	expected := "uring: Timeout: timespec is required"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}
}
