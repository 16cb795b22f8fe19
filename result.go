package uring

import (
	"fmt"
	"math/bits"

	"golang.org/x/sys/unix"
)

// ResultCode is the machine-word result shared by synchronous system calls
// and asynchronous completions. Words up to OkMax are successes; words from
// ErrorMin through ErrorMax are the two's-complement negation of an error
// number in [1, 4095].
type ResultCode uint

// WordBits is the width of a ResultCode.
const WordBits = bits.UintSize

const (
	// OkMax is the largest success value, 2^W - 4096.
	OkMax ResultCode = ^ResultCode(0) - 4095
	// ErrorMin is the word of error 4095, 2^W - 4095.
	ErrorMin ResultCode = ^ResultCode(0) - 4094
	// ErrorMax is the word of error 1, 2^W - 1.
	ErrorMax ResultCode = ^ResultCode(0)

	// MaxErrno is the largest representable error number.
	MaxErrno = 4095
)

// EncodeSuccess packs a success value. Panics if v > OkMax.
func EncodeSuccess(v uint) ResultCode {
	if ResultCode(v) > OkMax {
		panic(contractf(KindNoOp, "success value %d exceeds OkMax", v))
	}
	return ResultCode(v)
}

// EncodeError packs an error number. Panics if e is outside [1, 4095].
func EncodeError(e unix.Errno) ResultCode {
	if e == 0 || e > MaxErrno {
		panic(contractf(KindNoOp, "error number %d outside [1, %d]", uint(e), MaxErrno))
	}
	return ResultCode(-int(e))
}

// FromCompletion sign-extends a completion's 32-bit result into a word.
func FromCompletion(res int32) ResultCode {
	return ResultCode(int(res))
}

// FromRaw reinterprets a raw syscall return register.
func FromRaw(word uintptr) ResultCode {
	return ResultCode(word)
}

// FromSyscall folds the (r1, errno) pair returned by unix.Syscall.
func FromSyscall(r1 uintptr, errno unix.Errno) ResultCode {
	if errno != 0 {
		return EncodeError(errno)
	}
	return ResultCode(r1)
}

// IsOk reports whether r carries a success value.
func (r ResultCode) IsOk() bool {
	return r <= OkMax
}

// IsError reports whether r carries an error number.
func (r ResultCode) IsError() bool {
	return r >= ErrorMin
}

// Decode splits r into its success value or error number; exactly one is
// non-zero unless the success value itself is zero.
func (r ResultCode) Decode() (uint, unix.Errno) {
	if r >= ErrorMin {
		return 0, unix.Errno(-int(r))
	}
	return uint(r), 0
}

// Value returns the success value, or the error as unix.Errno.
func (r ResultCode) Value() (uint, error) {
	v, e := r.Decode()
	if e != 0 {
		return 0, e
	}
	return v, nil
}

// Err returns nil for successes and unix.Errno otherwise.
func (r ResultCode) Err() error {
	if _, e := r.Decode(); e != 0 {
		return e
	}
	return nil
}

func (r ResultCode) String() string {
	v, e := r.Decode()
	if e != 0 {
		return fmt.Sprintf("Err(%d %s)", uint(e), unix.ErrnoName(e))
	}
	return fmt.Sprintf("Ok(%d)", v)
}
