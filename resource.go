package uring

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type resourceMode uint8

const (
	modeIrrelevant resourceMode = iota
	modeAbsolute
	modeIndex
)

// Resource names the target of an operation: a raw descriptor, a slot in
// the engine's registered-file table, or nothing.
type Resource struct {
	mode resourceMode
	fd   int32
	slot uint32
}

// Absolute refers to a process file descriptor.
func Absolute(fd int) Resource {
	return Resource{mode: modeAbsolute, fd: int32(fd)}
}

// Index refers to a slot in the registered-file table.
func Index(slot uint32) Resource {
	return Resource{mode: modeIndex, slot: slot}
}

// Irrelevant is used by kinds that take no resource.
func Irrelevant() Resource {
	return Resource{}
}

// CurrentDir resolves relative paths against the working directory.
func CurrentDir() Resource {
	return Absolute(unix.AT_FDCWD)
}

// IsAbsolute reports whether r is a raw descriptor.
func (r Resource) IsAbsolute() bool { return r.mode == modeAbsolute }

// IsIndex reports whether r is a registered-table slot.
func (r Resource) IsIndex() bool { return r.mode == modeIndex }

// IsIrrelevant reports whether r carries no resource.
func (r Resource) IsIrrelevant() bool { return r.mode == modeIrrelevant }

// Fd returns the raw descriptor of an Absolute reference.
func (r Resource) Fd() (int, bool) {
	return int(r.fd), r.mode == modeAbsolute
}

// Slot returns the table slot of an Index reference.
func (r Resource) Slot() (uint32, bool) {
	return r.slot, r.mode == modeIndex
}

func (r Resource) String() string {
	switch r.mode {
	case modeAbsolute:
		return fmt.Sprintf("fd(%d)", r.fd)
	case modeIndex:
		return fmt.Sprintf("index(%d)", r.slot)
	default:
		return "irrelevant"
	}
}

// resolve maps r to the descriptor slot and the fixed-file bit.
func (r Resource) resolve() (fd int32, fixed bool) {
	switch r.mode {
	case modeAbsolute:
		return r.fd, false
	case modeIndex:
		return int32(r.slot), true
	default:
		return -1, false
	}
}

// directSlot encodes r as an install target: slot+1, or 0 for "no
// direct install".
func (r Resource) directSlot() uint32 {
	if r.mode != modeIndex {
		return 0
	}
	return r.slot + 1
}

// Socket is a Resource that must refer to a connected or connecting socket.
type Socket struct{ Resource }

// Listener is a Resource that must refer to a listening socket.
type Listener struct{ Resource }

// SocketFd wraps a raw socket descriptor.
func SocketFd(fd int) Socket { return Socket{Absolute(fd)} }

// SocketIndex wraps a registered socket slot.
func SocketIndex(slot uint32) Socket { return Socket{Index(slot)} }

// ListenerFd wraps a raw listening descriptor.
func ListenerFd(fd int) Listener { return Listener{Absolute(fd)} }

// ListenerIndex wraps a registered listening slot.
func ListenerIndex(slot uint32) Listener { return Listener{Index(slot)} }
