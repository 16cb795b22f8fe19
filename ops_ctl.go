package uring

import (
	"github.com/ehrlich-b/go-uring/internal/queue"
	"github.com/ehrlich-b/go-uring/internal/uapi"
)

const asyncCancelFdFixed = 1 << 3

// Cancel asks the engine to cancel the operation identified by Target.
// All cancels every match instead of the first one.
type Cancel struct {
	Target Token
	All    bool
}

func (Cancel) Kind() Kind { return KindCancel }

func (o Cancel) encode(e *encoder) {
	e.noResource()
	e.sqe.Addr = e.target(o.Target)
	if o.All {
		e.sqe.OpFlags = uapi.IORING_ASYNC_CANCEL_ALL
	}
}

func (Cancel) retain(r *retainer) {}

// CancelResource cancels operations issued against Res.
type CancelResource struct {
	Res Resource
	All bool
}

func (CancelResource) Kind() Kind { return KindCancel }

func (o CancelResource) encode(e *encoder) {
	if o.Res.IsIrrelevant() {
		e.fail("resource is required")
	}
	fd, fixed := o.Res.resolve()
	e.sqe.Fd = fd
	flags := uint32(uapi.IORING_ASYNC_CANCEL_FD)
	if fixed {
		flags |= asyncCancelFdFixed
	}
	if o.All {
		flags |= uapi.IORING_ASYNC_CANCEL_ALL
	}
	e.sqe.OpFlags = flags
}

func (CancelResource) retain(r *retainer) {}

// TimeoutFlags modify timeout interpretation.
type TimeoutFlags uint32

const (
	// TimeoutAbsolute treats the timespec as an absolute CLOCK_MONOTONIC time.
	TimeoutAbsolute TimeoutFlags = uapi.IORING_TIMEOUT_ABS
	TimeoutBoottime TimeoutFlags = uapi.IORING_TIMEOUT_BOOTTIME
	TimeoutRealtime TimeoutFlags = uapi.IORING_TIMEOUT_REALTIME
)

// Timeout completes with ETIME when Spec elapses, or with 0 once Count
// other completions have been posted (0 means time only).
type Timeout struct {
	Spec  *Timespec
	Count uint32
	Flags TimeoutFlags
}

func (Timeout) Kind() Kind { return KindTimeout }

func (o Timeout) encode(e *encoder) {
	e.noResource()
	encodeTimespec(e, o.Spec)
	e.sqe.Off = uint64(o.Count)
	e.sqe.OpFlags = uint32(o.Flags)
}

func (o Timeout) retain(r *retainer) { keepUntilSubmit(r, o.Spec) }

// LinkTimeout bounds the descriptor it is linked behind. The guarded
// operation completes with ECANCELED on expiry.
type LinkTimeout struct {
	Spec  *Timespec
	Flags TimeoutFlags
}

func (LinkTimeout) Kind() Kind { return KindLinkTimeout }

func (o LinkTimeout) encode(e *encoder) {
	e.noResource()
	encodeTimespec(e, o.Spec)
	e.sqe.OpFlags = uint32(o.Flags)
}

func (o LinkTimeout) retain(r *retainer) { keepUntilSubmit(r, o.Spec) }

func encodeTimespec(e *encoder, ts *Timespec) {
	if ts == nil {
		e.fail("timespec is required")
	}
	if ts.Sec < 0 || ts.Nsec < 0 || ts.Nsec >= 1e9 {
		e.fail("invalid timespec %d.%09d", ts.Sec, ts.Nsec)
	}
	e.sqe.Addr = addrOf(ts)
	e.sqe.Len = 1
}

// TimeoutRemove removes the pending timeout identified by Target.
type TimeoutRemove struct {
	Target Token
}

func (TimeoutRemove) Kind() Kind { return KindTimeoutRemove }

func (o TimeoutRemove) encode(e *encoder) {
	e.noResource()
	e.sqe.Addr = e.target(o.Target)
}

func (TimeoutRemove) retain(r *retainer) {}

// ProvideBuffers hands Count buffers of BufferLen bytes carved from Region
// to the engine as group Group, with ids starting at StartID. The region
// belongs to the engine until a RemoveBuffers for the group completes.
type ProvideBuffers struct {
	Region    []byte
	BufferLen uint32
	Count     uint32
	Group     uint16
	StartID   uint16
}

// NewProvideBuffers allocates one region for count buffers of size bytes
// and describes it as group, with ids starting at 0. The region is not
// zeroed.
func NewProvideBuffers(group uint16, count, size uint32) ProvideBuffers {
	slab := queue.NewSlab(int(count), int(size))
	return ProvideBuffers{
		Region:    slab.Region,
		BufferLen: uint32(slab.Size),
		Count:     uint32(slab.Count),
		Group:     group,
	}
}

func (ProvideBuffers) Kind() Kind { return KindProvideBuffers }

func (o ProvideBuffers) encode(e *encoder) {
	if o.Count == 0 || o.BufferLen == 0 {
		e.fail("buffer count and length must be positive")
	}
	if uint64(o.BufferLen)*uint64(o.Count) > uint64(len(o.Region)) {
		e.fail("region of %d bytes cannot hold %d buffers of %d bytes", len(o.Region), o.Count, o.BufferLen)
	}
	if uint64(o.StartID)+uint64(o.Count) > 1<<16 {
		e.fail("buffer ids overflow 16 bits")
	}
	e.sqe.Fd = int32(o.Count)
	e.sqe.Addr = bytesAddr(o.Region)
	e.sqe.Len = o.BufferLen
	e.sqe.Off = uint64(o.StartID)
	e.sqe.BufIndex = o.Group
}

func (o ProvideBuffers) retain(r *retainer) { keepBytes(r, o.Region) }

// buffer returns the bytes of buffer id, if it belongs to this range.
func (o ProvideBuffers) buffer(id uint16) ([]byte, bool) {
	if id < o.StartID {
		return nil, false
	}
	slab := queue.Slab{Region: o.Region, Size: int(o.BufferLen), Count: int(o.Count)}
	b := slab.Buffer(int(id - o.StartID))
	return b, b != nil
}

// RemoveBuffers takes back up to Count buffers of group Group.
type RemoveBuffers struct {
	Count uint32
	Group uint16
}

func (RemoveBuffers) Kind() Kind { return KindRemoveBuffers }

func (o RemoveBuffers) encode(e *encoder) {
	if o.Count == 0 {
		e.fail("count must be positive")
	}
	e.sqe.Fd = int32(o.Count)
	e.sqe.BufIndex = o.Group
}

func (RemoveBuffers) retain(r *retainer) {}
