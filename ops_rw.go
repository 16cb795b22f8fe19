package uring

import (
	"github.com/ehrlich-b/go-uring/internal/uapi"
	"golang.org/x/sys/unix"
)

// NoOp completes immediately with 0.
type NoOp struct{}

func (NoOp) Kind() Kind { return KindNoOp }

func (NoOp) encode(e *encoder) { e.noResource() }

func (NoOp) retain(r *retainer) {}

// Read reads into Buf at Offset, or into a provided buffer when Select is set.
type Read struct {
	Res     Resource
	Buf     []byte
	Offset  uint64
	RWFlags int
	Select  *BufferSelection
}

func (Read) Kind() Kind { return KindRead }

func (o Read) encode(e *encoder) {
	e.resource(o.Res)
	if !e.selection(o.Select, o.Buf) {
		e.buffer(o.Buf)
	}
	e.sqe.Off = o.Offset
	e.sqe.OpFlags = uint32(o.RWFlags)
}

func (o Read) retain(r *retainer) { keepBytes(r, o.Buf) }

// Write writes Buf at Offset.
type Write struct {
	Res     Resource
	Buf     []byte
	Offset  uint64
	RWFlags int
}

func (Write) Kind() Kind { return KindWrite }

func (o Write) encode(e *encoder) {
	e.resource(o.Res)
	e.buffer(o.Buf)
	e.sqe.Off = o.Offset
	e.sqe.OpFlags = uint32(o.RWFlags)
}

func (o Write) retain(r *retainer) { keepBytes(r, o.Buf) }

// Iovecs builds an iovec array over bufs.
func Iovecs(bufs [][]byte) []unix.Iovec {
	iov := make([]unix.Iovec, len(bufs))
	for i, b := range bufs {
		if len(b) > 0 {
			iov[i].Base = &b[0]
		}
		iov[i].SetLen(len(b))
	}
	return iov
}

func encodeIovecs(e *encoder, iov []unix.Iovec) {
	if len(iov) == 0 {
		e.fail("vectored operation needs at least one buffer")
	}
	if len(iov) > uapi.MaxIOV {
		e.fail("%d buffers exceed the %d vector limit", len(iov), uapi.MaxIOV)
	}
	e.sqe.Addr = addrOf(&iov[0])
	e.sqe.Len = uint32(len(iov))
}

func retainIovecs(r *retainer, iov []unix.Iovec) {
	if len(iov) == 0 {
		return
	}
	keepUntilSubmit(r, &iov[0])
	for i := range iov {
		keepUntilComplete(r, iov[i].Base)
	}
}

// ReadVectored scatters a read across several buffers.
type ReadVectored struct {
	Res     Resource
	Iovecs  []unix.Iovec
	Offset  uint64
	RWFlags int
}

func (ReadVectored) Kind() Kind { return KindReadVectored }

func (o ReadVectored) encode(e *encoder) {
	e.resource(o.Res)
	encodeIovecs(e, o.Iovecs)
	e.sqe.Off = o.Offset
	e.sqe.OpFlags = uint32(o.RWFlags)
}

func (o ReadVectored) retain(r *retainer) { retainIovecs(r, o.Iovecs) }

// WriteVectored gathers a write from several buffers.
type WriteVectored struct {
	Res     Resource
	Iovecs  []unix.Iovec
	Offset  uint64
	RWFlags int
}

func (WriteVectored) Kind() Kind { return KindWriteVectored }

func (o WriteVectored) encode(e *encoder) {
	e.resource(o.Res)
	encodeIovecs(e, o.Iovecs)
	e.sqe.Off = o.Offset
	e.sqe.OpFlags = uint32(o.RWFlags)
}

func (o WriteVectored) retain(r *retainer) { retainIovecs(r, o.Iovecs) }

// ReadFixed reads into Buf, which must lie inside registered buffer BufIndex.
type ReadFixed struct {
	Res      Resource
	Buf      []byte
	Offset   uint64
	BufIndex uint16
}

func (ReadFixed) Kind() Kind { return KindReadFixed }

func (o ReadFixed) encode(e *encoder) {
	e.resource(o.Res)
	e.buffer(o.Buf)
	e.sqe.Off = o.Offset
	e.sqe.BufIndex = o.BufIndex
}

func (o ReadFixed) retain(r *retainer) { keepBytes(r, o.Buf) }

// WriteFixed writes Buf, which must lie inside registered buffer BufIndex.
type WriteFixed struct {
	Res      Resource
	Buf      []byte
	Offset   uint64
	BufIndex uint16
}

func (WriteFixed) Kind() Kind { return KindWriteFixed }

func (o WriteFixed) encode(e *encoder) {
	e.resource(o.Res)
	e.buffer(o.Buf)
	e.sqe.Off = o.Offset
	e.sqe.BufIndex = o.BufIndex
}

func (o WriteFixed) retain(r *retainer) { keepBytes(r, o.Buf) }

// Sync flushes a file; DataOnly skips metadata not needed to read the data.
type Sync struct {
	Res      Resource
	DataOnly bool
}

func (Sync) Kind() Kind { return KindSync }

func (o Sync) encode(e *encoder) {
	e.resource(o.Res)
	if o.DataOnly {
		e.sqe.OpFlags = uapi.IORING_FSYNC_DATASYNC
	}
}

func (Sync) retain(r *retainer) {}

// SyncFileRange syncs part of a file (sync_file_range(2) flags).
type SyncFileRange struct {
	Res    Resource
	Offset uint64
	Length uint32
	Flags  uint32
}

func (SyncFileRange) Kind() Kind { return KindSyncFileRange }

func (o SyncFileRange) encode(e *encoder) {
	e.resource(o.Res)
	e.sqe.Off = o.Offset
	e.sqe.Len = o.Length
	e.sqe.OpFlags = o.Flags
}

func (SyncFileRange) retain(r *retainer) {}

// Fallocate manipulates allocated space (fallocate(2) mode).
type Fallocate struct {
	Res    Resource
	Mode   uint32
	Offset uint64
	Length uint64
}

func (Fallocate) Kind() Kind { return KindFallocate }

func (o Fallocate) encode(e *encoder) {
	e.resource(o.Res)
	e.sqe.Len = o.Mode
	e.sqe.Off = o.Offset
	e.sqe.Addr = o.Length
}

func (Fallocate) retain(r *retainer) {}

// Advise declares a file access pattern (posix_fadvise advice).
type Advise struct {
	Res    Resource
	Offset uint64
	Length uint32
	Advice uint32
}

func (Advise) Kind() Kind { return KindAdvise }

func (o Advise) encode(e *encoder) {
	e.resource(o.Res)
	e.sqe.Off = o.Offset
	e.sqe.Len = o.Length
	e.sqe.OpFlags = o.Advice
}

func (Advise) retain(r *retainer) {}

// MemoryAdvise declares a memory access pattern (madvise advice).
type MemoryAdvise struct {
	Region []byte
	Advice uint32
}

func (MemoryAdvise) Kind() Kind { return KindMemoryAdvise }

func (o MemoryAdvise) encode(e *encoder) {
	e.noResource()
	if len(o.Region) == 0 {
		e.fail("empty region")
	}
	e.buffer(o.Region)
	e.sqe.OpFlags = o.Advice
}

func (o MemoryAdvise) retain(r *retainer) { keepBytes(r, o.Region) }

// Splice moves Length bytes from In to Out through a pipe. Offsets are
// NoOffset for pipes and stream positions.
type Splice struct {
	In        Resource
	InOffset  int64
	Out       Resource
	OutOffset int64
	Length    uint32
	Flags     uint32
}

func (Splice) Kind() Kind { return KindSplice }

func (o Splice) encode(e *encoder) {
	e.resource(o.Out)
	encodeSpliceIn(e, o.In, o.Flags)
	e.sqe.Off = uint64(o.OutOffset)
	e.sqe.Addr = uint64(o.InOffset)
	e.sqe.Len = o.Length
}

func (Splice) retain(r *retainer) {}

// Tee duplicates Length bytes between two pipes without consuming them.
type Tee struct {
	In     Resource
	Out    Resource
	Length uint32
	Flags  uint32
}

func (Tee) Kind() Kind { return KindTee }

func (o Tee) encode(e *encoder) {
	e.resource(o.Out)
	encodeSpliceIn(e, o.In, o.Flags)
	e.sqe.Len = o.Length
}

func (Tee) retain(r *retainer) {}

func encodeSpliceIn(e *encoder, in Resource, flags uint32) {
	if in.IsIrrelevant() {
		e.fail("input resource is required")
	}
	if flags&uapi.SPLICE_F_FD_IN_FIXED != 0 {
		e.fail("input fixed-file bit is derived from the resource")
	}
	fd, fixed := in.resolve()
	e.sqe.SpliceFdIn = fd
	if fixed {
		flags |= uapi.SPLICE_F_FD_IN_FIXED
	}
	e.sqe.OpFlags = flags
}

