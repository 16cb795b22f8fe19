//go:build linux

package queue

import (
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-uring/internal/constants"
	"github.com/ehrlich-b/go-uring/internal/uapi"
)

// cancelFdFixed: the cancel fd is a registered-file slot
const cancelFdFixed = 1 << 3

const currentPosition = ^uint64(0)

// execute runs one entry and returns its final result and flags.
// Multishot entries post their intermediate completions here.
func (r *Runner) execute(t *task) (int32, uint32) {
	sqe := &t.sqe
	switch sqe.Opcode {
	case uapi.IORING_OP_NOP:
		return r.busy(t), 0

	case uapi.IORING_OP_READ:
		if sqe.Flags&uapi.IOSQE_BUFFER_SELECT != 0 {
			return r.readSelected(t)
		}
		return r.withFd(t, unix.POLLIN, func(fd int) int32 {
			return readAt(fd, [][]byte{bytesAt(sqe.Addr, sqe.Len)}, sqe.Off, int(sqe.OpFlags))
		}), 0

	case uapi.IORING_OP_WRITE:
		return r.withFd(t, unix.POLLOUT, func(fd int) int32 {
			return writeAt(fd, [][]byte{bytesAt(sqe.Addr, sqe.Len)}, sqe.Off, int(sqe.OpFlags))
		}), 0

	case uapi.IORING_OP_READV:
		return r.withFd(t, unix.POLLIN, func(fd int) int32 {
			return readAt(fd, iovecsAt(sqe.Addr, sqe.Len), sqe.Off, int(sqe.OpFlags))
		}), 0

	case uapi.IORING_OP_WRITEV:
		return r.withFd(t, unix.POLLOUT, func(fd int) int32 {
			return writeAt(fd, iovecsAt(sqe.Addr, sqe.Len), sqe.Off, int(sqe.OpFlags))
		}), 0

	case uapi.IORING_OP_READ_FIXED:
		if res := r.tables.fixedBuffer(sqe.BufIndex, sqe.Addr, sqe.Len); res < 0 {
			return res, 0
		}
		return r.withFd(t, unix.POLLIN, func(fd int) int32 {
			return readAt(fd, [][]byte{bytesAt(sqe.Addr, sqe.Len)}, sqe.Off, 0)
		}), 0

	case uapi.IORING_OP_WRITE_FIXED:
		if res := r.tables.fixedBuffer(sqe.BufIndex, sqe.Addr, sqe.Len); res < 0 {
			return res, 0
		}
		return r.withFd(t, unix.POLLOUT, func(fd int) int32 {
			return writeAt(fd, [][]byte{bytesAt(sqe.Addr, sqe.Len)}, sqe.Off, 0)
		}), 0

	case uapi.IORING_OP_FSYNC:
		return r.blocking(t, func(fd int) int32 {
			if sqe.OpFlags&uapi.IORING_FSYNC_DATASYNC != 0 {
				return errnoResult(unix.Fdatasync(fd))
			}
			return errnoResult(unix.Fsync(fd))
		}), 0

	case uapi.IORING_OP_SYNC_FILE_RANGE:
		return r.blocking(t, func(fd int) int32 {
			return errnoResult(unix.SyncFileRange(fd, int64(sqe.Off), int64(sqe.Len), int(sqe.OpFlags)))
		}), 0

	case uapi.IORING_OP_FALLOCATE:
		return r.blocking(t, func(fd int) int32 {
			return errnoResult(unix.Fallocate(fd, sqe.Len, int64(sqe.Off), int64(sqe.Addr)))
		}), 0

	case uapi.IORING_OP_FADVISE:
		return r.blocking(t, func(fd int) int32 {
			return errnoResult(unix.Fadvise(fd, int64(sqe.Off), int64(sqe.Len), int(sqe.OpFlags)))
		}), 0

	case uapi.IORING_OP_MADVISE:
		if res := r.busy(t); res < 0 {
			return res, 0
		}
		return errnoResult(unix.Madvise(bytesAt(sqe.Addr, sqe.Len), int(sqe.OpFlags))), 0

	case uapi.IORING_OP_POLL_ADD:
		return r.poll(t), 0

	case uapi.IORING_OP_POLL_REMOVE:
		if res := r.busy(t); res < 0 {
			return res, 0
		}
		return r.cancel(t, false, func(c *task) bool {
			return c.sqe.UserData == sqe.Addr && c.sqe.Opcode == uapi.IORING_OP_POLL_ADD
		}), 0

	case uapi.IORING_OP_SENDMSG:
		return r.withFd(t, unix.POLLOUT, func(fd int) int32 {
			return sys(unix.SYS_SENDMSG, uintptr(fd), uintptr(sqe.Addr), uintptr(sqe.OpFlags))
		}), 0

	case uapi.IORING_OP_RECVMSG:
		return r.withFd(t, unix.POLLIN, func(fd int) int32 {
			return sys(unix.SYS_RECVMSG, uintptr(fd), uintptr(sqe.Addr), uintptr(sqe.OpFlags))
		}), 0

	case uapi.IORING_OP_TIMEOUT:
		if sqe.OpFlags&uapi.IORING_TIMEOUT_UPDATE != 0 {
			return r.invalid(t), 0
		}
		deadline, _ := timeoutDeadline(sqe)
		return r.sleep(t, deadline), 0

	case uapi.IORING_OP_TIMEOUT_REMOVE:
		if sqe.OpFlags&uapi.IORING_TIMEOUT_UPDATE != 0 {
			return r.invalid(t), 0
		}
		if res := r.busy(t); res < 0 {
			return res, 0
		}
		return r.cancel(t, false, func(c *task) bool {
			return c.sqe.UserData == sqe.Addr && c.sqe.Opcode == uapi.IORING_OP_TIMEOUT
		}), 0

	case uapi.IORING_OP_ACCEPT:
		return r.accept(t), 0

	case uapi.IORING_OP_ASYNC_CANCEL:
		if res := r.busy(t); res < 0 {
			return res, 0
		}
		return r.cancel(t, sqe.OpFlags&uapi.IORING_ASYNC_CANCEL_ALL != 0, cancelMatcher(sqe)), 0

	case uapi.IORING_OP_CONNECT:
		return r.connect(t), 0

	case uapi.IORING_OP_OPENAT:
		return r.blockingDir(t, func(dirfd int) int32 {
			fd, err := unix.Openat(dirfd, stringAt(sqe.Addr), int(sqe.OpFlags), sqe.Len)
			return r.installed(t, fd, err)
		}), 0

	case uapi.IORING_OP_OPENAT2:
		return r.blockingDir(t, func(dirfd int) int32 {
			how := (*unix.OpenHow)(ptr(sqe.Off))
			fd, err := unix.Openat2(dirfd, stringAt(sqe.Addr), how)
			return r.installed(t, fd, err)
		}), 0

	case uapi.IORING_OP_CLOSE:
		if res := r.busy(t); res < 0 {
			return res, 0
		}
		if slot := sqe.FileIndex(); slot != 0 {
			return r.tables.remove(int(slot) - 1), 0
		}
		return errnoResult(unix.Close(int(sqe.Fd))), 0

	case uapi.IORING_OP_FILES_UPDATE:
		if res := r.busy(t); res < 0 {
			return res, 0
		}
		fds := unsafe.Slice((*int32)(ptr(sqe.Addr)), sqe.Len)
		return r.tables.update(fds, uint32(sqe.Off)), 0

	case uapi.IORING_OP_STATX:
		return r.blockingDir(t, func(dirfd int) int32 {
			out := (*unix.Statx_t)(ptr(sqe.Off))
			return errnoResult(unix.Statx(dirfd, stringAt(sqe.Addr), int(sqe.OpFlags), int(sqe.Len), out))
		}), 0

	case uapi.IORING_OP_SEND:
		return r.withFd(t, unix.POLLOUT, func(fd int) int32 {
			return sys6(unix.SYS_SENDTO, uintptr(fd), uintptr(sqe.Addr), uintptr(sqe.Len), uintptr(sqe.OpFlags), 0, 0)
		}), 0

	case uapi.IORING_OP_RECV:
		if sqe.IoPrio&uapi.IORING_RECV_MULTISHOT != 0 {
			return r.receiveMultishot(t)
		}
		if sqe.Flags&uapi.IOSQE_BUFFER_SELECT != 0 {
			return r.readSelected(t)
		}
		return r.withFd(t, unix.POLLIN, func(fd int) int32 {
			return sys6(unix.SYS_RECVFROM, uintptr(fd), uintptr(sqe.Addr), uintptr(sqe.Len), uintptr(sqe.OpFlags), 0, 0)
		}), 0

	case uapi.IORING_OP_EPOLL_CTL:
		if res := r.busy(t); res < 0 {
			return res, 0
		}
		var ev *unix.EpollEvent
		if sqe.Addr != 0 {
			ev = (*unix.EpollEvent)(ptr(sqe.Addr))
		}
		return errnoResult(unix.EpollCtl(int(sqe.Fd), int(sqe.Len), int(sqe.Off), ev)), 0

	case uapi.IORING_OP_SPLICE, uapi.IORING_OP_TEE:
		return r.splice(t), 0

	case uapi.IORING_OP_PROVIDE_BUFFERS:
		if res := r.busy(t); res < 0 {
			return res, 0
		}
		return r.tables.provide(sqe.BufIndex, sqe.Addr, sqe.Len, uint32(sqe.Fd), uint16(sqe.Off)), 0

	case uapi.IORING_OP_REMOVE_BUFFERS:
		if res := r.busy(t); res < 0 {
			return res, 0
		}
		return r.tables.removeBuffers(sqe.BufIndex, uint32(sqe.Fd)), 0

	case uapi.IORING_OP_SHUTDOWN:
		return r.blocking(t, func(fd int) int32 {
			return errnoResult(unix.Shutdown(fd, int(sqe.Len)))
		}), 0

	case uapi.IORING_OP_RENAMEAT:
		return r.blockingDir(t, func(dirfd int) int32 {
			return errnoResult(unix.Renameat2(dirfd, stringAt(sqe.Addr), int(int32(sqe.Len)), stringAt(sqe.Off), uint(sqe.OpFlags)))
		}), 0

	case uapi.IORING_OP_UNLINKAT:
		return r.blockingDir(t, func(dirfd int) int32 {
			return errnoResult(unix.Unlinkat(dirfd, stringAt(sqe.Addr), int(sqe.OpFlags)))
		}), 0

	case uapi.IORING_OP_MKDIRAT:
		return r.blockingDir(t, func(dirfd int) int32 {
			return errnoResult(unix.Mkdirat(dirfd, stringAt(sqe.Addr), sqe.Len))
		}), 0
	}

	// a link timeout without a preceding linked entry lands here too
	return r.invalid(t), 0
}

func (r *Runner) invalid(t *task) int32 {
	if res := r.busy(t); res < 0 {
		return res
	}
	return -int32(unix.EINVAL)
}

// resolve maps the fd slot to a descriptor, consulting the registered-file
// table for fixed entries.
func (r *Runner) resolve(t *task) (int, int32) {
	if t.sqe.Flags&uapi.IOSQE_FIXED_FILE == 0 {
		if t.sqe.Fd < 0 {
			return -1, -int32(unix.EBADF)
		}
		return int(t.sqe.Fd), 0
	}
	return r.tables.file(t.sqe.Fd)
}

// withFd waits for readiness on the entry's descriptor, then runs fn.
func (r *Runner) withFd(t *task, events int16, fn func(fd int) int32) int32 {
	fd, res := r.resolve(t)
	if res < 0 {
		return res
	}
	if res := r.ready(t, fd, events); res != 0 {
		return res
	}
	return retry(func() int32 { return fn(fd) })
}

// blocking runs fn without waiting for readiness.
func (r *Runner) blocking(t *task, fn func(fd int) int32) int32 {
	fd, res := r.resolve(t)
	if res < 0 {
		return res
	}
	if res := r.busy(t); res < 0 {
		return res
	}
	return retry(func() int32 { return fn(fd) })
}

// blockingDir is blocking for the directory-relative kinds.
func (r *Runner) blockingDir(t *task, fn func(dirfd int) int32) int32 {
	if res := r.busy(t); res < 0 {
		return res
	}
	return retry(func() int32 { return fn(int(t.sqe.Fd)) })
}

// installed finishes an accept or open, moving the new descriptor into the
// registered-file table when the entry names a direct slot.
func (r *Runner) installed(t *task, fd int, err error) int32 {
	if err != nil {
		return errnoResult(err)
	}
	if slot := t.sqe.FileIndex(); slot != 0 {
		return r.tables.install(fd, slot)
	}
	return int32(fd)
}

func (r *Runner) readSelected(t *task) (int32, uint32) {
	sqe := &t.sqe
	fd, res := r.resolve(t)
	if res < 0 {
		return res, 0
	}
	if res := r.ready(t, fd, unix.POLLIN); res != 0 {
		return res, 0
	}
	return r.intoSelected(fd, sqe)
}

// intoSelected reads into a buffer taken from the entry's group. The
// buffer goes back to the group when nothing was consumed.
func (r *Runner) intoSelected(fd int, sqe *uapi.SQE) (int32, uint32) {
	buf, ok := r.tables.take(sqe.BufIndex)
	if !ok {
		return -int32(unix.ENOBUFS), 0
	}
	n := buf.len
	if sqe.Len != 0 && sqe.Len < n {
		n = sqe.Len
	}
	var res int32
	if sqe.Opcode == uapi.IORING_OP_RECV {
		res = retry(func() int32 {
			return sys6(unix.SYS_RECVFROM, uintptr(fd), uintptr(buf.addr), uintptr(n), uintptr(sqe.OpFlags), 0, 0)
		})
	} else {
		res = retry(func() int32 {
			return readAt(fd, [][]byte{bytesAt(buf.addr, n)}, sqe.Off, int(sqe.OpFlags))
		})
	}
	if res < 0 {
		r.tables.giveBack(sqe.BufIndex, buf)
		return res, 0
	}
	return res, uapi.IORING_CQE_F_BUFFER | uint32(buf.id)<<uapi.IORING_CQE_BUFFER_SHIFT
}

func (r *Runner) receiveMultishot(t *task) (int32, uint32) {
	fd, res := r.resolve(t)
	if res < 0 {
		return res, 0
	}
	for {
		if res := r.ready(t, fd, unix.POLLIN); res != 0 {
			return res, 0
		}
		res, flags := r.intoSelected(fd, &t.sqe)
		if res <= 0 {
			// EOF, error or an empty group terminates the stream
			return res, flags
		}
		r.emit(t, res, flags)
	}
}

func (r *Runner) poll(t *task) int32 {
	fd, res := r.resolve(t)
	if res < 0 {
		return res
	}
	events := int16(t.sqe.OpFlags)
	multishot := t.sqe.Len&uapi.IORING_POLL_ADD_MULTI != 0
	for {
		revents, res := r.await(t, fd, events)
		if res != 0 {
			return res
		}
		if !multishot {
			return int32(uint16(revents))
		}
		r.emit(t, int32(uint16(revents)), 0)
		// readiness is level-triggered here; space the reports out
		if res := r.pause(t, constants.PollInterval); res != 0 {
			return res
		}
	}
}

func (r *Runner) accept(t *task) int32 {
	sqe := &t.sqe
	fd, res := r.resolve(t)
	if res < 0 {
		return res
	}
	multishot := sqe.IoPrio&uapi.IORING_ACCEPT_MULTISHOT != 0
	for {
		if res := r.ready(t, fd, unix.POLLIN); res != 0 {
			return res
		}
		res := retry(func() int32 {
			return sys6(unix.SYS_ACCEPT4, uintptr(fd), uintptr(sqe.Addr), uintptr(sqe.Off), uintptr(sqe.OpFlags), 0, 0)
		})
		if res >= 0 {
			res = r.installed(t, int(res), nil)
		}
		if !multishot || res < 0 {
			return res
		}
		r.emit(t, res, 0)
	}
}

func (r *Runner) connect(t *task) int32 {
	sqe := &t.sqe
	fd, res := r.resolve(t)
	if res < 0 {
		return res
	}
	if res := r.busy(t); res < 0 {
		return res
	}
	res = sys(unix.SYS_CONNECT, uintptr(fd), uintptr(sqe.Addr), uintptr(sqe.Off))
	if res != -int32(unix.EINPROGRESS) && res != -int32(unix.EINTR) {
		return res
	}
	// non-blocking socket: wait for the handshake
	if _, res := r.await(t, fd, unix.POLLOUT); res != 0 {
		return res
	}
	if res := r.busy(t); res < 0 {
		return res
	}
	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errnoResult(err)
	}
	return -int32(soErr)
}

func (r *Runner) splice(t *task) int32 {
	sqe := &t.sqe
	out, res := r.resolve(t)
	if res < 0 {
		return res
	}
	in := int(sqe.SpliceFdIn)
	if sqe.OpFlags&uapi.SPLICE_F_FD_IN_FIXED != 0 {
		if in, res = r.tables.file(sqe.SpliceFdIn); res < 0 {
			return res
		}
	}
	flags := int(sqe.OpFlags &^ uapi.SPLICE_F_FD_IN_FIXED)
	if res := r.ready(t, in, unix.POLLIN); res != 0 {
		return res
	}

	if sqe.Opcode == uapi.IORING_OP_TEE {
		return retry(func() int32 {
			return result64(unix.Tee(in, out, int(sqe.Len), flags))
		})
	}
	inOff, outOff := offsetPtr(sqe.Addr), offsetPtr(sqe.Off)
	return retry(func() int32 {
		return result64(unix.Splice(in, inOff, out, outOff, int(sqe.Len), flags))
	})
}

// cancelMatcher builds the predicate an async cancel entry selects with.
func cancelMatcher(sqe *uapi.SQE) func(*task) bool {
	flags := sqe.OpFlags
	switch {
	case flags&uapi.IORING_ASYNC_CANCEL_ANY != 0:
		return func(*task) bool { return true }
	case flags&uapi.IORING_ASYNC_CANCEL_FD != 0:
		fixed := flags&cancelFdFixed != 0
		return func(c *task) bool {
			return c.sqe.Fd == sqe.Fd && (c.sqe.Flags&uapi.IOSQE_FIXED_FILE != 0) == fixed
		}
	}
	return func(c *task) bool { return c.sqe.UserData == sqe.Addr }
}

// await waits for fd readiness and returns the reported events
func (r *Runner) await(t *task, fd int, events int16) (int16, int32) {
	if !r.enter(t, TaskWaiting) {
		return 0, -int32(unix.ECANCELED)
	}
	deadline, bounded := deadlineOf(t)
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		select {
		case <-t.cancel:
			return 0, -int32(unix.ECANCELED)
		case <-r.done:
			return 0, -int32(unix.ECANCELED)
		default:
		}
		if bounded && !time.Now().Before(deadline) {
			return 0, expired
		}
		n, err := unix.Poll(fds, int(constants.PollInterval/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, errnoResult(err)
		}
		if n > 0 {
			return fds[0].Revents, 0
		}
	}
}

// pause waits d unless cancelled first
func (r *Runner) pause(t *task, d time.Duration) int32 {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return 0
	case <-t.cancel:
		return -int32(unix.ECANCELED)
	case <-r.done:
		return -int32(unix.ECANCELED)
	}
}

// timeoutDeadline converts the entry's timespec to a wall deadline.
func timeoutDeadline(sqe *uapi.SQE) (time.Time, bool) {
	if sqe.Addr == 0 {
		return time.Time{}, false
	}
	ts := (*uapi.KernelTimespec)(ptr(sqe.Addr))
	d := time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec)
	if sqe.OpFlags&uapi.IORING_TIMEOUT_ABS == 0 {
		return time.Now().Add(d), true
	}

	clock := int32(unix.CLOCK_MONOTONIC)
	switch {
	case sqe.OpFlags&uapi.IORING_TIMEOUT_BOOTTIME != 0:
		clock = unix.CLOCK_BOOTTIME
	case sqe.OpFlags&uapi.IORING_TIMEOUT_REALTIME != 0:
		clock = unix.CLOCK_REALTIME
	}
	var now unix.Timespec
	if err := unix.ClockGettime(clock, &now); err != nil {
		return time.Now(), true
	}
	return time.Now().Add(d - time.Duration(now.Nano())), true
}

func readAt(fd int, bufs [][]byte, off uint64, flags int) int32 {
	switch {
	case flags != 0:
		return result(unix.Preadv2(fd, bufs, int64(off), flags))
	case off == currentPosition && len(bufs) == 1:
		return result(unix.Read(fd, bufs[0]))
	case off == currentPosition:
		return result(unix.Readv(fd, bufs))
	case len(bufs) == 1:
		return result(unix.Pread(fd, bufs[0], int64(off)))
	}
	return result(unix.Preadv(fd, bufs, int64(off)))
}

func writeAt(fd int, bufs [][]byte, off uint64, flags int) int32 {
	switch {
	case flags != 0:
		return result(unix.Pwritev2(fd, bufs, int64(off), flags))
	case off == currentPosition && len(bufs) == 1:
		return result(unix.Write(fd, bufs[0]))
	case off == currentPosition:
		return result(unix.Writev(fd, bufs))
	case len(bufs) == 1:
		return result(unix.Pwrite(fd, bufs[0], int64(off)))
	}
	return result(unix.Pwritev(fd, bufs, int64(off)))
}

func offsetPtr(off uint64) *int64 {
	if int64(off) < 0 {
		return nil
	}
	v := int64(off)
	return &v
}

// ptr turns an address carried by an entry back into a pointer. Entries
// only carry addresses of memory the submitter keeps pinned.
func ptr(addr uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}

func bytesAt(addr uint64, n uint32) []byte {
	if addr == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(ptr(addr)), n)
}

func iovecsAt(addr uint64, n uint32) [][]byte {
	if addr == 0 || n == 0 {
		return nil
	}
	iov := unsafe.Slice((*unix.Iovec)(ptr(addr)), n)
	bufs := make([][]byte, n)
	for i := range iov {
		if iov[i].Base != nil {
			bufs[i] = unsafe.Slice(iov[i].Base, iov[i].Len)
		}
	}
	return bufs
}

func stringAt(addr uint64) string {
	if addr == 0 {
		return ""
	}
	return unix.BytePtrToString((*byte)(ptr(addr)))
}

func retry(fn func() int32) int32 {
	for {
		if res := fn(); res != -int32(unix.EINTR) {
			return res
		}
	}
}

func sys(trap, a1, a2, a3 uintptr) int32 {
	r1, _, errno := unix.Syscall(trap, a1, a2, a3)
	if errno != 0 {
		return -int32(errno)
	}
	return int32(r1)
}

func sys6(trap, a1, a2, a3, a4, a5, a6 uintptr) int32 {
	r1, _, errno := unix.Syscall6(trap, a1, a2, a3, a4, a5, a6)
	if errno != 0 {
		return -int32(errno)
	}
	return int32(r1)
}

func result(n int, err error) int32 {
	if err != nil {
		return errnoResult(err)
	}
	return int32(n)
}

func result64(n int64, err error) int32 {
	if err != nil {
		return errnoResult(err)
	}
	return int32(n)
}

func errnoResult(err error) int32 {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int32(errno)
	}
	return -int32(unix.EIO)
}
