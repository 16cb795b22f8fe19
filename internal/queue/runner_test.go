//go:build linux

package queue

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-uring/internal/logging"
	"github.com/ehrlich-b/go-uring/internal/uapi"
)

func newTestRunner(t *testing.T) (*Runner, <-chan uapi.CQE) {
	t.Helper()
	ch := make(chan uapi.CQE, 64)
	r := NewRunner(Config{
		Workers: 4,
		Post:    func(c uapi.CQE) { ch <- c },
		Logger:  logging.NewLogger(&logging.Config{Level: logging.LevelError, Output: io.Discard, Sync: true}),
	})
	r.Start()
	t.Cleanup(r.Stop)
	return r, ch
}

func collect(t *testing.T, ch <-chan uapi.CQE, n int) map[uint64]uapi.CQE {
	t.Helper()
	out := make(map[uint64]uapi.CQE, n)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case c := <-ch:
			out[c.UserData] = c
		case <-deadline:
			t.Fatalf("got %d of %d completions: %v", len(out), n, out)
		}
	}
	return out
}

func entry(opcode uint8, userData uint64) uapi.SQE {
	return uapi.SQE{Opcode: opcode, Fd: -1, UserData: userData}
}

func addr(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func timespec(d time.Duration) *uapi.KernelTimespec {
	return &uapi.KernelTimespec{Sec: int64(d / time.Second), Nsec: int64(d % time.Second)}
}

func pipe(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func waitState(t *testing.T, r *Runner, userData uint64, want TaskState) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := r.State(userData)
		return ok && s == want
	}, 2*time.Second, time.Millisecond)
}

func TestRunner_NoOp(t *testing.T) {
	r, ch := newTestRunner(t)
	r.Submit([]uapi.SQE{entry(uapi.IORING_OP_NOP, 1), entry(uapi.IORING_OP_NOP, 2)})

	got := collect(t, ch, 2)
	assert.Equal(t, int32(0), got[1].Res)
	assert.Equal(t, int32(0), got[2].Res)
	assert.Equal(t, 0, r.Pending())
}

func TestRunner_ReadWriteFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "rw")
	require.NoError(t, err)
	defer f.Close()

	r, ch := newTestRunner(t)
	payload := []byte("hello, ring")

	w := entry(uapi.IORING_OP_WRITE, 1)
	w.Fd = int32(f.Fd())
	w.Addr = addr(payload)
	w.Len = uint32(len(payload))
	w.Off = 4
	r.Submit([]uapi.SQE{w})
	assert.Equal(t, int32(len(payload)), collect(t, ch, 1)[1].Res)

	buf := make([]byte, 64)
	rd := entry(uapi.IORING_OP_READ, 2)
	rd.Fd = int32(f.Fd())
	rd.Addr = addr(buf)
	rd.Len = uint32(len(buf))
	rd.Off = 4
	r.Submit([]uapi.SQE{rd})
	res := collect(t, ch, 1)[2].Res
	require.Equal(t, int32(len(payload)), res)
	assert.Equal(t, payload, buf[:res])
	runtime.KeepAlive(payload)
}

func TestRunner_Vectored(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "vec")
	require.NoError(t, err)
	defer f.Close()

	r, ch := newTestRunner(t)
	a, b := []byte("abc"), []byte("defg")
	iov := []unix.Iovec{{Base: &a[0]}, {Base: &b[0]}}
	iov[0].SetLen(len(a))
	iov[1].SetLen(len(b))

	w := entry(uapi.IORING_OP_WRITEV, 1)
	w.Fd = int32(f.Fd())
	w.Addr = uint64(uintptr(unsafe.Pointer(&iov[0])))
	w.Len = 2
	r.Submit([]uapi.SQE{w})
	assert.Equal(t, int32(7), collect(t, ch, 1)[1].Res)

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "abcdefg", string(data))
	runtime.KeepAlive(iov)
}

func TestRunner_LinkFailureCancelsChain(t *testing.T) {
	tests := []struct {
		name     string
		flag     uint8
		expected int32
	}{
		{"soft link", uapi.IOSQE_IO_LINK, -int32(unix.ECANCELED)},
		{"hard link", uapi.IOSQE_IO_HARDLINK, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ch := newTestRunner(t)
			buf := make([]byte, 8)
			rd := entry(uapi.IORING_OP_READ, 1)
			rd.Addr = addr(buf)
			rd.Len = 8
			rd.Flags = tt.flag
			r.Submit([]uapi.SQE{rd, entry(uapi.IORING_OP_NOP, 2)})

			got := collect(t, ch, 2)
			assert.Equal(t, -int32(unix.EBADF), got[1].Res)
			assert.Equal(t, tt.expected, got[2].Res)
		})
	}
}

func TestRunner_Timeout(t *testing.T) {
	r, ch := newTestRunner(t)
	ts := timespec(10 * time.Millisecond)
	to := entry(uapi.IORING_OP_TIMEOUT, 1)
	to.Addr = uint64(uintptr(unsafe.Pointer(ts)))
	to.Len = 1
	r.Submit([]uapi.SQE{to})

	assert.Equal(t, -int32(unix.ETIME), collect(t, ch, 1)[1].Res)
	runtime.KeepAlive(ts)
}

func TestRunner_CountTimeout(t *testing.T) {
	r, ch := newTestRunner(t)
	ts := timespec(10 * time.Second)
	to := entry(uapi.IORING_OP_TIMEOUT, 1)
	to.Addr = uint64(uintptr(unsafe.Pointer(ts)))
	to.Len = 1
	to.Off = 1
	r.Submit([]uapi.SQE{to})
	waitState(t, r, 1, TaskWaiting)

	r.Submit([]uapi.SQE{entry(uapi.IORING_OP_NOP, 2)})
	got := collect(t, ch, 2)
	assert.Equal(t, int32(0), got[1].Res)
	assert.Equal(t, int32(0), got[2].Res)
	runtime.KeepAlive(ts)
}

func TestRunner_Cancel(t *testing.T) {
	t.Run("waiting timeout", func(t *testing.T) {
		r, ch := newTestRunner(t)
		ts := timespec(10 * time.Second)
		to := entry(uapi.IORING_OP_TIMEOUT, 1)
		to.Addr = uint64(uintptr(unsafe.Pointer(ts)))
		to.Len = 1
		r.Submit([]uapi.SQE{to})
		waitState(t, r, 1, TaskWaiting)

		c := entry(uapi.IORING_OP_ASYNC_CANCEL, 2)
		c.Addr = 1
		r.Submit([]uapi.SQE{c})

		got := collect(t, ch, 2)
		assert.Equal(t, -int32(unix.ECANCELED), got[1].Res)
		assert.Equal(t, int32(0), got[2].Res)
		runtime.KeepAlive(ts)
	})

	t.Run("waiting read", func(t *testing.T) {
		r, ch := newTestRunner(t)
		rfd, _ := pipe(t)
		buf := make([]byte, 8)
		rd := entry(uapi.IORING_OP_READ, 1)
		rd.Fd = int32(rfd)
		rd.Addr = addr(buf)
		rd.Len = 8
		r.Submit([]uapi.SQE{rd})
		waitState(t, r, 1, TaskWaiting)

		c := entry(uapi.IORING_OP_ASYNC_CANCEL, 2)
		c.Addr = 1
		r.Submit([]uapi.SQE{c})

		got := collect(t, ch, 2)
		assert.Equal(t, -int32(unix.ECANCELED), got[1].Res)
		assert.Equal(t, int32(0), got[2].Res)
	})

	t.Run("unknown target", func(t *testing.T) {
		r, ch := newTestRunner(t)
		c := entry(uapi.IORING_OP_ASYNC_CANCEL, 2)
		c.Addr = 99
		r.Submit([]uapi.SQE{c})
		assert.Equal(t, -int32(unix.ENOENT), collect(t, ch, 1)[2].Res)
	})

	t.Run("by descriptor", func(t *testing.T) {
		r, ch := newTestRunner(t)
		rfd, _ := pipe(t)
		buf := make([]byte, 8)
		var batch []uapi.SQE
		for ud := uint64(1); ud <= 2; ud++ {
			rd := entry(uapi.IORING_OP_READ, ud)
			rd.Fd = int32(rfd)
			rd.Addr = addr(buf)
			rd.Len = 8
			batch = append(batch, rd)
		}
		r.Submit(batch)
		waitState(t, r, 1, TaskWaiting)
		waitState(t, r, 2, TaskWaiting)

		c := entry(uapi.IORING_OP_ASYNC_CANCEL, 3)
		c.Fd = int32(rfd)
		c.OpFlags = uapi.IORING_ASYNC_CANCEL_FD | uapi.IORING_ASYNC_CANCEL_ALL
		r.Submit([]uapi.SQE{c})

		got := collect(t, ch, 3)
		assert.Equal(t, -int32(unix.ECANCELED), got[1].Res)
		assert.Equal(t, -int32(unix.ECANCELED), got[2].Res)
		assert.Equal(t, int32(2), got[3].Res)
	})
}

func TestRunner_TimeoutRemove(t *testing.T) {
	r, ch := newTestRunner(t)
	ts := timespec(10 * time.Second)
	to := entry(uapi.IORING_OP_TIMEOUT, 1)
	to.Addr = uint64(uintptr(unsafe.Pointer(ts)))
	to.Len = 1
	r.Submit([]uapi.SQE{to})
	waitState(t, r, 1, TaskWaiting)

	rm := entry(uapi.IORING_OP_TIMEOUT_REMOVE, 2)
	rm.Addr = 1
	r.Submit([]uapi.SQE{rm})

	got := collect(t, ch, 2)
	assert.Equal(t, -int32(unix.ECANCELED), got[1].Res)
	assert.Equal(t, int32(0), got[2].Res)
	runtime.KeepAlive(ts)
}

func TestRunner_LinkTimeout(t *testing.T) {
	t.Run("fires", func(t *testing.T) {
		r, ch := newTestRunner(t)
		rfd, _ := pipe(t)
		buf := make([]byte, 8)
		ts := timespec(30 * time.Millisecond)

		rd := entry(uapi.IORING_OP_READ, 1)
		rd.Fd = int32(rfd)
		rd.Addr = addr(buf)
		rd.Len = 8
		rd.Flags = uapi.IOSQE_IO_LINK
		lt := entry(uapi.IORING_OP_LINK_TIMEOUT, 2)
		lt.Addr = uint64(uintptr(unsafe.Pointer(ts)))
		lt.Len = 1
		r.Submit([]uapi.SQE{rd, lt})

		got := collect(t, ch, 2)
		assert.Equal(t, -int32(unix.ECANCELED), got[1].Res)
		assert.Equal(t, -int32(unix.ETIME), got[2].Res)
		runtime.KeepAlive(ts)
	})

	t.Run("disarmed", func(t *testing.T) {
		r, ch := newTestRunner(t)
		ts := timespec(10 * time.Second)
		nop := entry(uapi.IORING_OP_NOP, 1)
		nop.Flags = uapi.IOSQE_IO_LINK
		lt := entry(uapi.IORING_OP_LINK_TIMEOUT, 2)
		lt.Addr = uint64(uintptr(unsafe.Pointer(ts)))
		lt.Len = 1
		r.Submit([]uapi.SQE{nop, lt})

		got := collect(t, ch, 2)
		assert.Equal(t, int32(0), got[1].Res)
		assert.Equal(t, -int32(unix.ECANCELED), got[2].Res)
		runtime.KeepAlive(ts)
	})

	t.Run("without target", func(t *testing.T) {
		r, ch := newTestRunner(t)
		ts := timespec(time.Second)
		lt := entry(uapi.IORING_OP_LINK_TIMEOUT, 1)
		lt.Addr = uint64(uintptr(unsafe.Pointer(ts)))
		lt.Len = 1
		r.Submit([]uapi.SQE{lt})
		assert.Equal(t, -int32(unix.EINVAL), collect(t, ch, 1)[1].Res)
		runtime.KeepAlive(ts)
	})
}

func TestRunner_ProvidedBuffers(t *testing.T) {
	r, ch := newTestRunner(t)
	rfd, wfd := pipe(t)
	slab := NewSlab(2, 16)

	pb := entry(uapi.IORING_OP_PROVIDE_BUFFERS, 1)
	pb.Fd = 2
	pb.Addr = addr(slab.Region)
	pb.Len = 16
	pb.Off = 5
	pb.BufIndex = 7
	r.Submit([]uapi.SQE{pb})
	require.Equal(t, int32(0), collect(t, ch, 1)[1].Res)
	assert.Equal(t, 2, r.Buffered(7))

	_, err := unix.Write(wfd, []byte("abc"))
	require.NoError(t, err)

	rd := entry(uapi.IORING_OP_READ, 2)
	rd.Fd = int32(rfd)
	rd.Len = 16
	rd.BufIndex = 7
	rd.Flags = uapi.IOSQE_BUFFER_SELECT
	rd.Off = ^uint64(0)
	r.Submit([]uapi.SQE{rd})

	got := collect(t, ch, 1)[2]
	require.Equal(t, int32(3), got.Res)
	id, ok := got.BufferID()
	require.True(t, ok)
	assert.Equal(t, uint16(5), id)
	assert.Equal(t, "abc", string(slab.Buffer(0)[:3]))
	assert.Equal(t, 1, r.Buffered(7))

	rm := entry(uapi.IORING_OP_REMOVE_BUFFERS, 3)
	rm.Fd = 8
	rm.BufIndex = 7
	r.Submit([]uapi.SQE{rm})
	assert.Equal(t, int32(1), collect(t, ch, 1)[3].Res)
	assert.Equal(t, 0, r.Buffered(7))

	_, err = unix.Write(wfd, []byte("x"))
	require.NoError(t, err)
	rd.UserData = 4
	r.Submit([]uapi.SQE{rd})
	assert.Equal(t, -int32(unix.ENOBUFS), collect(t, ch, 1)[4].Res)
	runtime.KeepAlive(slab)
}

func TestRunner_FixedFiles(t *testing.T) {
	r, ch := newTestRunner(t)
	rfd, wfd := pipe(t)
	require.NoError(t, r.RegisterFiles([]int{-1, wfd}))

	payload := []byte("xyz")
	w := entry(uapi.IORING_OP_WRITE, 1)
	w.Fd = 1
	w.Flags = uapi.IOSQE_FIXED_FILE
	w.Addr = addr(payload)
	w.Len = 3
	w.Off = ^uint64(0)

	empty := w
	empty.UserData = 2
	empty.Fd = 0
	r.Submit([]uapi.SQE{w, empty})

	got := collect(t, ch, 2)
	assert.Equal(t, int32(3), got[1].Res)
	assert.Equal(t, -int32(unix.EBADF), got[2].Res)

	buf := make([]byte, 3)
	n, err := unix.Read(rfd, buf)
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(buf[:n]))
}

func TestRunner_DirectOpenAndClose(t *testing.T) {
	r, ch := newTestRunner(t)
	require.NoError(t, r.RegisterFiles([]int{-1, -1}))
	path := append([]byte(filepath.Join(t.TempDir(), "direct")), 0)

	open := entry(uapi.IORING_OP_OPENAT, 1)
	open.Fd = unix.AT_FDCWD
	open.Addr = addr(path)
	open.OpFlags = unix.O_CREAT | unix.O_RDWR | unix.O_CLOEXEC
	open.Len = 0o644
	open.SetFileIndex(2)
	r.Submit([]uapi.SQE{open})
	require.Equal(t, int32(0), collect(t, ch, 1)[1].Res)
	assert.GreaterOrEqual(t, r.Files()[1], 0)

	cl := entry(uapi.IORING_OP_CLOSE, 2)
	cl.Fd = 0
	cl.SetFileIndex(2)
	r.Submit([]uapi.SQE{cl})
	require.Equal(t, int32(0), collect(t, ch, 1)[2].Res)
	assert.Equal(t, -1, r.Files()[1])
	runtime.KeepAlive(path)
}

func TestRunner_SocketPair(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	r, ch := newTestRunner(t)
	in := make([]byte, 32)
	recv := entry(uapi.IORING_OP_RECV, 1)
	recv.Fd = int32(fds[1])
	recv.Addr = addr(in)
	recv.Len = uint32(len(in))
	r.Submit([]uapi.SQE{recv})
	waitState(t, r, 1, TaskWaiting)

	out := []byte("ping")
	send := entry(uapi.IORING_OP_SEND, 2)
	send.Fd = int32(fds[0])
	send.Addr = addr(out)
	send.Len = uint32(len(out))
	r.Submit([]uapi.SQE{send})

	got := collect(t, ch, 2)
	assert.Equal(t, int32(4), got[2].Res)
	require.Equal(t, int32(4), got[1].Res)
	assert.Equal(t, "ping", string(in[:4]))
	runtime.KeepAlive(out)
}

func TestRunner_PollAdd(t *testing.T) {
	r, ch := newTestRunner(t)
	rfd, wfd := pipe(t)

	p := entry(uapi.IORING_OP_POLL_ADD, 1)
	p.Fd = int32(rfd)
	p.OpFlags = unix.POLLIN
	r.Submit([]uapi.SQE{p})
	waitState(t, r, 1, TaskWaiting)

	_, err := unix.Write(wfd, []byte("!"))
	require.NoError(t, err)
	got := collect(t, ch, 1)[1]
	assert.NotZero(t, got.Res&unix.POLLIN)
}

func TestRunner_StopAbandons(t *testing.T) {
	ch := make(chan uapi.CQE, 8)
	r := NewRunner(Config{Workers: 1, Post: func(c uapi.CQE) { ch <- c }})
	r.Start()

	ts := timespec(time.Hour)
	to := entry(uapi.IORING_OP_TIMEOUT, 1)
	to.Addr = uint64(uintptr(unsafe.Pointer(ts)))
	to.Len = 1
	r.Submit([]uapi.SQE{to})
	waitState(t, r, 1, TaskWaiting)

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt a waiting timeout")
	}
	runtime.KeepAlive(ts)
}
