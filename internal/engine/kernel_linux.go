package engine

import (
	"syscall"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/brickingsoft/errors"
	"github.com/pawelgaczynski/giouring"

	"github.com/ehrlich-b/go-uring/internal/constants"
	"github.com/ehrlich-b/go-uring/internal/interfaces"
	"github.com/ehrlich-b/go-uring/internal/logging"
	"github.com/ehrlich-b/go-uring/internal/probe"
	"github.com/ehrlich-b/go-uring/internal/uapi"
)

// Kernel drives a Linux io_uring instance. Push and Flush must be called
// from the submitting goroutine; Pop, Ready and Wait from the consuming
// one. The coordinator does both from its owner goroutine.
type Kernel struct {
	ring     *giouring.Ring
	version  probe.Version
	features interfaces.Features
	cqes     []*giouring.CompletionQueueEvent
	ready    []uapi.CQE
	head     int
	closed   atomic.Bool
	logger   *logging.Logger
}

// NewKernel sets up an io_uring instance
func NewKernel(cfg Config) (*Kernel, error) {
	cfg = cfg.normalize()
	logger := logging.Default().WithEngine("kernel")

	version, err := probe.Kernel()
	if err != nil {
		return nil, newError("setup", "kernel version probe failed", err)
	}
	if !version.AtLeast(5, 1) {
		return nil, newError("setup", "io_uring needs linux 5.1 or newer, running "+version.String(), ErrUnsupported)
	}

	r, err := giouring.CreateRing(cfg.Entries)
	if err != nil {
		return nil, newError("setup", "create ring failed", err)
	}

	k := &Kernel{
		ring:     r,
		version:  version,
		features: probe.Features(version),
		cqes:     make([]*giouring.CompletionQueueEvent, cfg.CQEntries),
		ready:    make([]uapi.CQE, 0, cfg.CQEntries),
		logger:   logger,
	}
	logger.Info("engine ready",
		"entries", cfg.Entries,
		"kernel", version.String(),
		"stable_submission", k.features.StableSubmission,
		"fast_poll", k.features.FastPoll)
	return k, nil
}

// Version returns the probed kernel version
func (k *Kernel) Version() probe.Version {
	return k.version
}

func (k *Kernel) Push(sqe *uapi.SQE) bool {
	if k.closed.Load() {
		return false
	}
	entry := k.ring.GetSQE()
	if entry == nil {
		return false
	}
	*(*uapi.SQE)(unsafe.Pointer(entry)) = *sqe
	return true
}

func (k *Kernel) Space() int {
	if k.closed.Load() {
		return 0
	}
	return int(k.ring.SQSpaceLeft())
}

func (k *Kernel) Flush() (int, error) {
	if k.closed.Load() {
		return 0, newError("flush", "flush failed", ErrClosed)
	}
	for {
		n, err := k.ring.Submit()
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return int(n), newError("flush", "submit failed", err)
		}
		return int(n), nil
	}
}

// refill moves every posted completion out of the kernel ring
func (k *Kernel) refill() {
	n := k.ring.PeekBatchCQE(k.cqes)
	if n == 0 {
		return
	}
	k.ready = k.ready[:0]
	k.head = 0
	for i := uint32(0); i < n; i++ {
		cqe := k.cqes[i]
		k.cqes[i] = nil
		k.ready = append(k.ready, uapi.CQE{UserData: cqe.UserData, Res: cqe.Res, Flags: cqe.Flags})
	}
	k.ring.CQAdvance(n)
}

func (k *Kernel) Pop() (uapi.CQE, bool) {
	if k.head == len(k.ready) {
		if k.closed.Load() {
			return uapi.CQE{}, false
		}
		k.refill()
		if k.head == len(k.ready) {
			return uapi.CQE{}, false
		}
	}
	cqe := k.ready[k.head]
	k.head++
	return cqe, true
}

func (k *Kernel) buffered() int {
	return len(k.ready) - k.head
}

func (k *Kernel) Ready() int {
	if k.closed.Load() {
		return k.buffered()
	}
	return k.buffered() + int(k.ring.CQReady())
}

// Wait blocks in slices of KernelWaitSlice so that Close is noticed.
func (k *Kernel) Wait(min int, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if k.closed.Load() {
			return newError("wait", "wait failed", ErrClosed)
		}
		have := k.Ready()
		if have >= min {
			return nil
		}
		slice := constants.KernelWaitSlice
		if timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil
			}
			if remaining < slice {
				slice = remaining
			}
		}
		ts := syscall.NsecToTimespec(slice.Nanoseconds())
		if _, err := k.ring.WaitCQEs(uint32(min-k.buffered()), &ts, nil); err != nil {
			if errors.Is(err, syscall.ETIME) || errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
				continue
			}
			return newError("wait", "wait for completions failed", err)
		}
	}
}

func (k *Kernel) Features() interfaces.Features {
	return k.features
}

func (k *Kernel) RegisterFiles(fds []int) error {
	if _, err := k.ring.RegisterFiles(fds); err != nil {
		return newError("register_files", "register files failed", err)
	}
	return nil
}

func (k *Kernel) RegisterBuffers(bufs [][]byte) error {
	iov := make([]syscall.Iovec, len(bufs))
	for i, b := range bufs {
		if len(b) == 0 {
			return newError("register_buffers", "empty buffer", syscall.EINVAL)
		}
		iov[i].Base = &b[0]
		iov[i].SetLen(len(b))
	}
	if _, err := k.ring.RegisterBuffers(iov); err != nil {
		return newError("register_buffers", "register buffers failed", err)
	}
	return nil
}

func (k *Kernel) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	k.ring.QueueExit()
	k.logger.Info("engine closed")
	return nil
}

// Compile-time interface checks
var _ interfaces.Engine = (*Kernel)(nil)
var _ interfaces.Registrar = (*Kernel)(nil)
