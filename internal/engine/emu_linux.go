package engine

import (
	"sync"
	"sync/atomic"
	"time"

	fifo "github.com/eapache/queue"

	"github.com/ehrlich-b/go-uring/internal/interfaces"
	"github.com/ehrlich-b/go-uring/internal/logging"
	"github.com/ehrlich-b/go-uring/internal/queue"
	"github.com/ehrlich-b/go-uring/internal/ring"
	"github.com/ehrlich-b/go-uring/internal/uapi"
)

// Emulated executes entries on worker goroutines. The submission ring is
// SPSC between the coordinator and Flush; the completion ring has many
// producers (the workers) and is guarded by mu. Completions that do not
// fit wait in an overflow backlog, so nothing is dropped.
type Emulated struct {
	sq    *ring.Ring[uapi.SQE]
	batch []uapi.SQE

	mu       sync.Mutex
	cq       *ring.Ring[uapi.CQE]
	overflow *fifo.Queue
	notify   chan struct{}

	runner *queue.Runner
	closed atomic.Bool
	logger *logging.Logger
}

// NewEmulated creates and starts an emulated engine
func NewEmulated(cfg Config) (*Emulated, error) {
	cfg = cfg.normalize()
	logger := logging.Default().WithEngine("emulated")

	e := &Emulated{
		sq:       ring.New[uapi.SQE](cfg.Entries),
		batch:    make([]uapi.SQE, 0, cfg.Entries),
		cq:       ring.New[uapi.CQE](cfg.CQEntries),
		overflow: fifo.New(),
		notify:   make(chan struct{}, 1),
		logger:   logger,
	}
	e.runner = queue.NewRunner(queue.Config{
		Workers: cfg.Workers,
		Post:    e.post,
		Logger:  logger,
	})
	e.runner.Start()

	logger.Info("engine ready", "entries", cfg.Entries, "cq_entries", cfg.CQEntries, "workers", cfg.Workers)
	return e, nil
}

func (e *Emulated) Push(sqe *uapi.SQE) bool {
	if e.closed.Load() {
		return false
	}
	return e.sq.Push(sqe)
}

func (e *Emulated) Space() int {
	return e.sq.Space()
}

func (e *Emulated) Flush() (int, error) {
	if e.closed.Load() {
		return 0, newError("flush", "flush failed", ErrClosed)
	}
	e.batch = e.batch[:0]
	for {
		sqe, ok := e.sq.Pop()
		if !ok {
			break
		}
		e.batch = append(e.batch, sqe)
	}
	e.runner.Submit(e.batch)
	return len(e.batch), nil
}

func (e *Emulated) post(cqe uapi.CQE) {
	e.mu.Lock()
	if e.overflow.Length() > 0 || !e.cq.Push(&cqe) {
		e.overflow.Add(cqe)
	}
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Emulated) Pop() (uapi.CQE, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cqe, ok := e.cq.Pop()
	for e.overflow.Length() > 0 && e.cq.Space() > 0 {
		held := e.overflow.Remove().(uapi.CQE)
		e.cq.Push(&held)
	}
	return cqe, ok
}

func (e *Emulated) Ready() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cq.Len() + e.overflow.Length()
}

func (e *Emulated) Wait(min int, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for e.Ready() < min {
		if e.closed.Load() {
			return newError("wait", "wait failed", ErrClosed)
		}
		select {
		case <-e.notify:
		case <-deadline:
			return nil
		}
	}
	return nil
}

func (e *Emulated) Features() interfaces.Features {
	return interfaces.Features{NoDrop: true}
}

func (e *Emulated) RegisterFiles(fds []int) error {
	return e.runner.RegisterFiles(fds)
}

func (e *Emulated) RegisterBuffers(bufs [][]byte) error {
	if err := e.runner.RegisterBuffers(bufs); err != nil {
		return newError("register_buffers", "register buffers failed", err)
	}
	return nil
}

// Pending returns the number of accepted entries without a final completion
func (e *Emulated) Pending() int {
	return e.runner.Pending()
}

func (e *Emulated) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.runner.Stop()
	// wake a blocked Wait
	select {
	case e.notify <- struct{}{}:
	default:
	}
	e.logger.Info("engine closed")
	return nil
}

// Compile-time interface checks
var _ interfaces.Engine = (*Emulated)(nil)
var _ interfaces.Registrar = (*Emulated)(nil)
