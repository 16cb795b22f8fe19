//go:build linux

// Package queue runs submission entries on worker goroutines with ordinary
// system calls. It backs the emulated engine.
package queue

import (
	"math"
	"sync"
	"time"

	fifo "github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-uring/internal/constants"
	"github.com/ehrlich-b/go-uring/internal/logging"
	"github.com/ehrlich-b/go-uring/internal/uapi"
)

// TaskState tracks one entry through the runner
type TaskState uint8

const (
	// TaskQueued: accepted but not started; cancellable
	TaskQueued TaskState = iota
	// TaskWaiting: blocked on readiness or a timer; cancellable
	TaskWaiting
	// TaskBusy: inside a system call; cancellation answers EALREADY
	TaskBusy
	// TaskDone: final completion posted
	TaskDone
)

// expired is the internal result of an entry whose linked timeout fired
// while it was waiting.
const expired = math.MinInt32

type task struct {
	sqe       uapi.SQE
	next      *task
	hard      bool
	timeout   *task // linked timeout guarding this entry
	state     TaskState
	cancelled bool
	cancel    chan struct{}
	wake      chan struct{}
	remaining uint32 // completions left for a count timeout
}

func newTask(sqe *uapi.SQE) *task {
	return &task{
		sqe:    *sqe,
		cancel: make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
}

type chain struct {
	head     *task
	drain    bool
	detached bool
}

// Config configures a Runner
type Config struct {
	Workers int
	Post    func(uapi.CQE)
	Logger  *logging.Logger
}

// Runner executes chains of entries. Entries of one chain run in order on a
// single goroutine; separate chains run concurrently on the worker pool.
// Long-lived entries (timeouts, polls, multishot) run on their own
// goroutine so they do not hold a worker.
type Runner struct {
	post    func(uapi.CQE)
	logger  *logging.Logger
	workers int

	mu       sync.Mutex
	cond     *sync.Cond
	backlog  *fifo.Queue
	active   int
	draining bool
	stopped  bool
	live     map[uint64]*task
	counters []*task
	done     chan struct{}
	wg       sync.WaitGroup

	tables tables
}

// NewRunner creates a runner; Start launches its workers.
func NewRunner(cfg Config) *Runner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = constants.DefaultWorkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	r := &Runner{
		post:    cfg.Post,
		logger:  logger,
		workers: workers,
		backlog: fifo.New(),
		live:    make(map[uint64]*task),
		done:    make(chan struct{}),
		tables:  newTables(),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Start launches the worker pool
func (r *Runner) Start() {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.logger.Debug("runner started", "workers", r.workers)
}

// Stop abandons queued work, interrupts waiting entries and waits for the
// workers to exit. Entries still inside a system call finish first.
// Abandoned entries post no completion.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.done)
	r.cond.Broadcast()
	r.mu.Unlock()

	r.wg.Wait()
	r.tables.closeOwned()
	r.logger.Debug("runner stopped")
}

// Submit accepts a batch of entries in submission order. Entries carrying
// a link flag are chained to the entry that follows them; a chain never
// spans two batches.
func (r *Runner) Submit(entries []uapi.SQE) {
	if len(entries) == 0 {
		return
	}

	var chains []*chain
	var cur *chain
	var prev *task
	for i := range entries {
		sqe := &entries[i]
		t := newTask(sqe)
		linked := sqe.Flags&(uapi.IOSQE_IO_LINK|uapi.IOSQE_IO_HARDLINK) != 0

		if sqe.Opcode == uapi.IORING_OP_LINK_TIMEOUT && cur != nil && prev != nil && prev.timeout == nil {
			prev.timeout = t
		} else if cur == nil {
			cur = &chain{head: t, detached: detachable(sqe)}
			chains = append(chains, cur)
			prev = t
		} else {
			prev.next = t
			cur.detached = false
			prev = t
		}
		if sqe.Flags&uapi.IOSQE_IO_DRAIN != 0 {
			cur.drain = true
		}
		if linked {
			if t != prev {
				// a linked timeout carries the chain on to the next entry
				prev.hard = prev.hard || sqe.Flags&uapi.IOSQE_IO_HARDLINK != 0
			} else {
				t.hard = sqe.Flags&uapi.IOSQE_IO_HARDLINK != 0
			}
		} else {
			cur, prev = nil, nil
		}
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	for _, c := range chains {
		for t := c.head; t != nil; t = t.next {
			r.track(t)
			if t.timeout != nil {
				r.track(t.timeout)
			}
		}
		r.backlog.Add(c)
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *Runner) track(t *task) {
	if t.sqe.UserData != 0 {
		r.live[t.sqe.UserData] = t
	}
	if t.sqe.Opcode == uapi.IORING_OP_TIMEOUT && t.sqe.Off > 0 {
		t.remaining = uint32(t.sqe.Off)
		r.counters = append(r.counters, t)
	}
}

func detachable(sqe *uapi.SQE) bool {
	switch sqe.Opcode {
	case uapi.IORING_OP_TIMEOUT, uapi.IORING_OP_POLL_ADD:
		return true
	case uapi.IORING_OP_ACCEPT:
		return sqe.IoPrio&uapi.IORING_ACCEPT_MULTISHOT != 0
	case uapi.IORING_OP_RECV:
		return sqe.IoPrio&uapi.IORING_RECV_MULTISHOT != 0
	}
	return false
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		c, ok := r.dequeue()
		if !ok {
			return
		}
		if c.detached {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.runChain(c)
			}()
			continue
		}
		r.runChain(c)
	}
}

// dequeue takes the next runnable chain. A drain chain starts only after
// every earlier chain has finished, and nothing after it starts until it
// finishes.
func (r *Runner) dequeue() (*chain, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if r.stopped {
			return nil, false
		}
		if r.backlog.Length() > 0 && !r.draining {
			c := r.backlog.Peek().(*chain)
			if !c.drain || r.active == 0 {
				r.backlog.Remove()
				r.active++
				if c.drain {
					r.draining = true
				}
				return c, true
			}
		}
		r.cond.Wait()
	}
}

func (r *Runner) runChain(c *chain) {
	defer func() {
		r.mu.Lock()
		r.active--
		if c.drain {
			r.draining = false
		}
		r.cond.Broadcast()
		r.mu.Unlock()
	}()

	failed := false
	for t := c.head; t != nil; t = t.next {
		if r.isStopped() {
			return
		}
		if failed {
			r.finish(t, -int32(unix.ECANCELED), 0)
			r.finishTimeout(t, -int32(unix.ECANCELED))
			continue
		}

		if !r.enter(t, TaskQueued) {
			r.finishTimeout(t, -int32(unix.ECANCELED))
			failed = !t.hard
			continue
		}

		res, flags := r.execute(t)
		timeoutRes := -int32(unix.ECANCELED)
		if res == expired {
			res, timeoutRes = -int32(unix.ECANCELED), -int32(unix.ETIME)
		}
		if !r.finish(t, res, flags) {
			// cancelled while queued; the canceller already posted
			res = -int32(unix.ECANCELED)
		}
		r.finishTimeout(t, timeoutRes)

		if res < 0 && !t.hard {
			failed = true
		}
	}
}

func (r *Runner) isStopped() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// finish posts the final completion of t unless one was already posted.
func (r *Runner) finish(t *task, res int32, flags uint32) bool {
	r.mu.Lock()
	if t.state == TaskDone {
		r.mu.Unlock()
		return false
	}
	r.retireLocked(t)
	r.mu.Unlock()
	r.post(uapi.CQE{UserData: t.sqe.UserData, Res: res, Flags: flags})
	return true
}

func (r *Runner) finishTimeout(t *task, res int32) {
	if t.timeout != nil {
		r.finish(t.timeout, res, 0)
	}
}

// emit posts an intermediate completion of a multishot entry.
func (r *Runner) emit(t *task, res int32, flags uint32) {
	r.post(uapi.CQE{UserData: t.sqe.UserData, Res: res, Flags: flags | uapi.IORING_CQE_F_MORE})
}

func (r *Runner) retireLocked(t *task) {
	t.state = TaskDone
	if r.live[t.sqe.UserData] == t {
		delete(r.live, t.sqe.UserData)
	}
	if t.sqe.Opcode != uapi.IORING_OP_TIMEOUT {
		r.tickLocked()
	}
}

// tickLocked counts one completion against every count timeout.
func (r *Runner) tickLocked() {
	kept := r.counters[:0]
	for _, c := range r.counters {
		if c.state == TaskDone {
			continue
		}
		c.remaining--
		if c.remaining == 0 {
			select {
			case c.wake <- struct{}{}:
			default:
			}
			continue
		}
		kept = append(kept, c)
	}
	r.counters = kept
}

// enter moves t to state unless it has been cancelled.
func (r *Runner) enter(t *task, state TaskState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.cancelled || t.state == TaskDone {
		return false
	}
	t.state = state
	return true
}

// deadline returns the expiry of t's linked timeout, if any.
func deadlineOf(t *task) (time.Time, bool) {
	if t.timeout == nil {
		return time.Time{}, false
	}
	d, ok := timeoutDeadline(&t.timeout.sqe)
	return d, ok
}

// ready waits until fd reports one of events, polling at PollInterval so
// that cancellation and linked timeouts are noticed. It returns 0 when the
// caller may proceed with its system call.
func (r *Runner) ready(t *task, fd int, events int16) int32 {
	if _, res := r.await(t, fd, events); res != 0 {
		return res
	}
	return r.busy(t)
}

// busy marks t as running a system call that cannot be interrupted.
func (r *Runner) busy(t *task) int32 {
	if !r.enter(t, TaskBusy) {
		return -int32(unix.ECANCELED)
	}
	return 0
}

// sleep blocks until the deadline, a count wake-up, or cancellation.
// It returns -ETIME on expiry, 0 on wake-up and -ECANCELED otherwise.
func (r *Runner) sleep(t *task, deadline time.Time) int32 {
	if !r.enter(t, TaskWaiting) {
		return -int32(unix.ECANCELED)
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-timer.C:
		return -int32(unix.ETIME)
	case <-t.wake:
		return 0
	case <-t.cancel:
		return -int32(unix.ECANCELED)
	case <-r.done:
		return -int32(unix.ECANCELED)
	}
}

// cancelLocked cancels t on behalf of a cancel entry. Queued entries are
// completed here; waiting entries are interrupted and completed by their
// goroutine.
func (r *Runner) cancelLocked(t *task, out *[]uapi.CQE) int32 {
	switch t.state {
	case TaskQueued:
		t.cancelled = true
		r.retireLocked(t)
		*out = append(*out, uapi.CQE{UserData: t.sqe.UserData, Res: -int32(unix.ECANCELED)})
		return 0
	case TaskWaiting:
		if !t.cancelled {
			t.cancelled = true
			close(t.cancel)
		}
		return 0
	case TaskBusy:
		return -int32(unix.EALREADY)
	}
	return -int32(unix.ENOENT)
}

// cancel resolves a cancel-style entry against the live set. match selects
// candidates; all cancels every match and returns the count.
func (r *Runner) cancel(self *task, all bool, match func(*task) bool) int32 {
	var posted []uapi.CQE
	res := -int32(unix.ENOENT)

	r.mu.Lock()
	count := int32(0)
	for _, t := range r.live {
		if t == self || t.state == TaskDone || !match(t) {
			continue
		}
		res = r.cancelLocked(t, &posted)
		if res == 0 {
			count++
		}
		if !all {
			break
		}
	}
	r.mu.Unlock()

	for _, cqe := range posted {
		r.post(cqe)
	}
	if all {
		if count > 0 {
			return count
		}
		return -int32(unix.ENOENT)
	}
	return res
}

// State reports the state of a live entry
func (r *Runner) State(userData uint64) (TaskState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.live[userData]
	if !ok {
		return TaskDone, false
	}
	return t.state, true
}

// Pending returns the number of entries without a final completion
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
