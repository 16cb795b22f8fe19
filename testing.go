package uring

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/ehrlich-b/go-uring/internal/interfaces"
	"github.com/ehrlich-b/go-uring/internal/ring"
	"github.com/ehrlich-b/go-uring/internal/uapi"
)

// SimEntry is a flushed entry as seen by a SimEngine.
type SimEntry struct {
	UserData uint64
	Kind     Kind
	Flags    Flags
	Fixed    bool
	Fd       int32
	Len      uint32
	Off      uint64
	Addr     uint64
	Target   uint64 // cancel and removal target user data
	Wire     [uapi.SQESize]byte

	next uint64 // user data of the linked successor, 0 if none
	hard bool
}

// SimEngine is an in-memory engine for tests. Flushed entries wait until
// the test completes them with Complete; NoOps complete on Flush. A failed
// link completes the rest of its chain with ECANCELED.
type SimEngine struct {
	mu          sync.Mutex
	sq          *ring.Ring[uapi.SQE]
	cq          *ring.Ring[uapi.CQE]
	overflow    *queue.Queue
	outstanding map[uint64]*SimEntry
	order       []uint64
	history     []SimEntry
	features    Features
	flushErr    error
	files       []int
	buffers     [][]byte
	notify      chan struct{}
	closed      bool
}

// NewSimEngine creates a simulated engine with a submission ring of
// entries slots and a completion ring twice that size.
func NewSimEngine(entries uint32) *SimEngine {
	entries = ring.RoundUp(entries)
	return &SimEngine{
		sq:          ring.New[uapi.SQE](entries),
		cq:          ring.New[uapi.CQE](entries * 2),
		overflow:    queue.New(),
		outstanding: make(map[uint64]*SimEntry),
		features:    Features{NoDrop: true},
		notify:      make(chan struct{}, 1),
	}
}

// SetFeatures overrides the reported features.
func (s *SimEngine) SetFeatures(f Features) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features = f
}

// SetFlushError makes the next Flush fail with err without consuming.
func (s *SimEngine) SetFlushError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushErr = err
}

func (s *SimEngine) Push(sqe *uapi.SQE) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return s.sq.Push(sqe)
}

func (s *SimEngine) Space() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sq.Space()
}

func (s *SimEngine) Flush() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushErr != nil {
		err := s.flushErr
		s.flushErr = nil
		return 0, err
	}

	n := 0
	var prev *SimEntry
	for {
		sqe, ok := s.sq.Pop()
		if !ok {
			break
		}
		n++
		e := simEntry(&sqe)
		if prev != nil {
			prev.next = e.UserData
		}
		prev = nil
		if sqe.Flags&(uapi.IOSQE_IO_LINK|uapi.IOSQE_IO_HARDLINK) != 0 {
			prev = e
			e.hard = sqe.Flags&uapi.IOSQE_IO_HARDLINK != 0
		}
		s.history = append(s.history, *e)
		if e.Kind == KindNoOp {
			s.post(uapi.CQE{UserData: e.UserData})
			continue
		}
		s.outstanding[e.UserData] = e
		s.order = append(s.order, e.UserData)
	}
	return n, nil
}

func simEntry(sqe *uapi.SQE) *SimEntry {
	kind, _ := kindOf(sqe)
	e := &SimEntry{
		UserData: sqe.UserData,
		Kind:     kind,
		Flags:    Flags(sqe.Flags) &^ flagFixedFile,
		Fixed:    sqe.Flags&uapi.IOSQE_FIXED_FILE != 0,
		Fd:       sqe.Fd,
		Len:      sqe.Len,
		Off:      sqe.Off,
		Addr:     sqe.Addr,
	}
	switch kind {
	case KindCancel, KindPollRemove, KindTimeoutRemove:
		e.Target = sqe.Addr
	}
	copy(e.Wire[:], uapi.MarshalSQE(sqe))
	return e
}

// Submitted returns the flushed entries that have not been completed, in
// flush order.
func (s *SimEngine) Submitted() []SimEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimEntry, 0, len(s.outstanding))
	for _, ud := range s.order {
		if e, ok := s.outstanding[ud]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// History returns every entry ever flushed.
func (s *SimEngine) History() []SimEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SimEntry(nil), s.history...)
}

// Complete posts a final completion for an outstanding entry.
func (s *SimEngine) Complete(userData uint64, res int32) error {
	return s.CompleteWithFlags(userData, res, 0)
}

// CompleteWithFlags posts a completion with engine flags. With
// IORING_CQE_F_MORE set the entry stays outstanding.
func (s *SimEngine) CompleteWithFlags(userData uint64, res int32, flags uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.outstanding[userData]
	if !ok {
		return fmt.Errorf("sim: no outstanding entry with user data %#x", userData)
	}
	s.post(uapi.CQE{UserData: userData, Res: res, Flags: flags})
	if flags&uapi.IORING_CQE_F_MORE != 0 {
		return nil
	}
	s.retire(userData)

	// a failed soft link cancels the rest of the chain
	for res < 0 && e.next != 0 && !e.hard {
		next, ok := s.outstanding[e.next]
		if !ok {
			break
		}
		s.post(uapi.CQE{UserData: next.UserData, Res: -int32(errnoCanceled)})
		s.retire(next.UserData)
		e = next
	}
	return nil
}

// Inject posts an arbitrary completion, including ones no entry asked for.
func (s *SimEngine) Inject(cqe uapi.CQE) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.post(cqe)
}

func (s *SimEngine) retire(userData uint64) {
	delete(s.outstanding, userData)
	for i, ud := range s.order {
		if ud == userData {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *SimEngine) post(cqe uapi.CQE) {
	if s.overflow.Length() > 0 || !s.cq.Push(&cqe) {
		s.overflow.Add(cqe)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *SimEngine) Pop() (uapi.CQE, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cqe, ok := s.cq.Pop()
	for s.overflow.Length() > 0 && s.cq.Space() > 0 {
		held := s.overflow.Remove().(uapi.CQE)
		s.cq.Push(&held)
	}
	return cqe, ok
}

func (s *SimEngine) Ready() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cq.Len() + s.overflow.Length()
}

func (s *SimEngine) Wait(min int, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for s.Ready() < min {
		select {
		case <-s.notify:
		case <-deadline:
			return nil
		}
	}
	return nil
}

func (s *SimEngine) Features() Features {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.features
}

func (s *SimEngine) RegisterFiles(fds []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append([]int(nil), fds...)
	return nil
}

func (s *SimEngine) RegisterBuffers(bufs [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers = bufs
	return nil
}

// RegisteredFiles returns the current file table.
func (s *SimEngine) RegisteredFiles() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.files...)
}

func (s *SimEngine) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Compile-time interface checks
var _ interfaces.Engine = (*SimEngine)(nil)
var _ interfaces.Registrar = (*SimEngine)(nil)
