package uring

import (
	"iter"
	"runtime"
	"time"

	"github.com/ehrlich-b/go-uring/internal/uapi"
	"golang.org/x/sys/unix"
)

const errnoCanceled = unix.ECANCELED

// CompletionFlags are the engine's per-completion flags.
type CompletionFlags uint32

const (
	// CompletionBuffer: a provided buffer was selected, see BufferID.
	CompletionBuffer CompletionFlags = uapi.IORING_CQE_F_BUFFER
	// CompletionMore: a multishot operation will post more completions.
	CompletionMore CompletionFlags = uapi.IORING_CQE_F_MORE
	// CompletionSocketNonEmpty: more data is waiting on the socket.
	CompletionSocketNonEmpty CompletionFlags = uapi.IORING_CQE_F_SOCK_NONEMPTY
)

// Completion is the outcome of one submitted operation.
type Completion struct {
	Token  Token
	Kind   Kind
	Result ResultCode
	Flags  CompletionFlags

	selected bool
	buf      []byte // provided buffer the engine filled, if any
}

// Value decodes the result into a count or a unix.Errno.
func (c Completion) Value() (uint, error) {
	return c.Result.Value()
}

// More reports whether the operation stays in flight for further completions.
func (c Completion) More() bool {
	return c.Flags&CompletionMore != 0
}

// BufferID returns the provided buffer the engine selected.
func (c Completion) BufferID() (uint16, bool) {
	if c.Flags&CompletionBuffer == 0 {
		return 0, false
	}
	return uint16(uint32(c.Flags) >> uapi.IORING_CQE_BUFFER_SHIFT), true
}

// PollCompletions returns a one-shot sequence of up to max ready
// completions. Each yielded completion is removed from the ring; stopping
// early leaves the rest in place. It never blocks, and an empty ring
// yields nothing.
func (c *Coordinator) PollCompletions(max int) iter.Seq[Completion] {
	done := false
	return func(yield func(Completion) bool) {
		if done {
			return
		}
		done = true
		for n := 0; n < max; {
			cqe, ok := c.engine.Pop()
			if !ok {
				return
			}
			comp, ok := c.complete(&cqe)
			if !ok {
				continue
			}
			n++
			if !yield(comp) {
				return
			}
		}
	}
}

// WaitForCompletions blocks until minCount completions are ready or the
// timeout elapses (timeout <= 0 waits indefinitely), then behaves as
// PollCompletions(max). Expiry is not an error.
func (c *Coordinator) WaitForCompletions(minCount, max int, timeout time.Duration) (iter.Seq[Completion], error) {
	if c.closed {
		return c.PollCompletions(0), NewError("wait", ErrCodeClosed, "")
	}
	if minCount > 0 && c.engine.Ready() < minCount {
		if err := c.engine.Wait(minCount, timeout); err != nil {
			return c.PollCompletions(0), WrapError("wait", err)
		}
	}
	return c.PollCompletions(max), nil
}

// complete matches a completion to its in-flight record and releases the
// record unless more completions follow.
func (c *Coordinator) complete(cqe *uapi.CQE) (Completion, bool) {
	idx, rec, ok := c.table.lookup(cqe.UserData)
	if !ok {
		c.observer.ObserveStale()
		c.logger.Warn("dropping completion with no in-flight operation",
			"user_data", cqe.UserData, "res", cqe.Res)
		return Completion{}, false
	}

	comp := Completion{
		Token:  rec.token,
		Kind:   rec.kind,
		Result: FromCompletion(cqe.Res),
		Flags:  CompletionFlags(cqe.Flags),
	}
	if sel := selectionOf(rec.op); sel != nil {
		comp.selected = true
		if id, ok := comp.BufferID(); ok {
			comp.buf = c.consume(sel.Group, id)
		}
	}

	if comp.More() {
		c.observer.ObserveIntermediate(rec.kind)
		return comp, true
	}

	switch op := rec.op.(type) {
	case ProvideBuffers:
		if comp.Result.IsError() {
			c.unprovide(op)
		}
	case RemoveBuffers:
		if n, err := comp.Value(); err == nil {
			c.takeBack(op.Group, int(n))
		}
	}

	latency := time.Since(rec.submitted)
	c.observer.ObserveCompletion(rec.kind, uint64(latency.Nanoseconds()), comp.Result)
	c.table.release(idx)
	return comp, true
}

func selectionOf(op Op) *BufferSelection {
	switch o := op.(type) {
	case Read:
		return o.Select
	case Receive:
		return o.Select
	}
	return nil
}

// SelectedBuffer returns the filled part of the provided buffer chosen for
// a buffer-select completion. The buffer left the engine's pool with the
// completion and belongs to the caller from then on.
func (c *Coordinator) SelectedBuffer(comp Completion) ([]byte, bool) {
	if !comp.selected || comp.buf == nil {
		return nil, false
	}
	buf := comp.buf
	n, err := comp.Value()
	if err != nil {
		return buf[:0], true
	}
	if n > uint(len(buf)) {
		n = uint(len(buf))
	}
	return buf[:n], true
}

// bufferGroup retains the regions handed to the engine under one group id
// while the engine still holds at least one of their buffers.
type bufferGroup struct {
	ranges []ProvideBuffers
	pins   runtime.Pinner
	held   int // buffers provided and not yet consumed or removed
}

func (g *bufferGroup) buffer(id uint16) ([]byte, bool) {
	for i := len(g.ranges) - 1; i >= 0; i-- {
		if b, ok := g.ranges[i].buffer(id); ok {
			return b, true
		}
	}
	return nil, false
}

func (g *bufferGroup) release() {
	g.pins.Unpin()
	g.ranges = nil
}

func (c *Coordinator) provide(op ProvideBuffers) {
	g, ok := c.groups[op.Group]
	if !ok {
		g = &bufferGroup{}
		c.groups[op.Group] = g
	}
	g.ranges = append(g.ranges, op)
	g.held += int(op.Count)
	keepRegion(&g.pins, op.Region)
}

// consume resolves a selected buffer id and takes it out of the group's
// count. The group is released once the engine holds nothing from it.
func (c *Coordinator) consume(group, id uint16) []byte {
	g, ok := c.groups[group]
	if !ok {
		c.logger.Warn("selected buffer from unknown group", "group", group, "id", id)
		return nil
	}
	buf, ok := g.buffer(id)
	if !ok {
		c.logger.Warn("selected buffer id outside provided ranges", "group", group, "id", id)
		return nil
	}
	c.takeBack(group, 1)
	return buf
}

// takeBack records n buffers leaving the engine's pool for group.
func (c *Coordinator) takeBack(group uint16, n int) {
	g, ok := c.groups[group]
	if !ok || n <= 0 {
		return
	}
	g.held -= n
	if g.held <= 0 {
		c.dropGroup(group)
	}
}

func (c *Coordinator) unprovide(op ProvideBuffers) {
	g, ok := c.groups[op.Group]
	if !ok {
		return
	}
	addr := bytesAddr(op.Region)
	for i, r := range g.ranges {
		if bytesAddr(r.Region) == addr && r.StartID == op.StartID {
			g.ranges = append(g.ranges[:i], g.ranges[i+1:]...)
			g.held -= int(op.Count)
			break
		}
	}
	if len(g.ranges) == 0 || g.held <= 0 {
		c.dropGroup(op.Group)
	}
}

func (c *Coordinator) dropGroup(id uint16) {
	if g, ok := c.groups[id]; ok {
		g.release()
		delete(c.groups, id)
	}
}

func keepRegion(p *runtime.Pinner, b []byte) {
	if len(b) > 0 {
		p.Pin(&b[0])
	}
}
