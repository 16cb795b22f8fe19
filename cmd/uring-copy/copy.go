package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-uring"
	"github.com/ehrlich-b/go-uring/internal/constants"
	"github.com/ehrlich-b/go-uring/internal/logging"
	"github.com/ehrlich-b/go-uring/internal/queue"
)

// cancelBit marks tokens used for cancel requests.
const cancelBit uring.Token = 1 << 63

// chunk is one block of the file. It is read fully into buf, then written
// fully, with exactly one operation in flight at a time.
type chunk struct {
	buf     []byte
	off     int64
	done    int
	writing bool
}

// copier pipelines reads from src into writes to dst through one
// coordinator. Up to depth chunks are in flight at once.
type copier struct {
	c      *uring.Coordinator
	src    int
	dst    int
	size   int64
	block  int
	depth  int
	logger *logging.Logger

	next      int64
	seq       uring.Token
	tokens    map[uring.Token]*chunk
	retry     []*chunk
	copied    int64
	cancelled bool
	err       error
}

func newCopier(c *uring.Coordinator, src, dst int, size int64, block, depth int) *copier {
	return &copier{
		c:      c,
		src:    src,
		dst:    dst,
		size:   size,
		block:  block,
		depth:  depth,
		logger: logging.Default(),
		tokens: make(map[uring.Token]*chunk, depth),
	}
}

// run copies until the whole source is written, an operation fails, or ctx
// is cancelled. It returns the number of bytes written.
func (cp *copier) run(ctx context.Context) (int64, error) {
	for {
		if ctx.Err() != nil && !cp.cancelled {
			cp.logger.Info("interrupted, cancelling in-flight operations", "in_flight", len(cp.tokens))
			cp.cancelAll()
			if cp.err == nil {
				cp.err = ctx.Err()
			}
		}

		if err := cp.fill(); err != nil {
			return cp.copied, err
		}
		if _, err := cp.c.Flush(); err != nil && !uring.IsBackpressure(err) {
			return cp.copied, err
		}

		if len(cp.tokens) == 0 && len(cp.retry) == 0 && cp.c.InFlight() == 0 {
			if cp.cancelled || cp.next >= cp.size {
				return cp.copied, cp.err
			}
			continue
		}

		seq, err := cp.c.WaitForCompletions(1, 2*cp.depth, constants.PollInterval*5)
		if err != nil {
			return cp.copied, err
		}
		for comp := range seq {
			cp.handle(comp)
		}
	}
}

// fill resubmits chunks that hit backpressure, then starts new chunks
// until depth is reached.
func (cp *copier) fill() error {
	if cp.cancelled {
		for _, ch := range cp.retry {
			queue.PutBuffer(ch.buf)
		}
		cp.retry = cp.retry[:0]
		return nil
	}

	pending := cp.retry
	cp.retry = nil
	for i, ch := range pending {
		if err := cp.submit(ch); err != nil {
			if uring.IsBackpressure(err) {
				cp.retry = append(cp.retry, pending[i:]...)
				return nil
			}
			return err
		}
	}

	for cp.next < cp.size && len(cp.tokens)+len(cp.retry) < cp.depth {
		n := int64(cp.block)
		if rem := cp.size - cp.next; rem < n {
			n = rem
		}
		ch := &chunk{buf: queue.GetBuffer(cp.block)[:n], off: cp.next}
		cp.next += n
		if err := cp.submit(ch); err != nil {
			if uring.IsBackpressure(err) {
				cp.retry = append(cp.retry, ch)
				return nil
			}
			queue.PutBuffer(ch.buf)
			return err
		}
	}
	return nil
}

// submit issues the chunk's next read or write.
func (cp *copier) submit(ch *chunk) error {
	cp.seq++
	tok := cp.seq
	var op uring.Op
	if ch.writing {
		op = uring.Write{Res: uring.Absolute(cp.dst), Buf: ch.buf[ch.done:], Offset: uint64(ch.off) + uint64(ch.done)}
	} else {
		op = uring.Read{Res: uring.Absolute(cp.src), Buf: ch.buf[ch.done:], Offset: uint64(ch.off) + uint64(ch.done)}
	}
	if err := cp.c.Submit(uring.Descriptor{Op: op, Token: tok}); err != nil {
		return err
	}
	cp.tokens[tok] = ch
	return nil
}

func (cp *copier) handle(comp uring.Completion) {
	if comp.Token&cancelBit != 0 {
		return
	}
	ch, ok := cp.tokens[comp.Token]
	if !ok {
		cp.logger.Warn("completion for unknown token", "token", uint64(comp.Token))
		return
	}
	delete(cp.tokens, comp.Token)

	n, err := comp.Value()
	if err == nil && n == 0 {
		if ch.writing {
			err = fmt.Errorf("no progress writing offset %d", ch.off+int64(ch.done))
		} else {
			err = fmt.Errorf("source truncated at offset %d", ch.off+int64(ch.done))
		}
	}
	if err != nil {
		if cp.cancelled && errors.Is(err, unix.ECANCELED) {
			queue.PutBuffer(ch.buf)
			return
		}
		cp.logger.WithOp(uint64(comp.Token), comp.Kind.String()).WithError(err).Error("operation failed", "offset", ch.off)
		if cp.err == nil {
			cp.err = fmt.Errorf("%s at offset %d: %w", comp.Kind, ch.off+int64(ch.done), err)
		}
		queue.PutBuffer(ch.buf)
		cp.cancelAll()
		return
	}

	ch.done += int(n)
	if ch.done == len(ch.buf) {
		if ch.writing {
			cp.copied += int64(len(ch.buf))
			queue.PutBuffer(ch.buf)
			return
		}
		ch.writing = true
		ch.done = 0
	}
	if cp.cancelled {
		queue.PutBuffer(ch.buf)
		return
	}
	if err := cp.submit(ch); err != nil {
		if uring.IsBackpressure(err) {
			cp.retry = append(cp.retry, ch)
			return
		}
		cp.logger.WithError(err).Error("resubmit failed", "offset", ch.off)
		if cp.err == nil {
			cp.err = err
		}
		queue.PutBuffer(ch.buf)
		cp.cancelAll()
	}
}

// cancelAll stops new work and requests cancellation of every operation
// still in flight.
func (cp *copier) cancelAll() {
	if cp.cancelled {
		return
	}
	cp.cancelled = true
	for tok := range cp.tokens {
		if err := cp.c.Cancel(tok, cancelBit|tok); err != nil {
			cp.logger.WithError(err).Debug("cancel not submitted", "token", uint64(tok))
		}
	}
}

// summary renders the coordinator statistics for the end of a run.
func summary(s uring.MetricsSnapshot, copied int64, elapsed time.Duration) string {
	rate := float64(0)
	if elapsed > 0 {
		rate = float64(copied) / elapsed.Seconds()
	}
	return fmt.Sprintf(
		"copied %s in %v (%s/s)\n"+
			"  submitted %d, completed %d, failed %d, cancelled %d\n"+
			"  flushes %d (avg batch %.1f), max in flight %d, backpressure %d\n"+
			"  latency avg %v, p50 %v, p99 %v",
		formatSize(copied), elapsed.Round(time.Millisecond), formatSize(int64(rate)),
		s.Submitted, s.Completed, s.Failed, s.Cancelled,
		s.Flushes, s.AvgFlushBatch, s.MaxInFlight, s.Backpressure,
		time.Duration(s.AvgLatencyNs), time.Duration(s.LatencyP50Ns), time.Duration(s.LatencyP99Ns),
	)
}
