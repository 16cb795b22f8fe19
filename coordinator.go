// Package uring submits asynchronous I/O operations to a completion engine
// through a pair of shared rings and decodes their results.
//
// A Coordinator is owned by one goroutine. Submit encodes a Descriptor
// into the next free submission slot, Flush hands the batch to the engine,
// and PollCompletions or WaitForCompletions drain the completion ring:
//
//	eng, _ := uring.NewEmulatedEngine(uring.DefaultEngineParams())
//	c := uring.New(eng, nil)
//	defer c.Close()
//	c.Submit(uring.Descriptor{Op: uring.Read{Res: uring.Absolute(fd), Buf: buf}, Token: 1})
//	c.Flush()
//	seq, _ := c.WaitForCompletions(1, 1, time.Second)
//	for comp := range seq {
//		n, err := comp.Value()
//		...
//	}
package uring

import (
	"runtime"

	"github.com/ehrlich-b/go-uring/internal/constants"
	"github.com/ehrlich-b/go-uring/internal/interfaces"
	"github.com/ehrlich-b/go-uring/internal/logging"
	"github.com/ehrlich-b/go-uring/internal/uapi"
)

// Options contains optional coordinator settings
type Options struct {
	// RingID tags log lines; useful when one process runs several rings
	RingID int

	// Metrics receives built-in statistics (if nil, a new instance is created)
	Metrics *Metrics

	// Observer for metrics collection (if nil, records into Metrics)
	Observer Observer

	// InitialSlots sizes the in-flight table (grows on demand)
	InitialSlots int
}

// Coordinator owns the submission side and the completion side of one
// engine. It is not safe for concurrent use.
type Coordinator struct {
	engine   Engine
	features Features

	table    pendingTable
	targets  targetMap
	cancels  []uint32
	unflush  []flushRef
	groups   map[uint16]*bufferGroup
	fixed    runtime.Pinner
	sqe      uapi.SQE
	closed   bool
	metrics  *Metrics
	observer Observer
	logger   *logging.Logger
}

type flushRef struct {
	idx uint32
	gen uint32
}

// New creates a coordinator over engine. The coordinator takes ownership
// of the engine and closes it on Close.
func New(engine Engine, options *Options) *Coordinator {
	if options == nil {
		options = &Options{}
	}

	metrics := options.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = options.Observer
	}

	slots := options.InitialSlots
	if slots <= 0 {
		slots = constants.DefaultInFlightSlots
	}

	c := &Coordinator{
		engine:   engine,
		features: engine.Features(),
		table:    newPendingTable(slots),
		groups:   make(map[uint16]*bufferGroup),
		metrics:  metrics,
		observer: observer,
		logger:   logging.Default().WithRing(options.RingID),
	}
	c.targets = c.resolveTarget

	c.logger.Debug("coordinator created",
		"stable_submission", c.features.StableSubmission,
		"nodrop", c.features.NoDrop)

	return c
}

// Submit encodes d into the next free submission slot. It never blocks.
// When the ring is full it returns an error matching ErrBackpressure and
// leaves all state unchanged; drain completions, Flush and retry. A token
// that is already in flight is rejected with ErrDuplicateToken. Contract
// violations in d panic with *ContractError.
func (c *Coordinator) Submit(d Descriptor) error {
	if c.closed {
		return NewError("submit", ErrCodeClosed, "")
	}
	if d.Op == nil {
		panic(contractf(KindNoOp, "descriptor has no op"))
	}
	kind := d.Op.Kind()

	if _, _, dup := c.table.find(d.Token); dup {
		return NewTokenError("submit", d.Token, kind, ErrCodeDuplicateToken)
	}
	if c.engine.Space() == 0 {
		c.observer.ObserveBackpressure()
		return NewTokenError("submit", d.Token, kind, ErrCodeBackpressure)
	}

	c.cancels = c.cancels[:0]
	encodeEntry(&c.sqe, d, c.targets)

	idx, ud := c.table.insert(d.Token, kind, d.Op)
	c.sqe.UserData = ud
	if !c.engine.Push(&c.sqe) {
		c.table.release(idx)
		c.observer.ObserveBackpressure()
		return NewTokenError("submit", d.Token, kind, ErrCodeBackpressure)
	}

	rec := c.table.slots[idx]
	d.Op.retain(&rec.pins)
	for _, target := range c.cancels {
		if t := c.table.slots[target]; t.used {
			t.state = OpCancelRequested
		}
	}
	if pb, ok := d.Op.(ProvideBuffers); ok {
		c.provide(pb)
	}
	c.unflush = append(c.unflush, flushRef{idx: idx, gen: rec.gen})

	c.observer.ObserveSubmit(kind)
	c.logger.Debug("submitted", "token", uint64(d.Token), "kind", kind.String(), "flags", uint8(c.sqe.Flags))
	return nil
}

// resolveTarget maps a token named by a cancel or removal to the user data
// the engine knows it by.
func (c *Coordinator) resolveTarget(t Token) uint64 {
	idx, rec, ok := c.table.find(t)
	if !ok {
		return noTarget
	}
	c.cancels = append(c.cancels, idx)
	return userData(idx, rec.gen)
}

// Cancel submits a Cancel for target under its own token.
func (c *Coordinator) Cancel(target, token Token) error {
	return c.Submit(Descriptor{Op: Cancel{Target: target}, Token: token})
}

// Flush hands every submitted descriptor to the engine and returns how
// many the engine consumed.
func (c *Coordinator) Flush() (int, error) {
	if c.closed {
		return 0, NewError("flush", ErrCodeClosed, "")
	}
	n, err := c.engine.Flush()
	if n > 0 {
		c.observer.ObserveFlush(uint32(n))
		c.flushed(n)
	}
	c.observer.ObserveInFlight(uint32(c.table.live()))
	if err != nil {
		c.logger.WithError(err).Warn("flush failed", "consumed", n)
		return n, WrapError("flush", err)
	}
	c.logger.Debug("flushed", "consumed", n, "in_flight", c.table.live())
	return n, nil
}

// flushed drops submission-scoped retention for the first n unflushed
// entries once the engine has copied them.
func (c *Coordinator) flushed(n int) {
	if n > len(c.unflush) {
		n = len(c.unflush)
	}
	if c.features.StableSubmission {
		for _, ref := range c.unflush[:n] {
			rec := c.table.slots[ref.idx]
			if rec.used && rec.gen == ref.gen {
				rec.pins.releaseSubmit()
			}
		}
	}
	c.unflush = append(c.unflush[:0], c.unflush[n:]...)
}

// State reports the state of an in-flight token.
func (c *Coordinator) State(t Token) (OpState, bool) {
	_, rec, ok := c.table.find(t)
	if !ok {
		return 0, false
	}
	return rec.state, true
}

// InFlight returns the number of operations awaiting a final completion.
func (c *Coordinator) InFlight() int {
	return c.table.live()
}

// Features returns the engine's guarantees.
func (c *Coordinator) Features() Features {
	return c.features
}

// Metrics returns the built-in statistics.
func (c *Coordinator) Metrics() *Metrics {
	return c.metrics
}

// RegisterFiles installs the registered-file table used by Index resources.
func (c *Coordinator) RegisterFiles(fds []int) error {
	reg, ok := c.engine.(interfaces.Registrar)
	if !ok {
		return NewError("register_files", ErrCodeNotSupported, "engine has no file table")
	}
	if err := reg.RegisterFiles(fds); err != nil {
		return WrapError("register_files", err)
	}
	c.logger.Info("registered files", "count", len(fds))
	return nil
}

// RegisterBuffers installs the registered-buffer table used by ReadFixed and
// WriteFixed. The buffers stay retained until Close.
func (c *Coordinator) RegisterBuffers(bufs [][]byte) error {
	reg, ok := c.engine.(interfaces.Registrar)
	if !ok {
		return NewError("register_buffers", ErrCodeNotSupported, "engine has no buffer table")
	}
	for _, b := range bufs {
		if len(b) > 0 {
			c.fixed.Pin(&b[0])
		}
	}
	if err := reg.RegisterBuffers(bufs); err != nil {
		c.fixed.Unpin()
		return WrapError("register_buffers", err)
	}
	c.logger.Info("registered buffers", "count", len(bufs))
	return nil
}

// Close closes the engine and releases every retained buffer. Operations
// still in flight are abandoned without completions.
func (c *Coordinator) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	abandoned := c.table.live()
	err := c.engine.Close()

	c.table.releaseAll()
	for id, g := range c.groups {
		g.release()
		delete(c.groups, id)
	}
	c.fixed.Unpin()
	c.metrics.Stop()

	if abandoned > 0 {
		c.logger.Warn("closed with operations in flight", "abandoned", abandoned)
	}
	if err != nil {
		return WrapError("close", err)
	}
	return nil
}
