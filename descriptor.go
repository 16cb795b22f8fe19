package uring

import (
	"math"
	"runtime"
	"time"
	"unsafe"

	"github.com/ehrlich-b/go-uring/internal/uapi"
)

// Token correlates a submission with its completion. It is chosen by the
// caller and must be unique among the operations in flight on one
// Coordinator.
type Token uint64

// Flags control how the engine schedules a descriptor.
type Flags uint8

const (
	// FlagDrain waits for all previously submitted operations to complete.
	FlagDrain Flags = uapi.IOSQE_IO_DRAIN
	// FlagLink makes the next descriptor depend on this one succeeding.
	FlagLink Flags = uapi.IOSQE_IO_LINK
	// FlagHardLink links the next descriptor regardless of this outcome.
	FlagHardLink Flags = uapi.IOSQE_IO_HARDLINK
	// FlagAsync forces execution off the submission path.
	FlagAsync Flags = uapi.IOSQE_ASYNC

	// derived from the resource and the op, never set by callers
	flagFixedFile    Flags = uapi.IOSQE_FIXED_FILE
	flagBufferSelect Flags = uapi.IOSQE_BUFFER_SELECT

	callerFlags = FlagDrain | FlagLink | FlagHardLink | FlagAsync
)

// PriorityClass is the I/O scheduling class.
type PriorityClass uint8

const (
	PriorityNone       PriorityClass = uapi.IOPRIO_CLASS_NONE
	PriorityRealTime   PriorityClass = uapi.IOPRIO_CLASS_RT
	PriorityBestEffort PriorityClass = uapi.IOPRIO_CLASS_BE
	PriorityIdle       PriorityClass = uapi.IOPRIO_CLASS_IDLE
)

// Priority is a compressed I/O priority: class in the top three bits,
// level in the rest.
type Priority uint16

// NewPriority packs a class and a level in [0, 7].
func NewPriority(class PriorityClass, level uint8) Priority {
	if class > PriorityIdle || level > 7 {
		panic(contractf(KindNoOp, "invalid priority class %d level %d", class, level))
	}
	return Priority(uint16(class)<<uapi.IOPRIO_CLASS_SHIFT | uint16(level))
}

// Class returns the scheduling class.
func (p Priority) Class() PriorityClass {
	return PriorityClass(uint16(p) >> uapi.IOPRIO_CLASS_SHIFT)
}

// Level returns the level within the class.
func (p Priority) Level() uint8 {
	return uint8(uint16(p) & uapi.IOPRIO_PRIO_MASK)
}

// CurrentPosition as an offset reads or writes at the file position and
// advances it.
const CurrentPosition = math.MaxUint64

// NoOffset marks an absent splice offset.
const NoOffset int64 = -1

// Timespec mirrors the engine's 64-bit timespec.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// NewTimespec converts a duration.
func NewTimespec(d time.Duration) *Timespec {
	return &Timespec{Sec: int64(d / time.Second), Nsec: int64(d % time.Second)}
}

// Duration converts back to a duration.
func (ts *Timespec) Duration() time.Duration {
	return time.Duration(ts.Sec)*time.Second + time.Duration(ts.Nsec)
}

// BufferSelection asks the engine to pick a buffer from a provided group
// instead of using a caller buffer.
type BufferSelection struct {
	Group uint16
	Len   uint32
}

// Op is one operation variant. The set of implementations is closed.
type Op interface {
	Kind() Kind
	encode(e *encoder)
	retain(r *retainer)
}

// Descriptor is a fully described asynchronous operation.
type Descriptor struct {
	Op       Op
	Flags    Flags
	Priority Priority
	Token    Token
}

// Kind returns the kind of the contained op.
func (d Descriptor) Kind() Kind {
	if d.Op == nil {
		return KindNoOp
	}
	return d.Op.Kind()
}

// Encode returns the 64-byte wire image of d. The token is written
// verbatim. Panics on contract violations.
func Encode(d Descriptor) [uapi.SQESize]byte {
	var sqe uapi.SQE
	encodeEntry(&sqe, d, nil)
	var out [uapi.SQESize]byte
	copy(out[:], uapi.MarshalSQE(&sqe))
	return out
}

// targetMap translates a token referenced by an op (cancel and remove
// targets) into the engine-visible user data.
type targetMap func(Token) uint64

func encodeEntry(sqe *uapi.SQE, d Descriptor, targets targetMap) {
	if d.Op == nil {
		panic(contractf(KindNoOp, "descriptor has no op"))
	}
	k := d.Op.Kind()
	if !k.Valid() {
		panic(contractf(k, "unknown kind"))
	}
	if d.Flags&^callerFlags != 0 {
		panic(contractf(k, "flags %#x are derived and may not be set by callers", uint8(d.Flags&^callerFlags)))
	}
	if d.Priority != 0 && reusesPriority(k) {
		panic(contractf(k, "priority is not supported by this kind"))
	}

	sqe.Reset()
	sqe.Opcode = k.Opcode()
	sqe.IoPrio = uint16(d.Priority)
	sqe.UserData = uint64(d.Token)

	e := encoder{sqe: sqe, kind: k, targets: targets}
	d.Op.encode(&e)
	sqe.Flags |= uint8(d.Flags)
}

// reusesPriority reports kinds whose priority slot carries their own flags.
func reusesPriority(k Kind) bool {
	switch k {
	case KindAccept, KindSend, KindReceive, KindSendMessage, KindReceiveMessage:
		return true
	}
	return false
}

type encoder struct {
	sqe     *uapi.SQE
	kind    Kind
	targets targetMap
}

func (e *encoder) fail(format string, args ...any) {
	panic(contractf(e.kind, format, args...))
}

// resource writes the fd slot. Required resources may not be Irrelevant.
func (e *encoder) resource(r Resource) {
	if r.IsIrrelevant() {
		e.fail("resource is required")
	}
	fd, fixed := r.resolve()
	e.sqe.Fd = fd
	if fixed {
		e.sqe.Flags |= uint8(flagFixedFile)
	}
}

// absolute writes the fd slot from a resource that may not be an index.
func (e *encoder) absolute(r Resource) {
	if !r.IsAbsolute() {
		e.fail("resource %s must be an absolute descriptor", r)
	}
	e.sqe.Fd = r.fd
}

func (e *encoder) noResource() {
	e.sqe.Fd = -1
}

// direct writes an install-target slot; only Index or Irrelevant are legal.
func (e *encoder) direct(r Resource) {
	if r.IsAbsolute() {
		e.fail("direct target must be a table slot")
	}
	e.sqe.SetFileIndex(r.directSlot())
}

func (e *encoder) length(n int) uint32 {
	if n < 0 || uint64(n) > math.MaxUint32 {
		e.fail("length %d does not fit in 32 bits", n)
	}
	return uint32(n)
}

// buffer writes addr and len from a byte slice.
func (e *encoder) buffer(b []byte) {
	e.sqe.Len = e.length(len(b))
	if len(b) > 0 {
		e.sqe.Addr = uint64(uintptr(unsafe.Pointer(&b[0])))
	}
}

func (e *encoder) selection(sel *BufferSelection, b []byte) bool {
	if sel == nil {
		return false
	}
	if b != nil {
		e.fail("buffer selection excludes a caller buffer")
	}
	if sel.Len == 0 {
		e.fail("buffer selection needs a length")
	}
	e.sqe.Len = sel.Len
	e.sqe.BufIndex = sel.Group
	e.sqe.Flags |= uint8(flagBufferSelect)
	return true
}

func (e *encoder) target(t Token) uint64 {
	if e.targets == nil {
		return uint64(t)
	}
	return e.targets(t)
}

func addrOf[T any](p *T) uint64 {
	return uint64(uintptr(unsafe.Pointer(p)))
}

func bytesAddr(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

// retainer keeps memory referenced by an op reachable and pinned. Memory
// the engine only reads while accepting a submission is released early
// when the engine copies it at submission time.
type retainer struct {
	submit   runtime.Pinner
	complete runtime.Pinner
}

func (r *retainer) releaseSubmit() {
	r.submit.Unpin()
}

func (r *retainer) release() {
	r.submit.Unpin()
	r.complete.Unpin()
}

func keepUntilSubmit[T any](r *retainer, p *T) {
	if p != nil {
		r.submit.Pin(p)
	}
}

func keepUntilComplete[T any](r *retainer, p *T) {
	if p != nil {
		r.complete.Pin(p)
	}
}

func keepBytes(r *retainer, b []byte) {
	if len(b) > 0 {
		r.complete.Pin(&b[0])
	}
}

func keepPathBytes(r *retainer, b []byte) {
	if len(b) > 0 {
		r.submit.Pin(&b[0])
	}
}
