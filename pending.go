package uring

import (
	"time"
)

// OpState is the coordinator-side state of an in-flight operation. Once
// the final completion has been delivered the token is free again.
type OpState uint8

const (
	// OpSubmitted: the engine owns the operation.
	OpSubmitted OpState = iota
	// OpCancelRequested: a Cancel (or poll/timeout removal) naming the
	// operation has been submitted. Either its natural result or ECANCELED
	// will be delivered.
	OpCancelRequested
)

func (s OpState) String() string {
	switch s {
	case OpSubmitted:
		return "submitted"
	case OpCancelRequested:
		return "cancel-requested"
	default:
		return "unknown"
	}
}

// noTarget is never handed out as user data; cancelling it yields ENOENT.
const noTarget uint64 = 0

type pendingOp struct {
	token     Token
	kind      Kind
	op        Op
	gen       uint32
	used      bool
	state     OpState
	submitted time.Time
	pins      retainer
}

// pendingTable is an arena of in-flight records. The engine sees
// generation<<32 | (slot+1) as user data, so a completion for a recycled
// slot is recognised as stale.
type pendingTable struct {
	slots   []*pendingOp
	free    []uint32
	byToken map[Token]uint32
}

func newPendingTable(capacity int) pendingTable {
	return pendingTable{
		slots:   make([]*pendingOp, 0, capacity),
		free:    make([]uint32, 0, capacity),
		byToken: make(map[Token]uint32, capacity),
	}
}

func userData(idx uint32, gen uint32) uint64 {
	return uint64(gen)<<32 | uint64(idx+1)
}

func (t *pendingTable) insert(token Token, kind Kind, op Op) (uint32, uint64) {
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, &pendingOp{})
	}
	rec := t.slots[idx]
	rec.token = token
	rec.kind = kind
	rec.op = op
	rec.used = true
	rec.state = OpSubmitted
	rec.submitted = time.Now()
	t.byToken[token] = idx
	return idx, userData(idx, rec.gen)
}

// lookup resolves engine user data to a live record.
func (t *pendingTable) lookup(ud uint64) (uint32, *pendingOp, bool) {
	low := uint32(ud)
	if low == 0 || int(low) > len(t.slots) {
		return 0, nil, false
	}
	idx := low - 1
	rec := t.slots[idx]
	if !rec.used || rec.gen != uint32(ud>>32) {
		return 0, nil, false
	}
	return idx, rec, true
}

func (t *pendingTable) find(token Token) (uint32, *pendingOp, bool) {
	idx, ok := t.byToken[token]
	if !ok {
		return 0, nil, false
	}
	return idx, t.slots[idx], true
}

func (t *pendingTable) release(idx uint32) {
	rec := t.slots[idx]
	if !rec.used {
		return
	}
	rec.pins.release()
	delete(t.byToken, rec.token)
	rec.used = false
	rec.op = nil
	rec.gen++
	t.free = append(t.free, idx)
}

func (t *pendingTable) live() int {
	return len(t.byToken)
}

func (t *pendingTable) releaseAll() {
	for idx, rec := range t.slots {
		if rec.used {
			t.release(uint32(idx))
		}
	}
}
