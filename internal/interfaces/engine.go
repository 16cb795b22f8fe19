package interfaces

import (
	"time"

	"github.com/ehrlich-b/go-uring/internal/uapi"
)

// Features describes what an engine guarantees.
type Features struct {
	// StableSubmission: memory only read while accepting an entry
	// (timespecs, paths, message headers) may be released after Flush.
	StableSubmission bool

	// NoDrop: completions are never dropped when the completion ring is
	// full; they are held back until there is room.
	NoDrop bool

	// FastPoll: socket operations are driven by readiness polling rather
	// than blocking workers.
	FastPoll bool
}

// Engine is the out-of-process (or out-of-goroutine) party that executes
// submitted entries and posts completions. A coordinator is the only
// producer of submissions and the only consumer of completions.
type Engine interface {
	// Push copies sqe into the next free submission slot. It returns false
	// without modifying anything when the ring is full.
	Push(sqe *uapi.SQE) bool

	// Space returns the number of free submission slots.
	Space() int

	// Flush hands every pushed entry to the engine and returns how many
	// were consumed.
	Flush() (int, error)

	// Pop removes the oldest ready completion.
	Pop() (uapi.CQE, bool)

	// Ready returns the number of completions that Pop would return.
	Ready() int

	// Wait blocks until at least min completions are ready or timeout
	// elapses. Timeout expiry is not an error; timeout <= 0 waits forever.
	Wait(min int, timeout time.Duration) error

	// Features reports engine guarantees.
	Features() Features

	// Close releases the engine. Pending operations are abandoned.
	Close() error
}

// Registrar is implemented by engines with registered-file and
// registered-buffer tables.
type Registrar interface {
	// RegisterFiles installs fds as the registered-file table; -1 leaves a
	// slot empty.
	RegisterFiles(fds []int) error

	// RegisterBuffers installs bufs as the registered-buffer table.
	RegisterBuffers(bufs [][]byte) error
}
