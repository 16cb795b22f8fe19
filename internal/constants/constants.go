package constants

import "time"

// Default configuration constants
const (
	// DefaultEntries is the default submission ring size
	DefaultEntries = 128

	// CQEntriesMultiplier sizes the completion ring relative to the
	// submission ring when not set explicitly
	CQEntriesMultiplier = 2

	// MaxEntries is the largest ring the engines accept
	MaxEntries = 32768

	// DefaultWorkers is the default emulated-engine worker count
	DefaultWorkers = 4

	// DefaultInFlightSlots sizes the coordinator's in-flight table
	DefaultInFlightSlots = 256

	// DefaultBlockSize is the default copy block size for the CLI (128KB)
	DefaultBlockSize = 128 * 1024
)

// Timing constants
const (
	// PollInterval bounds how long an emulated poll blocks before it
	// re-checks for cancellation
	PollInterval = 20 * time.Millisecond

	// KernelWaitSlice bounds a single kernel wait so that Close is noticed
	KernelWaitSlice = 50 * time.Millisecond
)

// Memory allocation constants
const (
	// ProvidedBufferSize is the default size of one provided buffer (64KB)
	ProvidedBufferSize = 64 * 1024
)
