package uring

import (
	"github.com/ehrlich-b/go-uring/internal/constants"
	"github.com/ehrlich-b/go-uring/internal/engine"
	"github.com/ehrlich-b/go-uring/internal/interfaces"
)

// Engine executes submitted entries and posts completions. Implementations
// are provided by NewKernelEngine, NewEmulatedEngine and NewSimEngine.
type Engine = interfaces.Engine

// Features describes engine guarantees.
type Features = interfaces.Features

// Registrar is implemented by engines with registered-file and
// registered-buffer tables.
type Registrar = interfaces.Registrar

// EngineParams contains parameters for creating an engine
type EngineParams struct {
	// Entries is the submission ring size, rounded up to a power of two
	Entries uint32

	// CQEntries is the completion ring size (default: 2 * Entries)
	CQEntries uint32

	// Workers is the number of emulated-engine worker goroutines
	Workers int
}

// DefaultEngineParams returns default engine parameters
func DefaultEngineParams() EngineParams {
	return EngineParams{
		Entries:   constants.DefaultEntries,
		CQEntries: constants.DefaultEntries * constants.CQEntriesMultiplier,
		Workers:   constants.DefaultWorkers,
	}
}

func (p EngineParams) config() (engine.Config, error) {
	if p.Entries == 0 || p.Entries > constants.MaxEntries {
		return engine.Config{}, NewError("engine", ErrCodeInvalidParameters, "entries out of range")
	}
	if p.CQEntries != 0 && p.CQEntries < p.Entries {
		return engine.Config{}, NewError("engine", ErrCodeInvalidParameters, "completion ring smaller than submission ring")
	}
	if p.Workers < 0 {
		return engine.Config{}, NewError("engine", ErrCodeInvalidParameters, "negative worker count")
	}
	return engine.Config{
		Entries:   p.Entries,
		CQEntries: p.CQEntries,
		Workers:   p.Workers,
	}, nil
}

// NewKernelEngine creates an engine backed by a Linux io_uring instance.
func NewKernelEngine(params EngineParams) (Engine, error) {
	cfg, err := params.config()
	if err != nil {
		return nil, err
	}
	e, err := engine.NewKernel(cfg)
	if err != nil {
		return nil, WrapError("kernel_engine", err)
	}
	return e, nil
}

// NewEmulatedEngine creates an in-process engine that executes entries on
// worker goroutines with ordinary system calls.
func NewEmulatedEngine(params EngineParams) (Engine, error) {
	cfg, err := params.config()
	if err != nil {
		return nil, err
	}
	e, err := engine.NewEmulated(cfg)
	if err != nil {
		return nil, WrapError("emulated_engine", err)
	}
	return e, nil
}
