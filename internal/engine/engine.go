// Package engine provides the completion engines: a kernel io_uring
// instance and an in-process emulation.
package engine

import (
	"github.com/brickingsoft/errors"

	"github.com/ehrlich-b/go-uring/internal/constants"
	"github.com/ehrlich-b/go-uring/internal/ring"
)

var (
	ErrClosed      = errors.Define("engine closed")
	ErrUnsupported = errors.Define("engine not supported on this system")
)

const (
	errMetaPkgKey = "pkg"
	errMetaPkgVal = "engine"
	errMetaOpKey  = "op"
)

func newError(op string, msg string, cause error) error {
	if cause == nil {
		return errors.New(
			msg,
			errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
			errors.WithMeta(errMetaOpKey, op),
		)
	}
	return errors.New(
		msg,
		errors.WithMeta(errMetaPkgKey, errMetaPkgVal),
		errors.WithMeta(errMetaOpKey, op),
		errors.WithWrap(cause),
	)
}

// Config sizes an engine
type Config struct {
	Entries   uint32
	CQEntries uint32
	Workers   int
}

// normalize rounds ring sizes to powers of two and fills defaults
func (c Config) normalize() Config {
	if c.Entries == 0 {
		c.Entries = constants.DefaultEntries
	}
	c.Entries = ring.RoundUp(c.Entries)
	if c.CQEntries == 0 {
		c.CQEntries = c.Entries * constants.CQEntriesMultiplier
	}
	c.CQEntries = ring.RoundUp(c.CQEntries)
	if c.Workers <= 0 {
		c.Workers = constants.DefaultWorkers
	}
	return c
}
