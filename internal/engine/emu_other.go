//go:build !linux

package engine

import "github.com/ehrlich-b/go-uring/internal/interfaces"

// NewEmulated is only available on Linux
func NewEmulated(cfg Config) (interfaces.Engine, error) {
	return nil, newError("setup", "emulated engine needs linux", ErrUnsupported)
}
