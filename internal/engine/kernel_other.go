//go:build !linux

package engine

import "github.com/ehrlich-b/go-uring/internal/interfaces"

// NewKernel is only available on Linux
func NewKernel(cfg Config) (interfaces.Engine, error) {
	return nil, newError("setup", "io_uring needs linux", ErrUnsupported)
}
