package uring

import "github.com/ehrlich-b/go-uring/internal/constants"

// Re-export constants for public API
const (
	DefaultEntries       = constants.DefaultEntries
	MaxEntries           = constants.MaxEntries
	DefaultWorkers       = constants.DefaultWorkers
	DefaultInFlightSlots = constants.DefaultInFlightSlots
	ProvidedBufferSize   = constants.ProvidedBufferSize
)
