package queue

import (
	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/bytedance/gopkg/lang/mcache"
)

// GetBuffer returns a pooled buffer of exactly size bytes. Capacity is
// rounded up to a power of two by the size-classed cache. Caller must call
// PutBuffer when done.
func GetBuffer(size int) []byte {
	return mcache.Malloc(size)
}

// PutBuffer returns a buffer obtained from GetBuffer. Buffers with
// non-power-of-two capacity are dropped by the cache.
func PutBuffer(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	mcache.Free(buf)
}

// Slab is one contiguous region carved into equally sized buffers, the
// shape a provided-buffer group expects.
type Slab struct {
	Region []byte
	Size   int
	Count  int
}

// NewSlab allocates count buffers of size bytes. The region is not zeroed.
func NewSlab(count, size int) *Slab {
	if count <= 0 || size <= 0 {
		return &Slab{}
	}
	return &Slab{
		Region: dirtmake.Bytes(count*size, count*size),
		Size:   size,
		Count:  count,
	}
}

// Buffer returns buffer i of the slab
func (s *Slab) Buffer(i int) []byte {
	if i < 0 || i >= s.Count {
		return nil
	}
	start := i * s.Size
	return s.Region[start : start+s.Size : start+s.Size]
}
