//go:build linux

package queue

import (
	"sync"
	"unsafe"

	fifo "github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-uring/internal/uapi"
)

// skipSlot leaves a registered-file slot untouched in an update.
const skipSlot = -2

type fileSlot struct {
	fd    int
	owned bool // installed by a direct accept/open; closed on replace
}

type providedBuffer struct {
	addr uint64
	len  uint32
	id   uint16
}

// tables holds the registered-file table, the registered-buffer table and
// the provided-buffer groups.
type tables struct {
	mu      sync.Mutex
	files   []fileSlot
	buffers [][]byte
	groups  map[uint16]*fifo.Queue
}

func newTables() tables {
	return tables{groups: make(map[uint16]*fifo.Queue)}
}

// RegisterFiles replaces the registered-file table. -1 leaves a slot empty.
func (r *Runner) RegisterFiles(fds []int) error {
	tb := &r.tables
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for _, s := range tb.files {
		if s.owned && s.fd >= 0 {
			unix.Close(s.fd)
		}
	}
	tb.files = make([]fileSlot, len(fds))
	for i, fd := range fds {
		tb.files[i] = fileSlot{fd: fd}
	}
	return nil
}

// RegisterBuffers replaces the registered-buffer table
func (r *Runner) RegisterBuffers(bufs [][]byte) error {
	for _, b := range bufs {
		if len(b) == 0 {
			return unix.EINVAL
		}
	}
	tb := &r.tables
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.buffers = bufs
	return nil
}

// Files returns a copy of the registered-file table
func (r *Runner) Files() []int {
	tb := &r.tables
	tb.mu.Lock()
	defer tb.mu.Unlock()
	out := make([]int, len(tb.files))
	for i, s := range tb.files {
		out[i] = s.fd
	}
	return out
}

// Buffered returns how many provided buffers group holds
func (r *Runner) Buffered(group uint16) int {
	tb := &r.tables
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if q, ok := tb.groups[group]; ok {
		return q.Length()
	}
	return 0
}

func (tb *tables) file(idx int32) (int, int32) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if idx < 0 || int(idx) >= len(tb.files) || tb.files[idx].fd < 0 {
		return -1, -int32(unix.EBADF)
	}
	return tb.files[idx].fd, 0
}

// install places a new descriptor at a table slot. slot is file_index as
// encoded: the slot plus one, or IORING_FILE_INDEX_ALLOC.
func (tb *tables) install(fd int, slot uint32) int32 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if slot == uapi.IORING_FILE_INDEX_ALLOC {
		for i := range tb.files {
			if tb.files[i].fd < 0 {
				tb.files[i] = fileSlot{fd: fd, owned: true}
				return int32(i)
			}
		}
		unix.Close(fd)
		return -int32(unix.ENFILE)
	}

	idx := int(slot) - 1
	if idx < 0 || idx >= len(tb.files) {
		unix.Close(fd)
		return -int32(unix.EINVAL)
	}
	if old := tb.files[idx]; old.owned && old.fd >= 0 {
		unix.Close(old.fd)
	}
	tb.files[idx] = fileSlot{fd: fd, owned: true}
	return 0
}

// remove empties a table slot, closing the descriptor if the table owns it.
func (tb *tables) remove(idx int) int32 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if idx < 0 || idx >= len(tb.files) || tb.files[idx].fd < 0 {
		return -int32(unix.EBADF)
	}
	s := tb.files[idx]
	tb.files[idx] = fileSlot{fd: -1}
	if s.owned {
		return errnoResult(unix.Close(s.fd))
	}
	return 0
}

// update rewrites count slots from offset; it returns the number updated.
func (tb *tables) update(fds []int32, offset uint32) int32 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if uint64(offset)+uint64(len(fds)) > uint64(len(tb.files)) {
		return -int32(unix.EINVAL)
	}
	n := int32(0)
	for i, fd := range fds {
		if fd == skipSlot {
			n++
			continue
		}
		slot := &tb.files[int(offset)+i]
		if slot.owned && slot.fd >= 0 {
			unix.Close(slot.fd)
		}
		*slot = fileSlot{fd: int(fd)}
		n++
	}
	return n
}

// fixedBuffer checks that [addr, addr+n) lies inside registered buffer idx.
func (tb *tables) fixedBuffer(idx uint16, addr uint64, n uint32) int32 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if int(idx) >= len(tb.buffers) {
		return -int32(unix.EFAULT)
	}
	b := tb.buffers[idx]
	start := uint64(uintptr(unsafe.Pointer(&b[0])))
	if addr < start || addr+uint64(n) > start+uint64(len(b)) {
		return -int32(unix.EFAULT)
	}
	return 0
}

func (tb *tables) provide(group uint16, addr uint64, size uint32, count uint32, start uint16) int32 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	q, ok := tb.groups[group]
	if !ok {
		q = fifo.New()
		tb.groups[group] = q
	}
	for i := uint32(0); i < count; i++ {
		q.Add(providedBuffer{
			addr: addr + uint64(i)*uint64(size),
			len:  size,
			id:   start + uint16(i),
		})
	}
	return 0
}

func (tb *tables) removeBuffers(group uint16, count uint32) int32 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	q, ok := tb.groups[group]
	if !ok || q.Length() == 0 {
		return -int32(unix.ENOENT)
	}
	n := int32(0)
	for uint32(n) < count && q.Length() > 0 {
		q.Remove()
		n++
	}
	if q.Length() == 0 {
		delete(tb.groups, group)
	}
	return n
}

func (tb *tables) take(group uint16) (providedBuffer, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	q, ok := tb.groups[group]
	if !ok || q.Length() == 0 {
		return providedBuffer{}, false
	}
	return q.Remove().(providedBuffer), true
}

// giveBack returns an unused buffer to its group
func (tb *tables) giveBack(group uint16, b providedBuffer) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	q, ok := tb.groups[group]
	if !ok {
		q = fifo.New()
		tb.groups[group] = q
	}
	q.Add(b)
}

func (tb *tables) closeOwned() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for i, s := range tb.files {
		if s.owned && s.fd >= 0 {
			unix.Close(s.fd)
			tb.files[i] = fileSlot{fd: -1}
		}
	}
}
