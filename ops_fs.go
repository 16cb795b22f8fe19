package uring

import (
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// cstring returns a NUL-terminated copy of s. Panics on embedded NUL.
func cstring(k Kind, s string) []byte {
	if strings.IndexByte(s, 0) >= 0 {
		panic(contractf(k, "path %q contains NUL", s))
	}
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

func encodePath(e *encoder, path []byte) {
	if len(path) == 0 {
		e.fail("path is required, build the op with its constructor")
	}
	e.sqe.Addr = bytesAddr(path)
}

func pathString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return string(b[:len(b)-1])
}

// OpenAt opens a path relative to Dir (openat(2)).
type OpenAt struct {
	Dir    Resource
	Flags  int
	Mode   uint32
	Direct Resource
	path   []byte
}

// NewOpenAt builds an OpenAt for path.
func NewOpenAt(dir Resource, path string, flags int, mode uint32) OpenAt {
	return OpenAt{Dir: dir, Flags: flags, Mode: mode, path: cstring(KindOpenAt, path)}
}

// Path returns the target path.
func (o OpenAt) Path() string { return pathString(o.path) }

func (OpenAt) Kind() Kind { return KindOpenAt }

func (o OpenAt) encode(e *encoder) {
	e.resource(o.Dir)
	encodePath(e, o.path)
	e.sqe.Len = o.Mode
	e.sqe.OpFlags = uint32(o.Flags)
	e.direct(o.Direct)
}

func (o OpenAt) retain(r *retainer) { keepPathBytes(r, o.path) }

// OpenAt2 opens a path with an extended open_how (openat2(2)).
type OpenAt2 struct {
	Dir    Resource
	How    *unix.OpenHow
	Direct Resource
	path   []byte
}

// NewOpenAt2 builds an OpenAt2 for path.
func NewOpenAt2(dir Resource, path string, how *unix.OpenHow) OpenAt2 {
	return OpenAt2{Dir: dir, How: how, path: cstring(KindOpenAt2, path)}
}

func (o OpenAt2) Path() string { return pathString(o.path) }

func (OpenAt2) Kind() Kind { return KindOpenAt2 }

func (o OpenAt2) encode(e *encoder) {
	e.resource(o.Dir)
	encodePath(e, o.path)
	if o.How == nil {
		e.fail("open_how is required")
	}
	e.sqe.Len = uint32(unsafe.Sizeof(*o.How))
	e.sqe.Off = addrOf(o.How)
	e.direct(o.Direct)
}

func (o OpenAt2) retain(r *retainer) {
	keepPathBytes(r, o.path)
	keepUntilSubmit(r, o.How)
}

// Close closes a descriptor, or releases a registered-table slot.
type Close struct {
	Res Resource
}

func (Close) Kind() Kind { return KindClose }

func (o Close) encode(e *encoder) {
	switch {
	case o.Res.IsAbsolute():
		e.sqe.Fd = o.Res.fd
	case o.Res.IsIndex():
		e.sqe.Fd = 0
		e.sqe.SetFileIndex(o.Res.directSlot())
	default:
		e.fail("resource is required")
	}
}

func (Close) retain(r *retainer) {}

// Statx fetches extended file status into Out (statx(2)).
type Statx struct {
	Dir   Resource
	Flags int
	Mask  uint32
	Out   *unix.Statx_t
	path  []byte
}

// NewStatx builds a Statx for path.
func NewStatx(dir Resource, path string, flags int, mask uint32, out *unix.Statx_t) Statx {
	return Statx{Dir: dir, Flags: flags, Mask: mask, Out: out, path: cstring(KindStatx, path)}
}

func (o Statx) Path() string { return pathString(o.path) }

func (Statx) Kind() Kind { return KindStatx }

func (o Statx) encode(e *encoder) {
	e.resource(o.Dir)
	encodePath(e, o.path)
	if o.Out == nil {
		e.fail("output buffer is required")
	}
	e.sqe.Len = o.Mask
	e.sqe.Off = addrOf(o.Out)
	e.sqe.OpFlags = uint32(o.Flags)
}

func (o Statx) retain(r *retainer) {
	keepPathBytes(r, o.path)
	keepUntilComplete(r, o.Out)
}

// RenameAt renames OldDir/old to NewDir/new (renameat2(2) flags).
type RenameAt struct {
	OldDir  Resource
	NewDir  Resource
	Flags   uint32
	oldPath []byte
	newPath []byte
}

// NewRenameAt builds a RenameAt.
func NewRenameAt(oldDir Resource, oldPath string, newDir Resource, newPath string, flags uint32) RenameAt {
	return RenameAt{
		OldDir:  oldDir,
		NewDir:  newDir,
		Flags:   flags,
		oldPath: cstring(KindRenameAt, oldPath),
		newPath: cstring(KindRenameAt, newPath),
	}
}

func (RenameAt) Kind() Kind { return KindRenameAt }

func (o RenameAt) encode(e *encoder) {
	e.absolute(o.OldDir)
	encodePath(e, o.oldPath)
	if !o.NewDir.IsAbsolute() {
		e.fail("new directory must be an absolute descriptor")
	}
	if len(o.newPath) == 0 {
		e.fail("new path is required")
	}
	e.sqe.Len = uint32(o.NewDir.fd)
	e.sqe.Off = bytesAddr(o.newPath)
	e.sqe.OpFlags = o.Flags
}

func (o RenameAt) retain(r *retainer) {
	keepPathBytes(r, o.oldPath)
	keepPathBytes(r, o.newPath)
}

// UnlinkAt removes a path (AT_REMOVEDIR for directories).
type UnlinkAt struct {
	Dir   Resource
	Flags int
	path  []byte
}

// NewUnlinkAt builds an UnlinkAt.
func NewUnlinkAt(dir Resource, path string, flags int) UnlinkAt {
	return UnlinkAt{Dir: dir, Flags: flags, path: cstring(KindUnlinkAt, path)}
}

func (UnlinkAt) Kind() Kind { return KindUnlinkAt }

func (o UnlinkAt) encode(e *encoder) {
	e.absolute(o.Dir)
	encodePath(e, o.path)
	e.sqe.OpFlags = uint32(o.Flags)
}

func (o UnlinkAt) retain(r *retainer) { keepPathBytes(r, o.path) }

// MkdirAt creates a directory.
type MkdirAt struct {
	Dir  Resource
	Mode uint32
	path []byte
}

// NewMkdirAt builds a MkdirAt.
func NewMkdirAt(dir Resource, path string, mode uint32) MkdirAt {
	return MkdirAt{Dir: dir, Mode: mode, path: cstring(KindMkdirAt, path)}
}

func (MkdirAt) Kind() Kind { return KindMkdirAt }

func (o MkdirAt) encode(e *encoder) {
	e.absolute(o.Dir)
	encodePath(e, o.path)
	e.sqe.Len = o.Mode
}

func (o MkdirAt) retain(r *retainer) { keepPathBytes(r, o.path) }

// FilesUpdate replaces registered-table slots starting at Offset with Fds
// (-1 clears a slot). The length slot carries the slot count.
type FilesUpdate struct {
	Fds    []int32
	Offset uint32
}

func (FilesUpdate) Kind() Kind { return KindFilesUpdate }

func (o FilesUpdate) encode(e *encoder) {
	e.noResource()
	if len(o.Fds) == 0 {
		e.fail("no descriptors to update")
	}
	e.sqe.Addr = addrOf(&o.Fds[0])
	e.sqe.Len = e.length(len(o.Fds))
	e.sqe.Off = uint64(o.Offset)
}

func (o FilesUpdate) retain(r *retainer) {
	if len(o.Fds) > 0 {
		keepUntilComplete(r, &o.Fds[0])
	}
}
