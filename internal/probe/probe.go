// Package probe inspects the running kernel for io_uring support.
package probe

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-uring/internal/interfaces"
	"github.com/ehrlich-b/go-uring/internal/uapi"
)

// Version is a kernel release number
type Version struct {
	Major   int
	Minor   int
	Patch   int
	Release string
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// AtLeast reports whether v >= major.minor
func (v Version) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// Kernel returns the running kernel version
func Kernel() (Version, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return Version{}, err
	}
	return ParseRelease(unix.ByteSliceToString(uts.Release[:]))
}

// ParseRelease parses a release string such as "6.8.0-45-generic".
func ParseRelease(release string) (Version, error) {
	v := Version{Release: release}
	core := release
	if i := strings.IndexAny(core, "-+~ "); i >= 0 {
		core = core[:i]
	}
	parts := strings.SplitN(core, ".", 3)
	if len(parts) < 2 {
		return v, fmt.Errorf("malformed kernel release %q", release)
	}
	nums := []*int{&v.Major, &v.Minor, &v.Patch}
	for i, p := range parts {
		n, err := strconv.Atoi(leadingDigits(p))
		if err != nil {
			if i == 2 {
				break
			}
			return v, fmt.Errorf("malformed kernel release %q: %w", release, err)
		}
		*nums[i] = n
	}
	return v, nil
}

func leadingDigits(s string) string {
	for i, c := range s {
		if c < '0' || c > '9' {
			return s[:i]
		}
	}
	return s
}

// Features maps a kernel version to the guarantees its io_uring gives.
func Features(v Version) interfaces.Features {
	return interfaces.Features{
		StableSubmission: v.AtLeast(5, 5),
		NoDrop:           v.AtLeast(5, 5),
		FastPoll:         v.AtLeast(5, 7),
	}
}

// opcodeSince lists the release that introduced each opcode
var opcodeSince = [uapi.IORING_OP_LAST][2]int{
	uapi.IORING_OP_NOP:             {5, 1},
	uapi.IORING_OP_READV:           {5, 1},
	uapi.IORING_OP_WRITEV:          {5, 1},
	uapi.IORING_OP_FSYNC:           {5, 1},
	uapi.IORING_OP_READ_FIXED:      {5, 1},
	uapi.IORING_OP_WRITE_FIXED:     {5, 1},
	uapi.IORING_OP_POLL_ADD:        {5, 1},
	uapi.IORING_OP_POLL_REMOVE:     {5, 1},
	uapi.IORING_OP_SYNC_FILE_RANGE: {5, 2},
	uapi.IORING_OP_SENDMSG:         {5, 3},
	uapi.IORING_OP_RECVMSG:         {5, 3},
	uapi.IORING_OP_TIMEOUT:         {5, 4},
	uapi.IORING_OP_TIMEOUT_REMOVE:  {5, 5},
	uapi.IORING_OP_ACCEPT:          {5, 5},
	uapi.IORING_OP_ASYNC_CANCEL:    {5, 5},
	uapi.IORING_OP_LINK_TIMEOUT:    {5, 5},
	uapi.IORING_OP_CONNECT:         {5, 5},
	uapi.IORING_OP_FALLOCATE:       {5, 6},
	uapi.IORING_OP_OPENAT:          {5, 6},
	uapi.IORING_OP_CLOSE:           {5, 6},
	uapi.IORING_OP_FILES_UPDATE:    {5, 6},
	uapi.IORING_OP_STATX:           {5, 6},
	uapi.IORING_OP_READ:            {5, 6},
	uapi.IORING_OP_WRITE:           {5, 6},
	uapi.IORING_OP_FADVISE:         {5, 6},
	uapi.IORING_OP_MADVISE:         {5, 6},
	uapi.IORING_OP_SEND:            {5, 6},
	uapi.IORING_OP_RECV:            {5, 6},
	uapi.IORING_OP_OPENAT2:         {5, 6},
	uapi.IORING_OP_EPOLL_CTL:       {5, 6},
	uapi.IORING_OP_SPLICE:          {5, 7},
	uapi.IORING_OP_PROVIDE_BUFFERS: {5, 7},
	uapi.IORING_OP_REMOVE_BUFFERS:  {5, 7},
	uapi.IORING_OP_TEE:             {5, 8},
	uapi.IORING_OP_SHUTDOWN:        {5, 11},
	uapi.IORING_OP_RENAMEAT:        {5, 11},
	uapi.IORING_OP_UNLINKAT:        {5, 11},
	uapi.IORING_OP_MKDIRAT:         {5, 15},
}

// Supports reports whether a kernel of version v accepts opcode.
func Supports(v Version, opcode uint8) bool {
	if int(opcode) >= len(opcodeSince) {
		return false
	}
	since := opcodeSince[opcode]
	return v.AtLeast(since[0], since[1])
}
