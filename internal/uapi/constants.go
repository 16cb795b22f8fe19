// Package uapi provides Linux kernel UAPI definitions for io_uring
package uapi

// Opcodes (enum io_uring_op)
const (
	IORING_OP_NOP             = 0
	IORING_OP_READV           = 1
	IORING_OP_WRITEV          = 2
	IORING_OP_FSYNC           = 3
	IORING_OP_READ_FIXED      = 4
	IORING_OP_WRITE_FIXED     = 5
	IORING_OP_POLL_ADD        = 6
	IORING_OP_POLL_REMOVE     = 7
	IORING_OP_SYNC_FILE_RANGE = 8
	IORING_OP_SENDMSG         = 9
	IORING_OP_RECVMSG         = 10
	IORING_OP_TIMEOUT         = 11
	IORING_OP_TIMEOUT_REMOVE  = 12
	IORING_OP_ACCEPT          = 13
	IORING_OP_ASYNC_CANCEL    = 14
	IORING_OP_LINK_TIMEOUT    = 15
	IORING_OP_CONNECT         = 16
	IORING_OP_FALLOCATE       = 17
	IORING_OP_OPENAT          = 18
	IORING_OP_CLOSE           = 19
	IORING_OP_FILES_UPDATE    = 20
	IORING_OP_STATX           = 21
	IORING_OP_READ            = 22
	IORING_OP_WRITE           = 23
	IORING_OP_FADVISE         = 24
	IORING_OP_MADVISE         = 25
	IORING_OP_SEND            = 26
	IORING_OP_RECV            = 27
	IORING_OP_OPENAT2         = 28
	IORING_OP_EPOLL_CTL       = 29
	IORING_OP_SPLICE          = 30
	IORING_OP_PROVIDE_BUFFERS = 31
	IORING_OP_REMOVE_BUFFERS  = 32
	IORING_OP_TEE             = 33
	IORING_OP_SHUTDOWN        = 34
	IORING_OP_RENAMEAT        = 35
	IORING_OP_UNLINKAT        = 36
	IORING_OP_MKDIRAT         = 37

	IORING_OP_LAST = 38
)

// SQE flags (sqe->flags)
const (
	IOSQE_FIXED_FILE       = 1 << 0
	IOSQE_IO_DRAIN         = 1 << 1
	IOSQE_IO_LINK          = 1 << 2
	IOSQE_IO_HARDLINK      = 1 << 3
	IOSQE_ASYNC            = 1 << 4
	IOSQE_BUFFER_SELECT    = 1 << 5
	IOSQE_CQE_SKIP_SUCCESS = 1 << 6
)

// fsync_flags
const (
	IORING_FSYNC_DATASYNC = 1 << 0
)

// timeout_flags
const (
	IORING_TIMEOUT_ABS      = 1 << 0
	IORING_TIMEOUT_UPDATE   = 1 << 1
	IORING_TIMEOUT_BOOTTIME = 1 << 2
	IORING_TIMEOUT_REALTIME = 1 << 3
)

// cancel_flags
const (
	IORING_ASYNC_CANCEL_ALL = 1 << 0
	IORING_ASYNC_CANCEL_FD  = 1 << 1
	IORING_ASYNC_CANCEL_ANY = 1 << 2
)

// poll add: sqe->len carries these
const (
	IORING_POLL_ADD_MULTI = 1 << 0
)

// send/recv and accept flags carried in sqe->ioprio
const (
	IORING_RECVSEND_POLL_FIRST = 1 << 0
	IORING_RECV_MULTISHOT      = 1 << 1
	IORING_ACCEPT_MULTISHOT    = 1 << 0
)

// splice_flags
const (
	SPLICE_F_FD_IN_FIXED = 1 << 31
)

// file_index value asking the engine to pick a free direct slot
const IORING_FILE_INDEX_ALLOC = 0xFFFFFFFF

// CQE flags (cqe->flags)
const (
	IORING_CQE_F_BUFFER        = 1 << 0
	IORING_CQE_F_MORE          = 1 << 1
	IORING_CQE_F_SOCK_NONEMPTY = 1 << 2
	IORING_CQE_F_NOTIF         = 1 << 3

	IORING_CQE_BUFFER_SHIFT = 16
)

// Feature flags reported by io_uring_setup (params->features)
const (
	IORING_FEAT_SINGLE_MMAP     = 1 << 0
	IORING_FEAT_NODROP          = 1 << 1
	IORING_FEAT_SUBMIT_STABLE   = 1 << 2
	IORING_FEAT_RW_CUR_POS      = 1 << 3
	IORING_FEAT_CUR_PERSONALITY = 1 << 4
	IORING_FEAT_FAST_POLL       = 1 << 5
	IORING_FEAT_POLL_32BITS     = 1 << 6
)

// ioprio encoding
const (
	IOPRIO_CLASS_SHIFT = 13
	IOPRIO_PRIO_MASK   = (1 << IOPRIO_CLASS_SHIFT) - 1

	IOPRIO_CLASS_NONE = 0
	IOPRIO_CLASS_RT   = 1
	IOPRIO_CLASS_BE   = 2
	IOPRIO_CLASS_IDLE = 3
)

// Sizes
const (
	SQESize = 64
	CQESize = 16

	// MaxIOV mirrors UIO_MAXIOV
	MaxIOV = 1024
)
