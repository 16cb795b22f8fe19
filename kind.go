package uring

import (
	"fmt"

	"github.com/ehrlich-b/go-uring/internal/probe"
	"github.com/ehrlich-b/go-uring/internal/uapi"
)

// Kind identifies one asynchronous operation type.
type Kind uint8

const (
	KindNoOp Kind = iota
	KindRead
	KindWrite
	KindReadVectored
	KindWriteVectored
	KindReadFixed
	KindWriteFixed
	KindSync
	KindSyncFileRange
	KindPollAdd
	KindPollRemove
	KindSendMessage
	KindReceiveMessage
	KindTimeout
	KindTimeoutRemove
	KindAccept
	KindCancel
	KindLinkTimeout
	KindConnect
	KindFallocate
	KindOpenAt
	KindOpenAt2
	KindClose
	KindFilesUpdate
	KindStatx
	KindAdvise
	KindMemoryAdvise
	KindSend
	KindReceive
	KindEventChannelAdd
	KindEventChannelModify
	KindEventChannelDelete
	KindSplice
	KindProvideBuffers
	KindRemoveBuffers
	KindTee
	KindShutdown
	KindRenameAt
	KindUnlinkAt
	KindMkdirAt

	kindCount
)

var kindInfo = [kindCount]struct {
	name   string
	opcode uint8
}{
	KindNoOp:               {"NoOp", uapi.IORING_OP_NOP},
	KindRead:               {"Read", uapi.IORING_OP_READ},
	KindWrite:              {"Write", uapi.IORING_OP_WRITE},
	KindReadVectored:       {"ReadVectored", uapi.IORING_OP_READV},
	KindWriteVectored:      {"WriteVectored", uapi.IORING_OP_WRITEV},
	KindReadFixed:          {"ReadFixed", uapi.IORING_OP_READ_FIXED},
	KindWriteFixed:         {"WriteFixed", uapi.IORING_OP_WRITE_FIXED},
	KindSync:               {"Sync", uapi.IORING_OP_FSYNC},
	KindSyncFileRange:      {"SyncFileRange", uapi.IORING_OP_SYNC_FILE_RANGE},
	KindPollAdd:            {"PollAdd", uapi.IORING_OP_POLL_ADD},
	KindPollRemove:         {"PollRemove", uapi.IORING_OP_POLL_REMOVE},
	KindSendMessage:        {"SendMessage", uapi.IORING_OP_SENDMSG},
	KindReceiveMessage:     {"ReceiveMessage", uapi.IORING_OP_RECVMSG},
	KindTimeout:            {"Timeout", uapi.IORING_OP_TIMEOUT},
	KindTimeoutRemove:      {"TimeoutRemove", uapi.IORING_OP_TIMEOUT_REMOVE},
	KindAccept:             {"Accept", uapi.IORING_OP_ACCEPT},
	KindCancel:             {"Cancel", uapi.IORING_OP_ASYNC_CANCEL},
	KindLinkTimeout:        {"LinkTimeout", uapi.IORING_OP_LINK_TIMEOUT},
	KindConnect:            {"Connect", uapi.IORING_OP_CONNECT},
	KindFallocate:          {"Fallocate", uapi.IORING_OP_FALLOCATE},
	KindOpenAt:             {"OpenAt", uapi.IORING_OP_OPENAT},
	KindOpenAt2:            {"OpenAt2", uapi.IORING_OP_OPENAT2},
	KindClose:              {"Close", uapi.IORING_OP_CLOSE},
	KindFilesUpdate:        {"FilesUpdate", uapi.IORING_OP_FILES_UPDATE},
	KindStatx:              {"Statx", uapi.IORING_OP_STATX},
	KindAdvise:             {"Advise", uapi.IORING_OP_FADVISE},
	KindMemoryAdvise:       {"MemoryAdvise", uapi.IORING_OP_MADVISE},
	KindSend:               {"Send", uapi.IORING_OP_SEND},
	KindReceive:            {"Receive", uapi.IORING_OP_RECV},
	KindEventChannelAdd:    {"EventChannelAdd", uapi.IORING_OP_EPOLL_CTL},
	KindEventChannelModify: {"EventChannelModify", uapi.IORING_OP_EPOLL_CTL},
	KindEventChannelDelete: {"EventChannelDelete", uapi.IORING_OP_EPOLL_CTL},
	KindSplice:             {"Splice", uapi.IORING_OP_SPLICE},
	KindProvideBuffers:     {"ProvideBuffers", uapi.IORING_OP_PROVIDE_BUFFERS},
	KindRemoveBuffers:      {"RemoveBuffers", uapi.IORING_OP_REMOVE_BUFFERS},
	KindTee:                {"Tee", uapi.IORING_OP_TEE},
	KindShutdown:           {"Shutdown", uapi.IORING_OP_SHUTDOWN},
	KindRenameAt:           {"RenameAt", uapi.IORING_OP_RENAMEAT},
	KindUnlinkAt:           {"UnlinkAt", uapi.IORING_OP_UNLINKAT},
	KindMkdirAt:            {"MkdirAt", uapi.IORING_OP_MKDIRAT},
}

// String returns the kind name.
func (k Kind) String() string {
	if k < kindCount {
		return kindInfo[k].name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether k names a known operation.
func (k Kind) Valid() bool {
	return k < kindCount
}

// Opcode returns the engine opcode the kind encodes to.
func (k Kind) Opcode() uint8 {
	return kindInfo[k].opcode
}

// KernelSupports reports whether the running kernel accepts k. It returns
// false when the kernel version cannot be determined.
func KernelSupports(k Kind) bool {
	if !k.Valid() {
		return false
	}
	v, err := probe.Kernel()
	if err != nil {
		return false
	}
	return probe.Supports(v, k.Opcode())
}

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// kindOf recovers the kind from an encoded entry.
func kindOf(sqe *uapi.SQE) (Kind, bool) {
	if sqe.Opcode == uapi.IORING_OP_EPOLL_CTL {
		switch sqe.Len {
		case epollCtlAdd:
			return KindEventChannelAdd, true
		case epollCtlMod:
			return KindEventChannelModify, true
		case epollCtlDel:
			return KindEventChannelDelete, true
		}
		return 0, false
	}
	for k := Kind(0); k < kindCount; k++ {
		if kindInfo[k].opcode == sqe.Opcode {
			return k, true
		}
	}
	return 0, false
}
