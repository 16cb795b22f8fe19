package uapi

import "unsafe"

// SQE mirrors struct io_uring_sqe (64 bytes).
//
//	struct io_uring_sqe {
//	  __u8  opcode;
//	  __u8  flags;
//	  __u16 ioprio;
//	  __s32 fd;
//	  union { __u64 off; __u64 addr2; };
//	  union { __u64 addr; __u64 splice_off_in; };
//	  __u32 len;
//	  union { __kernel_rwf_t rw_flags; __u32 fsync_flags; ... };
//	  __u64 user_data;
//	  union { __u16 buf_index; __u16 buf_group; };
//	  __u16 personality;
//	  union { __s32 splice_fd_in; __u32 file_index; };
//	  __u64 addr3;
//	  __u64 __pad2[1];
//	};
type SQE struct {
	Opcode      uint8
	Flags       uint8
	IoPrio      uint16
	Fd          int32
	Off         uint64 // also addr2
	Addr        uint64 // also splice_off_in
	Len         uint32
	OpFlags     uint32 // rw_flags, poll32_events, timeout_flags, msg_flags, ...
	UserData    uint64
	BufIndex    uint16 // also buf_group
	Personality uint16
	SpliceFdIn  int32 // also file_index
	Addr3       uint64
	Pad         uint64
}

var _ [SQESize]byte = [unsafe.Sizeof(SQE{})]byte{}

// Reset zero-fills every slot.
func (s *SQE) Reset() {
	*s = SQE{}
}

// FileIndex reads the file_index view of the splice_fd_in union.
func (s *SQE) FileIndex() uint32 {
	return uint32(s.SpliceFdIn)
}

// SetFileIndex writes the file_index view of the splice_fd_in union.
func (s *SQE) SetFileIndex(idx uint32) {
	s.SpliceFdIn = int32(idx)
}

// CQE mirrors struct io_uring_cqe (16 bytes)
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

var _ [CQESize]byte = [unsafe.Sizeof(CQE{})]byte{}

// BufferID extracts the selected buffer id when IORING_CQE_F_BUFFER is set
func (c *CQE) BufferID() (uint16, bool) {
	if c.Flags&IORING_CQE_F_BUFFER == 0 {
		return 0, false
	}
	return uint16(c.Flags >> IORING_CQE_BUFFER_SHIFT), true
}

// KernelTimespec mirrors struct __kernel_timespec
type KernelTimespec struct {
	Sec  int64
	Nsec int64
}

var _ [16]byte = [unsafe.Sizeof(KernelTimespec{})]byte{}
