package uapi

import (
	"encoding/binary"
	"errors"
)

// ErrInsufficientData is returned when a buffer is shorter than the structure it should hold
var ErrInsufficientData = errors.New("insufficient data for unmarshaling")

// MarshalSQE writes the little-endian wire image of an SQE
func MarshalSQE(s *SQE) []byte {
	buf := make([]byte, SQESize)

	buf[0] = s.Opcode
	buf[1] = s.Flags
	binary.LittleEndian.PutUint16(buf[2:4], s.IoPrio)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(s.Fd))
	binary.LittleEndian.PutUint64(buf[8:16], s.Off)
	binary.LittleEndian.PutUint64(buf[16:24], s.Addr)
	binary.LittleEndian.PutUint32(buf[24:28], s.Len)
	binary.LittleEndian.PutUint32(buf[28:32], s.OpFlags)
	binary.LittleEndian.PutUint64(buf[32:40], s.UserData)
	binary.LittleEndian.PutUint16(buf[40:42], s.BufIndex)
	binary.LittleEndian.PutUint16(buf[42:44], s.Personality)
	binary.LittleEndian.PutUint32(buf[44:48], uint32(s.SpliceFdIn))
	binary.LittleEndian.PutUint64(buf[48:56], s.Addr3)
	binary.LittleEndian.PutUint64(buf[56:64], s.Pad)

	return buf
}

// UnmarshalSQE reads an SQE from its wire image
func UnmarshalSQE(data []byte, s *SQE) error {
	if len(data) < SQESize {
		return ErrInsufficientData
	}

	s.Opcode = data[0]
	s.Flags = data[1]
	s.IoPrio = binary.LittleEndian.Uint16(data[2:4])
	s.Fd = int32(binary.LittleEndian.Uint32(data[4:8]))
	s.Off = binary.LittleEndian.Uint64(data[8:16])
	s.Addr = binary.LittleEndian.Uint64(data[16:24])
	s.Len = binary.LittleEndian.Uint32(data[24:28])
	s.OpFlags = binary.LittleEndian.Uint32(data[28:32])
	s.UserData = binary.LittleEndian.Uint64(data[32:40])
	s.BufIndex = binary.LittleEndian.Uint16(data[40:42])
	s.Personality = binary.LittleEndian.Uint16(data[42:44])
	s.SpliceFdIn = int32(binary.LittleEndian.Uint32(data[44:48]))
	s.Addr3 = binary.LittleEndian.Uint64(data[48:56])
	s.Pad = binary.LittleEndian.Uint64(data[56:64])

	return nil
}

// MarshalCQE writes the little-endian wire image of a CQE
func MarshalCQE(c *CQE) []byte {
	buf := make([]byte, CQESize)
	binary.LittleEndian.PutUint64(buf[0:8], c.UserData)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(c.Res))
	binary.LittleEndian.PutUint32(buf[12:16], c.Flags)
	return buf
}

// UnmarshalCQE reads a CQE from its wire image
func UnmarshalCQE(data []byte, c *CQE) error {
	if len(data) < CQESize {
		return ErrInsufficientData
	}
	c.UserData = binary.LittleEndian.Uint64(data[0:8])
	c.Res = int32(binary.LittleEndian.Uint32(data[8:12]))
	c.Flags = binary.LittleEndian.Uint32(data[12:16])
	return nil
}
