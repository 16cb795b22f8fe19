//go:build !integration
// +build !integration

package unit

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-uring"
	"github.com/ehrlich-b/go-uring/internal/uapi"
)

// These tests use only the public API and need no io_uring support

func TestUAPIConstants(t *testing.T) {
	if uapi.SQESize != 64 {
		t.Errorf("SQESize = %d, want 64", uapi.SQESize)
	}
	if uapi.IORING_OP_READ != 22 {
		t.Errorf("IORING_OP_READ = %d, want 22", uapi.IORING_OP_READ)
	}
	if uapi.IOSQE_IO_LINK != 0x04 {
		t.Errorf("IOSQE_IO_LINK = %x, want 0x04", uapi.IOSQE_IO_LINK)
	}
}

func TestKindOpcodes(t *testing.T) {
	tests := []struct {
		kind uring.Kind
		op   uint8
		name string
	}{
		{uring.KindNoOp, uapi.IORING_OP_NOP, "NoOp"},
		{uring.KindRead, uapi.IORING_OP_READ, "Read"},
		{uring.KindCancel, uapi.IORING_OP_ASYNC_CANCEL, "Cancel"},
		{uring.KindProvideBuffers, uapi.IORING_OP_PROVIDE_BUFFERS, "ProvideBuffers"},
	}
	for _, tt := range tests {
		if got := tt.kind.Opcode(); got != tt.op {
			t.Errorf("%s opcode = %d, want %d", tt.name, got, tt.op)
		}
		if got := tt.kind.String(); got != tt.name {
			t.Errorf("String() = %q, want %q", got, tt.name)
		}
	}
}

func TestEncodeWireLayout(t *testing.T) {
	buf := make([]byte, 16)
	raw := uring.Encode(uring.Descriptor{
		Op:    uring.Read{Res: uring.Absolute(5), Buf: buf, Offset: 4096},
		Flags: uring.FlagLink,
		Token: 99,
	})

	if raw[0] != uapi.IORING_OP_READ {
		t.Errorf("opcode = %d", raw[0])
	}
	if raw[1] != uapi.IOSQE_IO_LINK {
		t.Errorf("flags = %#x", raw[1])
	}
	if fd := int32(binary.LittleEndian.Uint32(raw[4:])); fd != 5 {
		t.Errorf("fd = %d, want 5", fd)
	}
	if off := binary.LittleEndian.Uint64(raw[8:]); off != 4096 {
		t.Errorf("off = %d, want 4096", off)
	}
	if n := binary.LittleEndian.Uint32(raw[24:]); n != 16 {
		t.Errorf("len = %d, want 16", n)
	}
	if ud := binary.LittleEndian.Uint64(raw[32:]); ud != 99 {
		t.Errorf("user_data = %d, want 99", ud)
	}
}

func TestDefaultEngineParams(t *testing.T) {
	params := uring.DefaultEngineParams()
	if params.Entries != 128 {
		t.Errorf("Entries = %d, want 128", params.Entries)
	}
	if params.CQEntries != 2*params.Entries {
		t.Errorf("CQEntries = %d, want %d", params.CQEntries, 2*params.Entries)
	}
	if params.Workers <= 0 {
		t.Errorf("Workers = %d, want > 0", params.Workers)
	}
}

func TestResultCodes(t *testing.T) {
	r := uring.FromCompletion(-int32(unix.ENOENT))
	if !r.IsError() {
		t.Fatal("negative completion should be an error")
	}
	if !errors.Is(r.Err(), unix.ENOENT) {
		t.Errorf("Err() = %v, want ENOENT", r.Err())
	}

	ok := uring.FromCompletion(512)
	if n, err := ok.Value(); err != nil || n != 512 {
		t.Errorf("Value() = %d, %v", n, err)
	}
}

func TestSimulatedRoundTrip(t *testing.T) {
	sim := uring.NewSimEngine(8)
	c := uring.New(sim, nil)
	defer c.Close()

	buf := make([]byte, 16)
	if err := c.Submit(uring.Descriptor{Op: uring.Read{Res: uring.Absolute(3), Buf: buf}, Token: 7}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	pending := sim.Submitted()
	if len(pending) != 1 || pending[0].Kind != uring.KindRead || pending[0].Len != 16 {
		t.Fatalf("unexpected engine view %+v", pending)
	}
	if err := sim.Complete(pending[0].UserData, 16); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	seq, err := c.WaitForCompletions(1, 8, time.Second)
	if err != nil {
		t.Fatalf("WaitForCompletions: %v", err)
	}
	got := 0
	for comp := range seq {
		if n, err := comp.Value(); comp.Token != 7 || err != nil || n != 16 {
			t.Errorf("unexpected completion %+v", comp)
		}
		got++
	}
	if got != 1 {
		t.Errorf("got %d completions, want 1", got)
	}
}

func TestErrorTypes(t *testing.T) {
	if uring.ErrBackpressure.Error() == "" {
		t.Error("ErrBackpressure should have a message")
	}
	if errors.Is(uring.ErrBackpressure, uring.ErrDuplicateToken) {
		t.Error("distinct sentinels should not match")
	}
	if !uring.IsBackpressure(uring.NewError("submit", uring.ErrCodeBackpressure, "")) {
		t.Error("backpressure error not recognized")
	}
}
