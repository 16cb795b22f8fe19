//go:build integration
// +build integration

package integration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-uring"
	"github.com/ehrlich-b/go-uring/internal/probe"
)

// requireKernel skips the test if the kernel is older than major.minor
func requireKernel(t *testing.T, major, minor int) {
	v, err := probe.Kernel()
	if err != nil {
		t.Skipf("kernel version unknown: %v", err)
	}
	if !v.AtLeast(major, minor) {
		t.Skipf("requires kernel %d.%d or later, running %s", major, minor, v)
	}
}

// newKernelCoordinator skips if io_uring setup is refused (seccomp,
// io_uring_disabled, containers).
func newKernelCoordinator(t *testing.T, entries uint32) *uring.Coordinator {
	eng, err := uring.NewKernelEngine(uring.EngineParams{Entries: entries})
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	c := uring.New(eng, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func collect(t *testing.T, c *uring.Coordinator, n int) map[uring.Token]uring.Completion {
	t.Helper()
	out := make(map[uring.Token]uring.Completion, n)
	deadline := time.Now().Add(10 * time.Second)
	for len(out) < n {
		if time.Now().After(deadline) {
			t.Fatalf("got %d of %d completions", len(out), n)
		}
		seq, err := c.WaitForCompletions(1, n, 100*time.Millisecond)
		require.NoError(t, err)
		for comp := range seq {
			out[comp.Token] = comp
		}
	}
	return out
}

func TestIntegrationFileIO(t *testing.T) {
	requireKernel(t, 5, 6)
	c := newKernelCoordinator(t, 16)

	f, err := os.Create(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	defer f.Close()
	fd := int(f.Fd())

	payload := []byte("kernel ring round trip")
	require.NoError(t, c.Submit(uring.Descriptor{Op: uring.Write{Res: uring.Absolute(fd), Buf: payload}, Flags: uring.FlagLink, Token: 1}))
	require.NoError(t, c.Submit(uring.Descriptor{Op: uring.Sync{Res: uring.Absolute(fd)}, Flags: uring.FlagLink, Token: 2}))
	out := make([]byte, 32)
	require.NoError(t, c.Submit(uring.Descriptor{Op: uring.Read{Res: uring.Absolute(fd), Buf: out, Offset: 7}, Token: 3}))
	n, err := c.Flush()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	comps := collect(t, c, 3)
	require.NoError(t, comps[1].Result.Err())
	require.NoError(t, comps[2].Result.Err())
	read, err := comps[3].Value()
	require.NoError(t, err)
	assert.Equal(t, "ring round trip", string(out[:read]))
}

func TestIntegrationRegisteredFile(t *testing.T) {
	requireKernel(t, 5, 6)
	c := newKernelCoordinator(t, 8)

	path := filepath.Join(t.TempDir(), "fixed")
	require.NoError(t, os.WriteFile(path, []byte("by index"), 0o644))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, c.RegisterFiles([]int{int(f.Fd())}))
	out := make([]byte, 16)
	require.NoError(t, c.Submit(uring.Descriptor{Op: uring.Read{Res: uring.Index(0), Buf: out}, Token: 1}))
	_, err = c.Flush()
	require.NoError(t, err)

	n, err := collect(t, c, 1)[1].Value()
	require.NoError(t, err)
	assert.Equal(t, "by index", string(out[:n]))
}

func TestIntegrationCancelTimeout(t *testing.T) {
	requireKernel(t, 5, 5)
	c := newKernelCoordinator(t, 8)

	require.NoError(t, c.Submit(uring.Descriptor{Op: uring.Timeout{Spec: uring.NewTimespec(time.Hour)}, Token: 1}))
	_, err := c.Flush()
	require.NoError(t, err)
	require.NoError(t, c.Cancel(1, 2))
	_, err = c.Flush()
	require.NoError(t, err)

	comps := collect(t, c, 2)
	assert.ErrorIs(t, comps[1].Result.Err(), unix.ECANCELED)
	assert.NoError(t, comps[2].Result.Err())
}

func TestIntegrationProvidedBuffers(t *testing.T) {
	requireKernel(t, 5, 7)
	c := newKernelCoordinator(t, 8)

	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	region := make([]byte, 4*64)
	require.NoError(t, c.Submit(uring.Descriptor{
		Op:    uring.ProvideBuffers{Region: region, BufferLen: 64, Count: 4, Group: 1},
		Token: 1,
	}))
	_, err := c.Flush()
	require.NoError(t, err)
	require.NoError(t, collect(t, c, 1)[1].Result.Err())

	_, err = unix.Write(p[1], []byte("picked by kernel"))
	require.NoError(t, err)
	require.NoError(t, c.Submit(uring.Descriptor{
		Op:    uring.Read{Res: uring.Absolute(p[0]), Select: &uring.BufferSelection{Group: 1, Len: 64}},
		Token: 2,
	}))
	_, err = c.Flush()
	require.NoError(t, err)

	comp := collect(t, c, 1)[2]
	require.NoError(t, comp.Result.Err())
	data, ok := c.SelectedBuffer(comp)
	require.True(t, ok)
	assert.Equal(t, "picked by kernel", string(data))
}

func TestIntegrationStress(t *testing.T) {
	requireKernel(t, 5, 1)
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}
	c := newKernelCoordinator(t, 64)

	const total = 100000
	next, done := uring.Token(1), 0
	for done < total {
		for next <= total {
			err := c.Submit(uring.Descriptor{Op: uring.NoOp{}, Token: next})
			if uring.IsBackpressure(err) {
				break
			}
			require.NoError(t, err)
			next++
		}
		_, err := c.Flush()
		require.NoError(t, err)
		seq, err := c.WaitForCompletions(1, 128, time.Second)
		require.NoError(t, err)
		for comp := range seq {
			require.NoError(t, comp.Result.Err())
			done++
		}
	}
	s := c.Metrics().Snapshot()
	assert.Equal(t, uint64(total), s.Completed)
	assert.Zero(t, c.InFlight())
}
