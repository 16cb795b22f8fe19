package main

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-uring"
)

func copyFile(t *testing.T, ctx context.Context, data []byte, block, depth int) ([]byte, int64, error) {
	t.Helper()
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src")
	dstPath := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(srcPath, data, 0o644))

	src, err := os.Open(srcPath)
	require.NoError(t, err)
	defer src.Close()
	dst, err := os.Create(dstPath)
	require.NoError(t, err)
	defer dst.Close()

	eng, err := uring.NewEmulatedEngine(uring.EngineParams{Entries: uint32(2 * depth)})
	require.NoError(t, err)
	c := uring.New(eng, nil)
	defer c.Close()

	cp := newCopier(c, int(src.Fd()), int(dst.Fd()), int64(len(data)), block, depth)
	copied, runErr := cp.run(ctx)
	assert.Zero(t, c.InFlight())
	assert.Empty(t, cp.tokens)

	out, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	return out, copied, runErr
}

func TestCopy(t *testing.T) {
	data := make([]byte, 1<<20+123)
	rand.New(rand.NewSource(1)).Read(data)

	tests := []struct {
		name         string
		block, depth int
	}{
		{"single", 4096, 1},
		{"pipelined", 64 << 10, 8},
		{"block larger than file", 4 << 20, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, copied, err := copyFile(t, context.Background(), data, tt.block, tt.depth)
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)), copied)
			assert.True(t, bytes.Equal(data, out))
		})
	}
}

func TestCopyEmpty(t *testing.T) {
	out, copied, err := copyFile(t, context.Background(), nil, 4096, 4)
	require.NoError(t, err)
	assert.Zero(t, copied)
	assert.Empty(t, out)
}

func TestCopyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, copied, err := copyFile(t, ctx, make([]byte, 1<<20), 4096, 4)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, copied)
}

func TestSummary(t *testing.T) {
	s := summary(uring.MetricsSnapshot{Submitted: 4, Completed: 4, Flushes: 2, AvgFlushBatch: 2}, 2048, 0)
	assert.Contains(t, s, "copied 2.0 KB")
	assert.Contains(t, s, "submitted 4, completed 4")
	assert.Contains(t, s, "avg batch 2.0")
}
