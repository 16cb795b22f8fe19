package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-uring/internal/uapi"
)

func TestParseRelease(t *testing.T) {
	tests := []struct {
		release string
		want    Version
		wantErr bool
	}{
		{"6.8.0-45-generic", Version{Major: 6, Minor: 8, Patch: 0}, false},
		{"5.15.167.4-microsoft-standard-WSL2", Version{Major: 5, Minor: 15, Patch: 167}, false},
		{"5.4", Version{Major: 5, Minor: 4}, false},
		{"6.1.0+", Version{Major: 6, Minor: 1}, false},
		{"6.10.3rc1", Version{Major: 6, Minor: 10, Patch: 3}, false},
		{"linux", Version{}, true},
		{"x.y", Version{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.release, func(t *testing.T) {
			got, err := ParseRelease(tt.release)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Major, got.Major)
			assert.Equal(t, tt.want.Minor, got.Minor)
			assert.Equal(t, tt.want.Patch, got.Patch)
			assert.Equal(t, tt.release, got.Release)
		})
	}
}

func TestAtLeast(t *testing.T) {
	v := Version{Major: 5, Minor: 10}
	assert.True(t, v.AtLeast(5, 10))
	assert.True(t, v.AtLeast(5, 1))
	assert.True(t, v.AtLeast(4, 19))
	assert.False(t, v.AtLeast(5, 11))
	assert.False(t, v.AtLeast(6, 0))
}

func TestFeatures(t *testing.T) {
	old := Features(Version{Major: 5, Minor: 4})
	assert.False(t, old.StableSubmission)
	assert.False(t, old.NoDrop)

	mid := Features(Version{Major: 5, Minor: 5})
	assert.True(t, mid.StableSubmission)
	assert.True(t, mid.NoDrop)
	assert.False(t, mid.FastPoll)

	assert.True(t, Features(Version{Major: 6, Minor: 0}).FastPoll)
}

func TestSupports(t *testing.T) {
	v54 := Version{Major: 5, Minor: 4}
	assert.True(t, Supports(v54, uapi.IORING_OP_READV))
	assert.True(t, Supports(v54, uapi.IORING_OP_TIMEOUT))
	assert.False(t, Supports(v54, uapi.IORING_OP_READ))
	assert.False(t, Supports(v54, uapi.IORING_OP_LAST))

	v515 := Version{Major: 5, Minor: 15}
	for op := uint8(0); op < uapi.IORING_OP_LAST; op++ {
		assert.True(t, Supports(v515, op), "opcode %d", op)
	}
}

func TestKernel(t *testing.T) {
	v, err := Kernel()
	if err != nil {
		t.Skipf("uname unavailable: %v", err)
	}
	assert.NotEmpty(t, v.Release)
	assert.Positive(t, v.Major)
}
