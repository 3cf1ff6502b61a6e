//go:build !hcddebug

package otg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softhcd/pkg"
)

func TestFinish_ClampsOverlongLength(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		actual int
		want   int
	}{
		{"past caller buffer", 10, 40, 10},
		{"past scratch", 100, 1000, 100},
		{"negative", 10, -1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alloc := newTracker(t)
			ed := bulkED(t, alloc, 0x81)

			data := misalignedSlice(tt.size)
			req := NewRequest(data)
			require.NoError(t, Prepare(ed, req, alloc))
			fill(ed.DMA(), 0xAB)

			req.ActualLength = tt.actual
			assert.NotPanics(t, func() { Finish(ed) })

			assert.Equal(t, tt.want, req.ActualLength)
			assert.ErrorIs(t, req.Err, pkg.ErrOverrun)
			assert.ErrorIs(t, req.Err, pkg.ErrLengthOverflow)
			assert.Zero(t, alloc.Live(), "scratch still released")
		})
	}
}

func TestFinish_ClampKeepsEarlierError(t *testing.T) {
	alloc := newTracker(t)
	ed := bulkED(t, alloc, 0x81)

	req := NewRequest(misalignedSlice(4))
	require.NoError(t, Prepare(ed, req, alloc))
	req.Err = pkg.ErrStall
	req.ActualLength = 500
	Finish(ed)

	assert.Equal(t, pkg.ErrStall, req.Err)
	assert.Equal(t, 4, req.ActualLength)
}
