package otg

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hal/dma"
)

// =============================================================================
// Helpers
// =============================================================================

func newTracker(t *testing.T) *dma.Tracker {
	t.Helper()
	h, err := dma.NewHeap(dma.DefaultAlignment)
	require.NoError(t, err)
	return dma.NewTracker(h)
}

func bulkED(t *testing.T, alloc dma.Allocator, epAddr uint8) *ED {
	t.Helper()
	ed, err := newED(1, hal.EndpointDescriptor{
		Address:       epAddr,
		Attributes:    uint8(hal.TransferBulk),
		MaxPacketSize: 64,
	}, alloc)
	require.NoError(t, err)
	return ed
}

func controlED(t *testing.T, alloc dma.Allocator) *ED {
	t.Helper()
	ed, err := newED(1, hal.EndpointDescriptor{
		Attributes:    uint8(hal.TransferControl),
		MaxPacketSize: 64,
	}, alloc)
	require.NoError(t, err)
	return ed
}

// alignedSlice returns n bytes starting on a DMA alignment boundary.
func alignedSlice(n int) []byte {
	raw := make([]byte, n+dma.DefaultAlignment)
	for off := range dma.DefaultAlignment {
		if dma.IsAligned(raw[off:], dma.DefaultAlignment) {
			return raw[off : off+n : off+n]
		}
	}
	panic("no aligned offset")
}

// misalignedSlice returns n bytes that do not start on an alignment boundary.
func misalignedSlice(n int) []byte {
	raw := alignedSlice(n + 1)
	return raw[1 : n+1 : n+1]
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// =============================================================================
// No-op Paths
// =============================================================================

func TestFinish_NoRequest(t *testing.T) {
	alloc := newTracker(t)
	ed := bulkED(t, alloc, 0x81)

	Finish(ed)

	assert.Equal(t, NoBuffer, ed.Ownership())
	assert.Zero(t, alloc.Stats().Releases)
}

func TestFinish_NoBuffer(t *testing.T) {
	alloc := newTracker(t)
	ed := bulkED(t, alloc, 0x81)
	req := NewRequest(nil)
	require.NoError(t, Prepare(ed, req, alloc))
	require.Equal(t, NoBuffer, ed.Ownership())

	Finish(ed)

	assert.Equal(t, NoBuffer, ed.Ownership())
	assert.Zero(t, alloc.Live())
}

func TestFinish_BorrowedBufferUntouched(t *testing.T) {
	for _, epAddr := range []uint8{0x81, 0x01} {
		t.Run(DirectionOf(epAddr).String(), func(t *testing.T) {
			alloc := newTracker(t)
			ed := bulkED(t, alloc, epAddr)

			data := alignedSlice(128)
			fill(data, 0x5A)
			req := NewRequest(data)
			require.NoError(t, Prepare(ed, req, alloc))
			require.Equal(t, BorrowedCallerBuffer, ed.Ownership())
			assert.Zero(t, alloc.Live(), "borrowing allocates nothing")

			req.ActualLength = 4
			Finish(ed)

			assert.Equal(t, bytes.Repeat([]byte{0x5A}, 128), data)
			assert.Equal(t, BorrowedCallerBuffer, ed.Ownership())
			assert.Zero(t, alloc.Stats().Releases)
		})
	}
}

// =============================================================================
// Scratch Buffers
// =============================================================================

func TestFinish_CopyBackExample(t *testing.T) {
	alloc := newTracker(t)
	ed := bulkED(t, alloc, 0x81)

	data := misalignedSlice(16)
	req := NewRequest(data)
	require.NoError(t, Prepare(ed, req, alloc))
	require.Equal(t, OwnedScratch, ed.Ownership())
	require.Equal(t, 1, alloc.Live())

	copy(ed.DMA(), []byte{0xDE, 0xAD, 0xBE, 0xEF})
	req.ActualLength = 4
	Finish(ed)

	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, data[:4])
	assert.Equal(t, make([]byte, 12), data[4:])
	assert.Equal(t, NoBuffer, ed.Ownership())
	assert.Nil(t, ed.DMA())
	assert.Zero(t, alloc.Live())
	assert.Equal(t, uint64(1), alloc.Stats().Releases)
}

func TestFinish_CopiesExactlyActualLength(t *testing.T) {
	for _, actual := range []int{0, 1, 63, 64, 99, 100} {
		alloc := newTracker(t)
		ed := bulkED(t, alloc, 0x81)

		data := misalignedSlice(100)
		fill(data, 0x11)
		req := NewRequest(data)
		require.NoError(t, Prepare(ed, req, alloc))
		fill(ed.DMA(), 0xEE)

		req.ActualLength = actual
		Finish(ed)

		assert.Equal(t, bytes.Repeat([]byte{0xEE}, actual), data[:actual], "actual=%d", actual)
		assert.Equal(t, bytes.Repeat([]byte{0x11}, 100-actual), data[actual:], "actual=%d", actual)
		assert.Zero(t, alloc.Live())
	}
}

func TestFinish_OutLeavesCallerBuffer(t *testing.T) {
	alloc := newTracker(t)
	ed := bulkED(t, alloc, 0x02)

	data := misalignedSlice(10)
	copy(data, "0123456789")
	req := NewRequest(data)
	require.NoError(t, Prepare(ed, req, alloc))
	require.Equal(t, OwnedScratch, ed.Ownership())
	assert.Equal(t, []byte("0123456789"), ed.DMA()[:10], "payload staged")

	fill(ed.DMA(), 0xFF)
	req.ActualLength = 10
	Finish(ed)

	assert.Equal(t, []byte("0123456789"), data)
	assert.Zero(t, alloc.Live())
}

func TestFinish_SecondCallIsNoop(t *testing.T) {
	alloc := newTracker(t)
	ed := bulkED(t, alloc, 0x81)

	data := misalignedSlice(8)
	req := NewRequest(data)
	require.NoError(t, Prepare(ed, req, alloc))
	copy(ed.DMA(), "abcdefgh")
	req.ActualLength = 8

	Finish(ed)
	fill(data, 0)
	assert.NotPanics(t, func() { Finish(ed) })

	assert.Equal(t, make([]byte, 8), data, "second call copies nothing")
	assert.Equal(t, uint64(1), alloc.Stats().Releases)
}

func TestFinish_StaleHandleCannotReleaseAgain(t *testing.T) {
	alloc := newTracker(t)
	ed := bulkED(t, alloc, 0x81)

	require.NoError(t, Prepare(ed, NewRequest(misalignedSlice(8)), alloc))
	stale := *ed.buf

	Finish(ed)
	assert.Panics(t, func() { stale.Release() })
	assert.Zero(t, alloc.Live())
}

// =============================================================================
// Setup Buffer
// =============================================================================

func TestFinish_SetupBufferKept(t *testing.T) {
	alloc := newTracker(t)
	ed := controlED(t, alloc)
	setup := ed.SetupBuffer()
	require.True(t, setup.Valid())
	allocs := alloc.Stats().Allocs

	for round := range 3 {
		data := misalignedSlice(18)
		ed.Dir = DirIn
		req := NewRequest(data)
		require.NoError(t, Prepare(ed, req, alloc))
		require.Equal(t, PersistentSetupBuffer, ed.Ownership())

		copy(ed.DMA(), []byte{18, 1, byte(round)})
		req.ActualLength = 3
		Finish(ed)
		ed.request = nil

		assert.Equal(t, []byte{18, 1, byte(round)}, data[:3])
		assert.Same(t, setup, ed.SetupBuffer())
		assert.True(t, setup.Valid())
	}

	assert.Equal(t, allocs, alloc.Stats().Allocs, "no reallocation")
	assert.Equal(t, 1, alloc.Live(), "setup buffer still owned by the ED")

	ed.close()
	assert.Zero(t, alloc.Live())
}

func TestFinish_SetupStage(t *testing.T) {
	alloc := newTracker(t)
	ed := controlED(t, alloc)

	pkt := []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	req := NewRequest(pkt)
	require.NoError(t, PrepareSetup(ed, req))
	assert.Equal(t, PersistentSetupBuffer, ed.Ownership())
	assert.Equal(t, DirOut, ed.Dir)
	assert.Equal(t, pkt, ed.DMA())

	req.ActualLength = len(pkt)
	Finish(ed)

	assert.True(t, ed.SetupBuffer().Valid())
	assert.Equal(t, 1, alloc.Live())
}
