package otg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hal/dma"
	"github.com/ardnew/softhcd/pkg"
)

type failingAlloc struct{}

func (failingAlloc) Alloc(int) (*dma.Buffer, error) { return nil, pkg.ErrNoMemory }
func (failingAlloc) Alignment() int                 { return dma.DefaultAlignment }

// =============================================================================
// Types
// =============================================================================

func TestOwnership_String(t *testing.T) {
	tests := []struct {
		own  Ownership
		want string
	}{
		{NoBuffer, "none"},
		{BorrowedCallerBuffer, "borrowed"},
		{OwnedScratch, "scratch"},
		{PersistentSetupBuffer, "setup"},
		{Ownership(9), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.own.String())
	}
}

func TestDirectionOf(t *testing.T) {
	assert.Equal(t, DirIn, DirectionOf(0x81))
	assert.Equal(t, DirOut, DirectionOf(0x01))
	assert.Equal(t, "IN", DirIn.String())
	assert.Equal(t, "OUT", DirOut.String())
}

func TestRoundPackets(t *testing.T) {
	tests := []struct {
		n, mps, want int
	}{
		{1, 64, 64},
		{64, 64, 64},
		{65, 64, 128},
		{18, 8, 24},
		{5, 0, 5},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, roundPackets(tt.n, tt.mps), "roundPackets(%d, %d)", tt.n, tt.mps)
	}
}

func TestNewED(t *testing.T) {
	alloc := newTracker(t)

	_, err := newED(1, hal.EndpointDescriptor{Address: 0x81, Attributes: uint8(hal.TransferBulk)}, alloc)
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)

	ed, err := newED(3, hal.EndpointDescriptor{Address: 0x80, MaxPacketSize: 8}, alloc)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), ed.EPAddr)
	assert.Equal(t, hal.SetupPacketSize, ed.SetupBuffer().Len())
	assert.Equal(t, "3:00(control)", ed.String())

	ed = bulkED(t, alloc, 0x82)
	assert.Nil(t, ed.SetupBuffer())
	assert.Equal(t, uint8(2), ed.Number())
	assert.Equal(t, DirIn, ed.Dir)
}

func TestNewED_SetupAllocFails(t *testing.T) {
	_, err := newED(1, hal.EndpointDescriptor{MaxPacketSize: 64}, failingAlloc{})
	assert.ErrorIs(t, err, pkg.ErrNoMemory)
}

func TestAdvanceToggle(t *testing.T) {
	alloc := newTracker(t)
	ed := bulkED(t, alloc, 0x81)
	require.Equal(t, PIDData0, ed.toggle)

	ed.advanceToggle(0)
	assert.Equal(t, PIDData1, ed.toggle, "zero-length packet")
	ed.advanceToggle(128)
	assert.Equal(t, PIDData1, ed.toggle, "two packets")
	ed.advanceToggle(65)
	assert.Equal(t, PIDData1, ed.toggle, "two packets, short last")
	ed.advanceToggle(64)
	assert.Equal(t, PIDData0, ed.toggle)
}

// =============================================================================
// Prepare
// =============================================================================

func TestPrepare_BorrowsAlignedBuffer(t *testing.T) {
	alloc := newTracker(t)
	ed := bulkED(t, alloc, 0x81)

	data := alignedSlice(128)
	require.NoError(t, Prepare(ed, NewRequest(data), alloc))

	assert.Equal(t, BorrowedCallerBuffer, ed.Ownership())
	assert.Same(t, &data[0], &ed.DMA()[0])
	assert.Zero(t, alloc.Stats().Allocs)
}

func TestPrepare_PartialPacketIsSubstituted(t *testing.T) {
	alloc := newTracker(t)
	ed := bulkED(t, alloc, 0x81)

	require.NoError(t, Prepare(ed, NewRequest(alignedSlice(100)), alloc))

	assert.Equal(t, OwnedScratch, ed.Ownership())
	assert.Len(t, ed.DMA(), 128, "room for whole packets")
	assert.Equal(t, 128, ed.dmaCapacity())
	assert.True(t, dma.IsAligned(ed.DMA(), dma.DefaultAlignment))
}

func TestPrepare_OutPartialPacketIsBorrowed(t *testing.T) {
	alloc := newTracker(t)
	ed := bulkED(t, alloc, 0x01)

	require.NoError(t, Prepare(ed, NewRequest(alignedSlice(100)), alloc))
	assert.Equal(t, BorrowedCallerBuffer, ed.Ownership())
}

func TestPrepare_MisalignedOutCopiesPayload(t *testing.T) {
	alloc := newTracker(t)
	ed := bulkED(t, alloc, 0x01)

	data := misalignedSlice(5)
	copy(data, "hello")
	require.NoError(t, Prepare(ed, NewRequest(data), alloc))

	assert.Equal(t, OwnedScratch, ed.Ownership())
	assert.Equal(t, []byte("hello"), ed.DMA())
	assert.True(t, dma.IsAligned(ed.DMA(), dma.DefaultAlignment))
}

func TestPrepare_ControlStageChoosesSlot(t *testing.T) {
	tests := []struct {
		name string
		dir  Direction
		data []byte
		want Ownership
	}{
		{"short IN", DirIn, misalignedSlice(18), PersistentSetupBuffer},
		{"short OUT", DirOut, misalignedSlice(8), PersistentSetupBuffer},
		{"aligned full packet", DirIn, alignedSlice(64), BorrowedCallerBuffer},
		{"long IN", DirIn, misalignedSlice(100), OwnedScratch},
		{"status", DirIn, nil, NoBuffer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alloc := newTracker(t)
			ed := controlED(t, alloc)
			ed.Dir = tt.dir

			require.NoError(t, Prepare(ed, NewRequest(tt.data), alloc))
			assert.Equal(t, tt.want, ed.Ownership())
		})
	}
}

func TestPrepare_BusyED(t *testing.T) {
	alloc := newTracker(t)
	ed := bulkED(t, alloc, 0x81)

	require.NoError(t, Prepare(ed, NewRequest(misalignedSlice(8)), alloc))
	err := Prepare(ed, NewRequest(misalignedSlice(8)), alloc)
	assert.ErrorIs(t, err, pkg.ErrBusy)
	assert.Equal(t, 1, alloc.Live())

	ed.request = nil
	err = Prepare(ed, NewRequest(misalignedSlice(8)), alloc)
	assert.ErrorIs(t, err, pkg.ErrBusy, "scratch from the unfinished transfer")
	assert.Equal(t, 1, alloc.Live())
}

func TestPrepare_AllocFailure(t *testing.T) {
	alloc := newTracker(t)
	ed := bulkED(t, alloc, 0x81)

	err := Prepare(ed, NewRequest(misalignedSlice(8)), failingAlloc{})
	assert.ErrorIs(t, err, pkg.ErrNoMemory)
	assert.Nil(t, ed.Request())
	assert.Equal(t, NoBuffer, ed.Ownership())
}

func TestPrepareSetup_Errors(t *testing.T) {
	alloc := newTracker(t)

	err := PrepareSetup(bulkED(t, alloc, 0x01), NewRequest(make([]byte, 8)))
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)

	err = PrepareSetup(controlED(t, alloc), NewRequest(make([]byte, 7)))
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

// =============================================================================
// Request
// =============================================================================

func TestRequest_Complete(t *testing.T) {
	var called *Request
	req := NewRequest([]byte{1})
	req.Callback = func(r *Request) { called = r }
	req.ActualLength = 1

	req.complete(pkg.ErrStall)

	n, err := req.Wait()
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, pkg.ErrStall)
	assert.Equal(t, pkg.TransferStatusStall, req.Status)
	assert.Same(t, req, called)
}

func TestRequest_Reset(t *testing.T) {
	req := NewRequest(nil)
	req.complete(nil)
	assert.Equal(t, pkg.TransferStatusSuccess, req.Status)

	require.NoError(t, req.reset())
	assert.Equal(t, pkg.TransferStatusPending, req.Status)
	select {
	case <-req.Done():
		t.Fatal("done still closed after reset")
	default:
	}

	assert.ErrorIs(t, req.reset(), pkg.ErrBusy, "in flight")
	req.abandon()
	assert.NoError(t, req.reset(), "abandoned before start")
}
