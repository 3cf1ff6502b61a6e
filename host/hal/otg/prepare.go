package otg

import (
	"fmt"

	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hal/dma"
	"github.com/ardnew/softhcd/pkg"
)

// Prepare attaches req to ed and stages a DMA buffer for it.
//
// The caller's buffer is handed to the core directly when it starts on an
// alignment boundary and, for IN transfers, spans whole packets. Otherwise
// a scratch buffer is substituted: the control endpoint's setup buffer when
// the stage fits in it, a fresh allocation when it does not. OUT payloads
// are copied into the substitute here; IN data is copied back by Finish.
func Prepare(ed *ED, req *Request, alloc dma.Allocator) error {
	if err := attach(ed, req); err != nil {
		return err
	}

	n := len(req.Data)
	if n == 0 {
		ed.own, ed.data = NoBuffer, nil
		return nil
	}

	need := n
	if ed.Dir == DirIn {
		need = roundPackets(n, int(ed.MaxPacketSize))
	}

	if need == n && dma.IsAligned(req.Data, alloc.Alignment()) {
		ed.own, ed.data = BorrowedCallerBuffer, req.Data
		return nil
	}

	if ed.Type == hal.TransferControl && ed.setup.Valid() && need <= ed.setup.Cap() {
		ed.own, ed.data = PersistentSetupBuffer, ed.setup.Bytes()[:need]
		if ed.Dir == DirOut {
			copy(ed.data, req.Data)
		}
		return nil
	}

	buf, err := alloc.Alloc(need)
	if err != nil {
		ed.request = nil
		return fmt.Errorf("scratch buffer for %s: %w", ed, err)
	}
	if ed.Dir == DirOut {
		copy(buf.Bytes(), req.Data)
	}
	ed.own, ed.buf, ed.data = OwnedScratch, buf, buf.Bytes()

	pkg.LogTrace(pkg.ComponentEndpoint, "buffer substituted",
		"ed", ed.String(), "dir", ed.Dir, "length", n, "scratch", need)
	return nil
}

// PrepareSetup attaches a SETUP stage request to a control ED. The 8-byte
// packet in req.Data is staged in the ED's persistent setup buffer.
func PrepareSetup(ed *ED, req *Request) error {
	if ed.Type != hal.TransferControl || !ed.setup.Valid() {
		return fmt.Errorf("%w: %s has no setup buffer", pkg.ErrInvalidEndpoint, ed)
	}
	if len(req.Data) != hal.SetupPacketSize {
		return fmt.Errorf("%w: setup packet is %d bytes", pkg.ErrInvalidParameter, len(req.Data))
	}
	if err := attach(ed, req); err != nil {
		return err
	}
	ed.Dir = DirOut
	ed.own, ed.data = PersistentSetupBuffer, ed.setup.Bytes()[:hal.SetupPacketSize]
	copy(ed.data, req.Data)
	return nil
}

// attach binds req to ed. A slot still holding scratch means the previous
// transfer was never finished.
func attach(ed *ED, req *Request) error {
	if ed.request != nil {
		return fmt.Errorf("%w: %s has a request in flight", pkg.ErrBusy, ed)
	}
	if ed.own == OwnedScratch {
		return fmt.Errorf("%w: %s still owns scratch from an unfinished transfer", pkg.ErrBusy, ed)
	}
	ed.request = req
	req.ActualLength = 0
	return nil
}

// roundPackets rounds n up to a whole number of mps-sized packets.
func roundPackets(n, mps int) int {
	if mps <= 0 {
		return n
	}
	return (n + mps - 1) / mps * mps
}
