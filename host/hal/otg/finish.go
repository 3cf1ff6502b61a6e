package otg

import (
	"fmt"

	"github.com/ardnew/softhcd/pkg"
)

// Finish reconciles an ED's DMA slot with its request once the core has
// stopped using it.
//
// Received data is copied from a substituted buffer into the caller's
// buffer, exactly ActualLength bytes, and a one-shot scratch buffer is
// released and the slot emptied. A borrowed caller buffer is left alone, as
// is the persistent setup buffer. Calling Finish again after the slot has
// been emptied does nothing.
//
// ActualLength must not exceed either buffer. Builds with the hcddebug tag
// panic on a violation; other builds clamp the copy, log it, and fail the
// request with [pkg.ErrOverrun].
func Finish(ed *ED) {
	req := ed.request
	if req == nil {
		return
	}
	if ed.own == NoBuffer {
		return
	}
	if ed.own == BorrowedCallerBuffer {
		return
	}

	if ed.Dir == DirIn {
		n := req.ActualLength
		if limit := min(ed.dmaCapacity(), len(req.Data)); n < 0 || n > limit {
			n = lengthViolation(ed, req, limit)
		}
		copy(req.Data[:n], ed.data[:n])
	}

	if ed.own == OwnedScratch {
		ed.takeBuffer().Release()
	}
}

func lengthViolation(ed *ED, req *Request, limit int) int {
	err := fmt.Errorf("%w: %s reported %d bytes, buffers hold %d",
		pkg.ErrLengthOverflow, ed, req.ActualLength, limit)
	if debugChecks {
		panic(err)
	}
	pkg.LogError(pkg.ComponentEndpoint, "completion length out of range", "error", err)
	if req.Err == nil {
		req.Err = fmt.Errorf("%w: %w", pkg.ErrOverrun, err)
	}
	n := max(0, min(req.ActualLength, limit))
	req.ActualLength = n
	return n
}
