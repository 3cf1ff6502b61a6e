// Package otg implements a host controller driver for channel-based USB OTG
// cores (the DWC2 family found in STM32 and similar parts).
//
// # Buffer reconciliation
//
// An OTG core bus-masters transfer data through a DMA buffer that must start
// on a cache-line boundary. Caller buffers rarely do, so each endpoint
// descriptor ([ED]) carries a DMA slot tagged with its [Ownership]:
//
//   - [NoBuffer]: nothing staged
//   - [BorrowedCallerBuffer]: the caller's buffer is used as is
//   - [OwnedScratch]: a one-shot buffer from a [dma.Allocator]
//   - [PersistentSetupBuffer]: the ED's own setup buffer
//
// [Prepare] fills the slot when a transfer is submitted. [Finish] empties it
// when the transfer completes: IN data is copied from a substitute into the
// caller's buffer (exactly ActualLength bytes), one-shot scratch is released
// exactly once, and the setup buffer is left for the next transfer.
//
// # Concurrency
//
// A [Controller] runs one completion goroutine. Channel events are handled
// there one at a time, so Finish never races the core or another completion
// for the same ED. The number of concurrent transfers is bounded by the
// core's host channels.
//
// # Debug builds
//
// Building with -tags hcddebug makes Finish panic when a completion reports
// more bytes than the buffers hold, instead of clamping the copy.
//
// [dma.Allocator]: github.com/ardnew/softhcd/host/hal/dma.Allocator
package otg
