// Package dma provides DMA-safe memory for host controller drivers.
//
// Controller cores that bus-master into system memory usually require every
// transfer buffer to start on a cache-line boundary. Caller buffers rarely
// guarantee that, so a driver substitutes a scratch buffer from this package
// and reconciles the two when the transfer completes.
//
// # Ownership
//
// A [Buffer] is an owning handle. Whoever holds the pointer owns the memory
// and must call [Buffer.Release] exactly once; Release empties the handle so
// a repeated call is harmless. Copies of a Buffer value made before the
// release are stale: using them panics with [pkg.ErrDoubleRelease].
//
// # Allocators
//
//   - [Heap] over-allocates from the Go heap and slices to alignment, keeping
//     released blocks on per-size-class free lists.
//   - [Arena] maps a fixed region outside the Go heap (mmap on Linux, pinned
//     with mlock when requested) and hands out equal slots.
//   - [Tracker] wraps either one, counts live buffers, and panics on any
//     release it cannot account for. Tests use it to prove release-once.
//
// [pkg.ErrDoubleRelease]: github.com/ardnew/softhcd/pkg.ErrDoubleRelease
package dma
