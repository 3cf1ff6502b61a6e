package dma

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ardnew/softhcd/pkg"
)

// releaser takes a block back once its owning Buffer is released.
type releaser interface {
	release(b *block)
}

// block is one aligned region handed out by an allocator. Its generation
// advances on every release so that stale handles can be recognized.
type block struct {
	mem   []byte
	gen   atomic.Uint32
	owner releaser
	slot  int // index within an Arena
}

// Buffer is an owning handle to DMA-safe memory.
//
// A Buffer is released exactly once. Release clears the handle, so calling
// it again through the same pointer is a no-op; calling it (or Bytes)
// through a copy made before the release panics with [pkg.ErrDoubleRelease]
// rather than freeing memory that may already belong to another transfer.
type Buffer struct {
	b   *block
	gen uint32
	n   int
}

func newBuffer(b *block, n int) *Buffer {
	return &Buffer{b: b, gen: b.gen.Load(), n: n}
}

// Valid reports whether the handle still owns memory.
func (buf *Buffer) Valid() bool {
	return buf != nil && buf.b != nil
}

// Bytes returns the buffer contents, Len bytes long with Cap capacity.
// Returns nil for an empty handle.
func (buf *Buffer) Bytes() []byte {
	if !buf.Valid() {
		return nil
	}
	buf.check("access")
	return buf.b.mem[:buf.n:len(buf.b.mem)]
}

// Len returns the requested length of the buffer.
func (buf *Buffer) Len() int {
	if !buf.Valid() {
		return 0
	}
	return buf.n
}

// Cap returns the usable capacity, which is Len rounded up to the
// allocator's size class.
func (buf *Buffer) Cap() int {
	if !buf.Valid() {
		return 0
	}
	return len(buf.b.mem)
}

// Addr returns the address of the first byte, or 0 for an empty handle.
func (buf *Buffer) Addr() uintptr {
	if !buf.Valid() || len(buf.b.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf.b.mem[0]))
}

// SetLen changes the length reported by Bytes. n must not exceed Cap.
func (buf *Buffer) SetLen(n int) error {
	if !buf.Valid() {
		return pkg.ErrInvalidParameter
	}
	if n < 0 || n > len(buf.b.mem) {
		return fmt.Errorf("%w: length %d, capacity %d", pkg.ErrLengthOverflow, n, len(buf.b.mem))
	}
	buf.n = n
	return nil
}

// Release returns the memory to its allocator and empties the handle.
func (buf *Buffer) Release() {
	if !buf.Valid() {
		return
	}
	buf.check("release")
	b := buf.b
	buf.b = nil
	buf.n = 0
	b.gen.Add(1)
	b.owner.release(b)
}

func (buf *Buffer) check(op string) {
	if cur := buf.b.gen.Load(); cur != buf.gen {
		panic(fmt.Errorf("%w: %s through stale handle (gen %d, block gen %d)",
			pkg.ErrDoubleRelease, op, buf.gen, cur))
	}
}

// IsAligned reports whether the first byte of b sits on an align boundary.
// Empty slices are considered aligned since no DMA touches them.
func IsAligned(b []byte, align int) bool {
	if len(b) == 0 || align <= 1 {
		return true
	}
	return uintptr(unsafe.Pointer(&b[0]))%uintptr(align) == 0
}

// AlignUp rounds n up to the next multiple of align. align must be a power
// of two.
func AlignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// validAlignment reports whether align is a usable power of two.
func validAlignment(align int) bool {
	return align > 0 && align&(align-1) == 0
}

// alignedBytes allocates size bytes whose backing array starts on an align
// boundary by over-allocating and slicing.
func alignedBytes(size, align int) []byte {
	if size == 0 {
		return nil
	}
	raw := make([]byte, size+align-1)
	off := 0
	if mod := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(align)); mod != 0 {
		off = align - mod
	}
	return raw[off : off+size : off+size]
}
