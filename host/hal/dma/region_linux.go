//go:build linux

package dma

import "golang.org/x/sys/unix"

// mapRegion maps size bytes of anonymous, page-aligned memory outside the
// Go heap so the collector never moves or scans it.
func mapRegion(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapRegion(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}

// lockRegion pins the region in RAM. It fails under a low RLIMIT_MEMLOCK.
func lockRegion(b []byte) error {
	return unix.Mlock(b)
}

func unlockRegion(b []byte) error {
	return unix.Munlock(b)
}
