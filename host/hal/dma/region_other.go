//go:build !linux

package dma

import (
	"os"

	"github.com/ardnew/softhcd/pkg"
)

func mapRegion(size int) ([]byte, error) {
	return alignedBytes(size, os.Getpagesize()), nil
}

func unmapRegion([]byte) error {
	return nil
}

func lockRegion([]byte) error {
	return pkg.ErrNotSupported
}

func unlockRegion([]byte) error {
	return nil
}
