// Package pkg provides shared utilities for the softhcd host controller
// driver.
//
// This package contains common functionality used across the driver, its
// DMA memory layer, and the simulated controller core:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for USB protocol and DMA errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with controller-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentHCD, "controller started", "channels", 8)
//
// [LevelTrace] sits below Debug and is used for per-transaction records.
//
// # Errors
//
// Common errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrMisaligned) {
//	    // The core rejected a buffer the driver should have substituted
//	}
package pkg
