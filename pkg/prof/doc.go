// Package prof captures runtime profiles of a softhcd run.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/softhcd
//
// Without the tag every function is a no-op, so callers leave profiling
// hooks in place at no cost.
//
// A [Session] streams a CPU profile while it is open and writes snapshot
// profiles when it stops:
//
//	s, err := prof.Start(prof.Config{CPU: "cpu.prof", Mutex: "mutex.prof"})
//	if err != nil {
//	    return err
//	}
//	defer s.Stop()
//
// Only one session may hold the CPU profiler at a time; a second one
// fails with [ErrCPUProfileActive].
package prof
