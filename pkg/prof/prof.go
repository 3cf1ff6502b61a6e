//go:build profile

package prof

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
)

var (
	cpuMu     sync.Mutex
	cpuActive bool
)

// Session is an open profiling window.
type Session struct {
	cfg     Config
	cpuFile *os.File
	once    sync.Once
	err     error
}

// Start opens a session. The CPU profile, if requested, starts at once;
// block and mutex sampling are enabled until Stop.
func Start(cfg Config) (*Session, error) {
	s := &Session{cfg: cfg}

	if cfg.CPU != "" {
		cpuMu.Lock()
		defer cpuMu.Unlock()
		if cpuActive {
			return nil, ErrCPUProfileActive
		}
		f, err := os.Create(cfg.CPU)
		if err != nil {
			return nil, err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return nil, err
		}
		s.cpuFile = f
		cpuActive = true
	}

	if cfg.Block != "" {
		runtime.SetBlockProfileRate(1)
	}
	if cfg.Mutex != "" {
		runtime.SetMutexProfileFraction(1)
	}
	return s, nil
}

// Stop ends the CPU profile and writes every snapshot profile. Later
// calls return the first call's result.
func (s *Session) Stop() error {
	s.once.Do(func() {
		var errs []error
		if s.cpuFile != nil {
			cpuMu.Lock()
			pprof.StopCPUProfile()
			cpuActive = false
			cpuMu.Unlock()
			errs = append(errs, s.cpuFile.Close())
		}
		for _, snap := range s.cfg.snapshots() {
			if err := writeFile(snap.profile, snap.path); err != nil {
				errs = append(errs, fmt.Errorf("%s profile: %w", snap.profile, err))
			}
		}
		if s.cfg.Block != "" {
			runtime.SetBlockProfileRate(0)
		}
		if s.cfg.Mutex != "" {
			runtime.SetMutexProfileFraction(0)
		}
		s.err = errors.Join(errs...)
	})
	return s.err
}

// WriteTo writes a snapshot profile to w. debug 0 is the protobuf format
// go tool pprof reads; debug 1 is text.
func WriteTo(profile Profile, w io.Writer, debug int) error {
	if profile == ProfileCPU {
		return fmt.Errorf("%w: %s is streamed, not snapshotted", ErrInvalidProfile, profile)
	}
	p := pprof.Lookup(string(profile))
	if p == nil {
		return fmt.Errorf("%w: %s", ErrInvalidProfile, profile)
	}
	return p.WriteTo(w, debug)
}

func writeFile(profile Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTo(profile, f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
