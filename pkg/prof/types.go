package prof

import "errors"

// Profiling errors.
var (
	// ErrCPUProfileActive indicates another session holds the CPU profiler.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an unknown profile name.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Profile names a pprof profile.
type Profile string

// Profile names understood by runtime/pprof.
const (
	ProfileCPU       Profile = "cpu"
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

func (p Profile) String() string {
	return string(p)
}

// Config selects the profiles a session writes. Empty paths are skipped.
type Config struct {
	CPU       string // Streamed while the session is open
	Heap      string // Written on Stop
	Goroutine string // Written on Stop
	Block     string // Block sampling is enabled for the session
	Mutex     string // Mutex sampling is enabled for the session
}

// Enabled reports whether any profile is requested.
func (c Config) Enabled() bool {
	return c.CPU != "" || c.Heap != "" || c.Goroutine != "" || c.Block != "" || c.Mutex != ""
}

func (c Config) snapshots() []snapshot {
	var out []snapshot
	for _, s := range []snapshot{
		{ProfileHeap, c.Heap},
		{ProfileGoroutine, c.Goroutine},
		{ProfileBlock, c.Block},
		{ProfileMutex, c.Mutex},
	} {
		if s.path != "" {
			out = append(out, s)
		}
	}
	return out
}

type snapshot struct {
	profile Profile
	path    string
}
