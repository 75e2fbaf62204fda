package notify

import "strings"

// QueueGuard passes while the lane holds fewer than Max pending jobs.
type QueueGuard struct {
	Pending func() int
	Max     int
}

func (g QueueGuard) Allow() bool {
	if g.Pending == nil {
		return false
	}
	if g.Max <= 0 {
		return true
	}
	return g.Pending() < g.Max
}

// DiskGuard passes while the device holding Dir has more than MinFree bytes.
// It is permissive when the directory cannot be inspected.
type DiskGuard struct {
	Dir     string
	MinFree uint64

	// free is swapped in tests.
	free func(dir string) (uint64, error)
}

func (g DiskGuard) Allow() bool {
	if g.MinFree == 0 || strings.TrimSpace(g.Dir) == "" {
		return true
	}
	fn := g.free
	if fn == nil {
		fn = freeBytes
	}
	free, err := fn(g.Dir)
	if err != nil {
		return true
	}
	return free > g.MinFree
}
