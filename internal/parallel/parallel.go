// Package parallel provides the workgroup-parallel execution helper used
// by the reference device. Workgroups of a kernel launch are independent
// by construction, so they can run on separate goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled    bool // whether parallel execution is enabled
	NumWorkers int  // number of worker goroutines
	MinGroups  int  // minimum workgroups before goroutines pay off
}

// DefaultConfig returns defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:    n > 1,
		NumWorkers: n,
		MinGroups:  8,
	}
}

// For executes f(g) for every workgroup g in [0, n). f must not share
// mutable state across groups; each group owns a disjoint element range.
// Falls back to sequential execution when parallelism is disabled or the
// group count is too small to amortize goroutine overhead.
func For(n int, f func(g int), cfg Config) {
	if !cfg.Enabled || n < cfg.MinGroups {
		for g := 0; g < n; g++ {
			f(g)
		}
		return
	}

	var wg sync.WaitGroup
	chunk := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, 1)

	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for g := s; g < e; g++ {
				f(g)
			}
		}(start, end)
	}
	wg.Wait()
}
