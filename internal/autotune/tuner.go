package autotune

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Default benchmarking bounds. Timeouts are handled by bounding iteration
// counts, not wall-clock cutoffs.
const (
	DefaultWarmup     = 3
	DefaultIterations = 10
)

// FatalError reports that every candidate for a key failed to compile or
// execute. No entry is cached; the per-candidate causes are attached.
type FatalError struct {
	Key    Key
	Causes []error
}

func (e *FatalError) Error() string {
	parts := make([]string, len(e.Causes))
	for i, c := range e.Causes {
		parts[i] = fmt.Sprintf("candidate %d: %v", i, c)
	}
	return fmt.Sprintf("autotune: all %d candidates failed for %s: %s",
		len(e.Causes), e.Key, strings.Join(parts, "; "))
}

// entry is one cache slot. It transitions from benchmarking (done open)
// to resolved (done closed, winner set) exactly once; entries for failed
// runs are removed, so readers never observe a half-written state.
type entry struct {
	winner     int
	candidates int // candidate-set fingerprint
	medianSec  float64
	created    time.Time
	resolved   bool
	err        error
	done       chan struct{}
}

// Tuner is the process-wide autotune cache for one device context.
// Lifetime is explicit: created empty or loaded from a persisted cache,
// optionally saved at teardown.
type Tuner struct {
	mu      sync.Mutex
	entries map[string]*entry

	warmup      int
	iters       int
	provisional bool
}

// Option configures a Tuner.
type Option func(*Tuner)

// WithWarmup sets the number of discarded warmup runs per candidate.
func WithWarmup(n int) Option {
	return func(t *Tuner) { t.warmup = n }
}

// WithIterations sets the number of measured runs per candidate.
func WithIterations(n int) Option {
	return func(t *Tuner) { t.iters = n }
}

// WithProvisionalDefault makes concurrent callers that hit a key while its
// benchmark is in flight use candidate 0 for that call only, instead of
// blocking. A benchmark is never duplicated either way.
func WithProvisionalDefault() Option {
	return func(t *Tuner) { t.provisional = true }
}

// NewTuner creates an empty tuner.
func NewTuner(opts ...Option) *Tuner {
	t := &Tuner{
		entries: make(map[string]*entry),
		warmup:  DefaultWarmup,
		iters:   DefaultIterations,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Select returns the fastest of n candidates for the key. On first use it
// benchmarks every candidate via run (which must execute candidate idx
// once on sample inputs, including any compile step) and caches the
// winner; later calls short-circuit to the cached index. Exactly one
// benchmarking run happens per key under concurrency.
//
// Candidates must be numerically equivalent: only latency is compared,
// never correctness.
func (t *Tuner) Select(key Key, n int, run func(idx int) error) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("autotune: no candidates for %s", key)
	}
	k := key.String()

	t.mu.Lock()
	e, ok := t.entries[k]
	if ok && e.resolved && e.candidates != n {
		// Persisted entry from a different candidate set; retune.
		delete(t.entries, k)
		ok = false
	}
	if ok {
		if e.resolved {
			t.mu.Unlock()
			return e.winner, nil
		}
		// Benchmark in flight.
		if t.provisional {
			t.mu.Unlock()
			return 0, nil
		}
		done := e.done
		t.mu.Unlock()
		<-done
		if e.err != nil {
			return 0, e.err
		}
		return e.winner, nil
	}

	e = &entry{candidates: n, created: time.Now(), done: make(chan struct{})}
	t.entries[k] = e
	t.mu.Unlock()

	winner, median, err := t.benchmark(key, n, run)

	t.mu.Lock()
	if err != nil {
		// Universal failure: nothing is cached for the key.
		delete(t.entries, k)
		e.err = err
	} else {
		e.winner = winner
		e.medianSec = median
		e.resolved = true
	}
	close(e.done)
	t.mu.Unlock()

	if err != nil {
		return 0, err
	}
	return winner, nil
}

// benchmark measures every candidate and returns the index with minimum
// median latency. Candidates failing during warmup or measurement are
// disqualified; the run is fatal only when all of them fail.
func (t *Tuner) benchmark(key Key, n int, run func(idx int) error) (int, float64, error) {
	start := time.Now()
	benchmarkRunsTotal.WithLabelValues(key.Family).Inc()

	winner := -1
	best := 0.0
	causes := make([]error, n)

	for idx := 0; idx < n; idx++ {
		median, err := t.measure(idx, run)
		if err != nil {
			causes[idx] = err
			disqualifiedTotal.WithLabelValues(key.Family).Inc()
			continue
		}
		if winner < 0 || median < best {
			winner = idx
			best = median
		}
	}

	benchmarkDuration.WithLabelValues(key.Family).Observe(time.Since(start).Seconds())
	if winner < 0 {
		return 0, 0, &FatalError{Key: key, Causes: causes}
	}
	return winner, best, nil
}

// measure runs one candidate: warmup rounds discarded, then measured
// rounds. Returns the median wall time in seconds.
func (t *Tuner) measure(idx int, run func(idx int) error) (float64, error) {
	for i := 0; i < t.warmup; i++ {
		if err := run(idx); err != nil {
			return 0, err
		}
	}
	samples := make([]float64, 0, t.iters)
	for i := 0; i < t.iters; i++ {
		begin := time.Now()
		if err := run(idx); err != nil {
			return 0, err
		}
		samples = append(samples, time.Since(begin).Seconds())
	}
	sort.Float64s(samples)
	return stat.Quantile(0.5, stat.Empirical, samples, nil), nil
}

// Resolved returns the cached winner for a key, if any.
func (t *Tuner) Resolved(key Key) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key.String()]
	if !ok || !e.resolved {
		return 0, false
	}
	return e.winner, true
}

// Len returns the number of resolved entries.
func (t *Tuner) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.resolved {
			n++
		}
	}
	return n
}
