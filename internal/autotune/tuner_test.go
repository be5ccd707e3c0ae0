package autotune

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

var testKey = Key{Family: "pointwise-3", Bucket: 10, Device: "sim"}

func TestBucketFor(t *testing.T) {
	tests := []struct {
		n      int
		bucket int
	}{
		{1, 0},
		{2, 1},
		{3, 2},
		{4, 2},
		{1024, 10},
		{1025, 11},
		{1 << 20, 20},
	}
	for _, tt := range tests {
		if got := BucketFor(tt.n); got != tt.bucket {
			t.Errorf("BucketFor(%d) = %d, want %d", tt.n, got, tt.bucket)
		}
	}
}

func TestKeyString(t *testing.T) {
	if got := testKey.String(); got != "pointwise-3|b10|sim" {
		t.Errorf("Key.String() = %q", got)
	}
}

// latencyRunner makes candidate latencies deterministic: candidate idx
// sleeps latencies[idx] per run.
func latencyRunner(latencies []time.Duration, calls *atomic.Int64) func(idx int) error {
	return func(idx int) error {
		if calls != nil {
			calls.Add(1)
		}
		time.Sleep(latencies[idx])
		return nil
	}
}

func TestSelectPicksFastest(t *testing.T) {
	tu := NewTuner(WithWarmup(1), WithIterations(3))
	lat := []time.Duration{4 * time.Millisecond, 100 * time.Microsecond, 2 * time.Millisecond}

	winner, err := tu.Select(testKey, 3, latencyRunner(lat, nil))
	if err != nil {
		t.Fatal(err)
	}
	if winner != 1 {
		t.Errorf("winner = %d, want 1 (lowest latency)", winner)
	}
	if got, ok := tu.Resolved(testKey); !ok || got != 1 {
		t.Errorf("Resolved() = %d, %v; want 1, true", got, ok)
	}
}

func TestSelectCachesWinner(t *testing.T) {
	tu := NewTuner(WithWarmup(0), WithIterations(1))
	var calls atomic.Int64

	run := latencyRunner([]time.Duration{0, 0}, &calls)
	if _, err := tu.Select(testKey, 2, run); err != nil {
		t.Fatal(err)
	}
	first := calls.Load()
	if first != 2 {
		t.Fatalf("benchmark ran %d times, want 2 (1 iteration x 2 candidates)", first)
	}
	if _, err := tu.Select(testKey, 2, run); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != first {
		t.Error("resolved key re-ran the benchmark")
	}
}

func TestSelectSingleFlight(t *testing.T) {
	tu := NewTuner(WithWarmup(1), WithIterations(2))
	var benchCalls atomic.Int64

	run := func(idx int) error {
		benchCalls.Add(1)
		time.Sleep(time.Millisecond)
		return nil
	}

	var g errgroup.Group
	winners := make([]int, 8)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			w, err := tu.Select(testKey, 2, run)
			winners[i] = w
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	// warmup(1) + iters(2) per candidate, 2 candidates, exactly once.
	if got := benchCalls.Load(); got != 6 {
		t.Errorf("benchmark executed %d candidate runs, want 6 (single flight)", got)
	}
	for i := 1; i < len(winners); i++ {
		if winners[i] != winners[0] {
			t.Fatalf("winners diverge: %v", winners)
		}
	}
}

func TestSelectProvisionalDefault(t *testing.T) {
	tu := NewTuner(WithWarmup(0), WithIterations(1), WithProvisionalDefault())
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	go tu.Select(testKey, 2, func(idx int) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	<-started

	// While the benchmark is blocked, a second caller gets candidate 0
	// immediately instead of waiting.
	done := make(chan int, 1)
	go func() {
		w, _ := tu.Select(testKey, 2, func(idx int) error { return nil })
		done <- w
	}()
	select {
	case w := <-done:
		if w != 0 {
			t.Errorf("provisional winner = %d, want 0", w)
		}
	case <-time.After(time.Second):
		t.Fatal("provisional caller blocked on in-flight benchmark")
	}
	close(release)
}

func TestSelectDisqualifiesFailingCandidate(t *testing.T) {
	tu := NewTuner(WithWarmup(0), WithIterations(2))
	compileErr := errors.New("compile failed")

	winner, err := tu.Select(testKey, 3, func(idx int) error {
		if idx == 0 {
			return compileErr
		}
		if idx == 2 {
			time.Sleep(2 * time.Millisecond)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if winner != 1 {
		t.Errorf("winner = %d, want 1 (candidate 0 disqualified, 2 slower)", winner)
	}
}

func TestSelectAllCandidatesFailing(t *testing.T) {
	tu := NewTuner(WithWarmup(0), WithIterations(1))
	boom := errors.New("launch fault")

	_, err := tu.Select(testKey, 2, func(idx int) error { return boom })
	if err == nil {
		t.Fatal("Select succeeded with universally failing candidates")
	}
	var ferr *FatalError
	if !errors.As(err, &ferr) {
		t.Fatalf("error = %T, want *FatalError", err)
	}
	if len(ferr.Causes) != 2 {
		t.Errorf("FatalError carries %d causes, want 2", len(ferr.Causes))
	}

	// Nothing was cached: a later call with working candidates retunes.
	if _, ok := tu.Resolved(testKey); ok {
		t.Error("failed benchmark left a resolved entry")
	}
	winner, err := tu.Select(testKey, 2, latencyRunner([]time.Duration{0, time.Millisecond}, nil))
	if err != nil {
		t.Fatal(err)
	}
	if winner != 0 {
		t.Errorf("retune winner = %d, want 0", winner)
	}
}

func TestSelectNoCandidates(t *testing.T) {
	tu := NewTuner()
	if _, err := tu.Select(testKey, 0, func(int) error { return nil }); err == nil {
		t.Fatal("Select accepted zero candidates")
	}
}

func TestPersistRoundTrip(t *testing.T) {
	tu := NewTuner(WithWarmup(0), WithIterations(1))
	lat := []time.Duration{time.Millisecond, 0}
	if _, err := tu.Select(testKey, 2, latencyRunner(lat, nil)); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := tu.Save(&buf); err != nil {
		t.Fatal(err)
	}

	fresh := NewTuner()
	if n := fresh.Load(bytes.NewReader(buf.Bytes())); n != 1 {
		t.Fatalf("Load() = %d entries, want 1", n)
	}

	// The loaded entry short-circuits: the runner must never be called.
	winner, err := fresh.Select(testKey, 2, func(idx int) error {
		t.Error("loaded entry re-ran the benchmark")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if winner != 1 {
		t.Errorf("loaded winner = %d, want 1", winner)
	}
}

func TestLoadToleratesCorruptInput(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"garbage", "not json at all"},
		{"empty", ""},
		{"wrong version", `{"version": 99, "entries": {}}`},
		{"invalid winner", fmt.Sprintf(`{"version": 1, "entries": {%q: {"winner": 7, "candidates": 4}}}`, testKey.String())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tu := NewTuner()
			if n := tu.Load(bytes.NewReader([]byte(tt.data))); n != 0 {
				t.Errorf("Load() = %d, want 0", n)
			}
		})
	}
}

func TestCandidateSetMismatchRetunes(t *testing.T) {
	tu := NewTuner(WithWarmup(0), WithIterations(1))
	if _, err := tu.Select(testKey, 2, latencyRunner([]time.Duration{0, 0}, nil)); err != nil {
		t.Fatal(err)
	}

	// Same key, different candidate count: the stale entry is discarded
	// and the benchmark reruns against the new set.
	var calls atomic.Int64
	if _, err := tu.Select(testKey, 4, latencyRunner(make([]time.Duration, 4), &calls)); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 4 {
		t.Errorf("retune executed %d runs, want 4", calls.Load())
	}
}

func TestSaveFileLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tune.json")

	tu := NewTuner(WithWarmup(0), WithIterations(1))
	if _, err := tu.Select(testKey, 2, latencyRunner([]time.Duration{0, 0}, nil)); err != nil {
		t.Fatal(err)
	}
	if err := tu.SaveFile(path); err != nil {
		t.Fatal(err)
	}

	fresh := NewTuner()
	if n := fresh.LoadFile(path); n != 1 {
		t.Errorf("LoadFile() = %d, want 1", n)
	}

	// Missing file loads nothing and is not an error.
	if n := fresh.LoadFile(filepath.Join(t.TempDir(), "absent.json")); n != 0 {
		t.Errorf("LoadFile(missing) = %d, want 0", n)
	}
}
