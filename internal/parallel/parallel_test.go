package parallel

import (
	"sync/atomic"
	"testing"
)

func TestFor(t *testing.T) {
	cfg := DefaultConfig()

	var counter int64
	n := 1000

	For(n, func(_ int) {
		atomic.AddInt64(&counter, 1)
	}, cfg)

	if counter != int64(n) {
		t.Errorf("Expected %d, got %d", n, counter)
	}
}

func TestForCoversEveryGroup(t *testing.T) {
	cfg := DefaultConfig()
	n := 512
	seen := make([]atomic.Bool, n)

	For(n, func(g int) {
		seen[g].Store(true)
	}, cfg)

	for g := range seen {
		if !seen[g].Load() {
			t.Errorf("group %d never executed", g)
		}
	}
}

func TestFor_Sequential(t *testing.T) {
	cfg := Config{Enabled: false}

	var counter int64
	For(100, func(_ int) {
		atomic.AddInt64(&counter, 1)
	}, cfg)

	if counter != 100 {
		t.Errorf("Expected 100, got %d", counter)
	}
}

func TestFor_FewGroups(t *testing.T) {
	// Launches with few workgroups run sequentially.
	cfg := DefaultConfig()

	var counter int64
	n := cfg.MinGroups - 1

	For(n, func(_ int) {
		atomic.AddInt64(&counter, 1)
	}, cfg)

	if counter != int64(n) {
		t.Errorf("Expected %d, got %d", n, counter)
	}
}

func BenchmarkFor(b *testing.B) {
	cfg := DefaultConfig()
	n := 10000

	b.Run("parallel", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			var sum int64
			For(n, func(g int) {
				atomic.AddInt64(&sum, int64(g))
			}, cfg)
		}
	})

	b.Run("sequential", func(b *testing.B) {
		cfgSeq := cfg
		cfgSeq.Enabled = false
		for i := 0; i < b.N; i++ {
			var sum int64
			For(n, func(g int) {
				atomic.AddInt64(&sum, int64(g))
			}, cfgSeq)
		}
	})
}
