package dispatch

import (
	"testing"
	"time"

	"github.com/loom-gpu/loom/internal/device"
)

func TestPoolReusesBuffers(t *testing.T) {
	dev := newFakeDevice()
	disp := New(dev)
	defer disp.Close()
	p := NewPool(dev, disp)

	b1, err := p.Acquire(1024)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(b1)

	b2, err := p.Acquire(512)
	if err != nil {
		t.Fatal(err)
	}
	if b2 != b1 {
		t.Error("pool did not reuse the released buffer")
	}

	allocated, hits, misses, _ := p.Stats()
	if allocated != 1 || hits != 1 || misses != 1 {
		t.Errorf("Stats() = %d allocated, %d hits, %d misses; want 1, 1, 1", allocated, hits, misses)
	}
}

func TestPoolClassSeparation(t *testing.T) {
	dev := newFakeDevice()
	disp := New(dev)
	defer disp.Close()
	p := NewPool(dev, disp)

	small, _ := p.Acquire(128)
	p.Release(small)

	// A large request must not dip into the small class.
	large, err := p.Acquire(2 * 1024 * 1024)
	if err != nil {
		t.Fatal(err)
	}
	if large == small {
		t.Error("pool returned a small buffer for a large request")
	}
}

func TestPoolParksFencedBuffers(t *testing.T) {
	dev := newFakeDevice()
	dev.latency = 5 * time.Millisecond
	disp := New(dev)
	defer disp.Close()
	p := NewPool(dev, disp)

	buf, err := p.Acquire(256)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := disp.Submit(&fakeKernel{name: "k"}, []device.Buffer{buf}, 64); err != nil {
		t.Fatal(err)
	}

	// Released while fenced: parked, not pooled.
	p.Release(buf)
	if b, _ := p.Acquire(256); b == buf {
		t.Fatal("pool handed out a fenced buffer")
	}

	if err := disp.Sync(); err != nil {
		t.Fatal(err)
	}
	p.Drain()
	if b, _ := p.Acquire(256); b != buf {
		t.Error("drained buffer not requeued after fence completed")
	}
}

func TestPoolClearFrees(t *testing.T) {
	dev := newFakeDevice()
	disp := New(dev)
	defer disp.Close()
	p := NewPool(dev, disp)

	for i := 0; i < 3; i++ {
		b, err := p.Acquire(64)
		if err != nil {
			t.Fatal(err)
		}
		p.Release(b)
		// Same buffer cycles, so acquire a distinct one each round.
		b2, err := p.Acquire(4096 * (i + 1))
		if err != nil {
			t.Fatal(err)
		}
		p.Release(b2)
	}
	p.Clear()

	dev.mu.Lock()
	frees := dev.frees
	dev.mu.Unlock()
	if frees == 0 {
		t.Error("Clear() freed nothing")
	}
	if _, _, _, pooled := p.Stats(); pooled != 0 {
		t.Errorf("pool holds %d buffers after Clear", pooled)
	}
}
