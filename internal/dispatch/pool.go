package dispatch

import (
	"sync"

	"github.com/loom-gpu/loom/internal/device"
)

// Buffer size categories for pooling.
type sizeClass int

const (
	smallClass sizeClass = iota
	mediumClass
	largeClass
)

const (
	smallThreshold  = 4 * 1024    // 4KB
	mediumThreshold = 1024 * 1024 // 1MB
	maxPoolSize     = 100         // max pooled buffers per class
)

// Pool reuses device buffers to cut allocation overhead. A released buffer
// with a pending fence is parked until the dispatcher reports it
// reclaimable; Acquire never hands out a buffer the device may still be
// writing.
type Pool struct {
	dev  device.Device
	disp *Dispatcher

	mu      sync.Mutex
	classes [3][]device.Buffer
	parked  []device.Buffer // released while fenced

	// Statistics.
	totalAllocated uint64
	hits           uint64
	misses         uint64
}

// NewPool creates a buffer pool bound to a dispatcher's fence state.
func NewPool(dev device.Device, disp *Dispatcher) *Pool {
	return &Pool{dev: dev, disp: disp}
}

// Acquire returns a buffer of at least size bytes, reusing a pooled one
// when possible.
func (p *Pool) Acquire(size int) (device.Buffer, error) {
	p.mu.Lock()
	class := classify(size)
	pool := p.classes[class]
	for i, b := range pool {
		if b.Size() >= size {
			p.classes[class] = append(pool[:i], pool[i+1:]...)
			p.hits++
			p.mu.Unlock()
			poolHitsTotal.WithLabelValues(p.dev.Name()).Inc()
			return b, nil
		}
	}
	p.misses++
	p.totalAllocated++
	p.mu.Unlock()

	poolMissesTotal.WithLabelValues(p.dev.Name()).Inc()
	return p.dev.Alloc(size)
}

// Release returns a buffer to the pool. Buffers with a pending fence are
// parked and requeued by Drain once their submissions complete.
func (p *Pool) Release(b device.Buffer) {
	if !p.disp.Reclaimable(b) {
		p.mu.Lock()
		p.parked = append(p.parked, b)
		p.mu.Unlock()
		return
	}
	p.pool(b)
}

// Drain requeues parked buffers whose fences have completed. The execution
// context calls this after Sync.
func (p *Pool) Drain() {
	p.mu.Lock()
	parked := p.parked
	p.parked = nil
	p.mu.Unlock()

	for _, b := range parked {
		if p.disp.Reclaimable(b) {
			p.pool(b)
		} else {
			p.mu.Lock()
			p.parked = append(p.parked, b)
			p.mu.Unlock()
		}
	}
}

// pool inserts a reclaimable buffer, freeing it if the class is full.
func (p *Pool) pool(b device.Buffer) {
	p.mu.Lock()
	class := classify(b.Size())
	if len(p.classes[class]) >= maxPoolSize {
		p.mu.Unlock()
		p.dev.Free(b)
		return
	}
	p.classes[class] = append(p.classes[class], b)
	p.mu.Unlock()
}

// Clear frees every pooled buffer. Parked buffers are freed too; callers
// must Sync first so no fence is pending.
func (p *Pool) Clear() {
	p.mu.Lock()
	var all []device.Buffer
	for i := range p.classes {
		all = append(all, p.classes[i]...)
		p.classes[i] = nil
	}
	all = append(all, p.parked...)
	p.parked = nil
	p.mu.Unlock()

	for _, b := range all {
		p.dev.Free(b)
	}
}

// Stats returns pool usage counters.
func (p *Pool) Stats() (allocated, hits, misses uint64, pooled int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.classes {
		n += len(p.classes[i])
	}
	return p.totalAllocated, p.hits, p.misses, n
}

func classify(size int) sizeClass {
	if size < smallThreshold {
		return smallClass
	}
	if size < mediumThreshold {
		return mediumClass
	}
	return largeClass
}
