package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loom-gpu/loom/internal/device"
)

// Status describes where a submission is in its lifecycle.
type Status int

// Submission states. A fault aborts only its own submission; the stream
// keeps executing later work.
const (
	Queued Status = iota
	Running
	Completed
	Faulted
)

// String returns the lowercase state name.
func (s Status) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Submit and Sync after Close.
var ErrClosed = errors.New("dispatch: stream closed")

// ErrUnknownSubmission is returned by Poll for an id the stream has
// already pruned or never saw.
var ErrUnknownSubmission = errors.New("dispatch: unknown submission")

type submission struct {
	id      uuid.UUID
	seq     uint64
	kernel  device.Kernel
	buffers []device.Buffer
	n       int
	status  Status
	err     error
}

// Dispatcher owns one in-order submission stream for a device. Submit is
// non-blocking; a worker goroutine drains the queue in submission order on
// the device's own timeline. Sync blocks until all prior work completed.
type Dispatcher struct {
	dev device.Device

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*submission
	subs    map[uuid.UUID]*submission
	fences  map[device.Buffer]uint64 // last submission seq referencing the buffer
	nextSeq uint64
	doneSeq uint64
	faults  []error // accumulated since the last Sync
	closed  bool
}

// New creates a dispatcher and starts its stream worker.
func New(dev device.Device) *Dispatcher {
	d := &Dispatcher{
		dev:    dev,
		subs:   make(map[uuid.UUID]*submission),
		fences: make(map[device.Buffer]uint64),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// Submit enqueues a kernel launch over n elements and returns immediately.
// Buffers referenced by the submission are fenced: the pool will not reuse
// them until the submission completes.
func (d *Dispatcher) Submit(k device.Kernel, buffers []device.Buffer, n int) (uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return uuid.Nil, ErrClosed
	}

	d.nextSeq++
	sub := &submission{
		id:      uuid.New(),
		seq:     d.nextSeq,
		kernel:  k,
		buffers: buffers,
		n:       n,
		status:  Queued,
	}
	for _, b := range buffers {
		d.fences[b] = sub.seq
	}
	d.queue = append(d.queue, sub)
	d.subs[sub.id] = sub
	submissionsTotal.WithLabelValues(d.dev.Name()).Inc()
	d.cond.Broadcast()
	return sub.id, nil
}

// run is the stream worker: it executes submissions strictly in order.
func (d *Dispatcher) run() {
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed && len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		sub := d.queue[0]
		d.queue = d.queue[1:]
		sub.status = Running
		d.mu.Unlock()

		err := d.dev.Launch(sub.kernel, sub.buffers, sub.n)

		d.mu.Lock()
		if err != nil {
			sub.status = Faulted
			sub.err = err
			d.faults = append(d.faults, fmt.Errorf("dispatch: submission %s (%s): %w", sub.id, sub.kernel.Name(), err))
			faultsTotal.WithLabelValues(d.dev.Name()).Inc()
		} else {
			sub.status = Completed
		}
		d.doneSeq = sub.seq
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}

// Sync blocks until all previously submitted work has completed, then
// returns the faults raised since the last Sync (nil if none). Completed
// submissions are pruned; Poll stops answering for them.
func (d *Dispatcher) Sync() error {
	start := time.Now()
	d.mu.Lock()
	target := d.nextSeq
	for d.doneSeq < target {
		if d.closed {
			d.mu.Unlock()
			return ErrClosed
		}
		d.cond.Wait()
	}
	err := errors.Join(d.faults...)
	d.faults = nil
	for id, sub := range d.subs {
		if sub.seq <= d.doneSeq {
			delete(d.subs, id)
		}
	}
	// A fence at or below doneSeq can never block reclamation again;
	// dropping it keeps the map from growing with the buffer churn.
	for b, seq := range d.fences {
		if seq <= d.doneSeq {
			delete(d.fences, b)
		}
	}
	d.mu.Unlock()
	syncDuration.WithLabelValues(d.dev.Name()).Observe(time.Since(start).Seconds())
	return err
}

// Poll returns the status of a submission and, for a faulted one, its
// error. Submissions are pruned at Sync.
func (d *Dispatcher) Poll(id uuid.UUID) (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subs[id]
	if !ok {
		return Completed, ErrUnknownSubmission
	}
	return sub.status, sub.err
}

// Reclaimable reports whether the buffer has no pending fence: every
// submission referencing it has completed. The allocator must check this
// before reusing a buffer.
func (d *Dispatcher) Reclaimable(b device.Buffer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	seq, fenced := d.fences[b]
	return !fenced || seq <= d.doneSeq
}

// Close drains the stream and stops the worker. Pending submissions still
// execute; new submissions are rejected.
func (d *Dispatcher) Close() error {
	err := d.Sync()
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}
