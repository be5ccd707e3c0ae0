package fusion

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/loom-gpu/loom/internal/op"
)

// Builder consumes a stream of operation descriptors and groups them into
// fusion traces. Push appends to the in-progress segment when the op is
// fusable with it; otherwise the segment is sealed and the op starts a new
// one. Push has no side effect beyond returning at most one sealed trace.
type Builder struct {
	cur   []op.Descriptor // open segment
	ready []*Trace        // sealed traces not yet handed to the caller

	// retired records intermediate handles that were internalized into an
	// already-sealed trace. Referencing one afterwards violates the
	// front-end contract that intermediates never escape their kernel.
	retired map[uuid.UUID]struct{}
}

// NewBuilder creates an empty fusion builder.
func NewBuilder() *Builder {
	return &Builder{retired: make(map[uuid.UUID]struct{})}
}

// Push feeds one descriptor into the builder. It returns a sealed trace
// when the op completed one (by fusing terminally or by forcing a flush),
// or nil while the segment is still growing.
func (b *Builder) Push(d op.Descriptor) (*Trace, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	for _, in := range d.Inputs {
		if _, gone := b.retired[in.ID]; gone {
			return nil, &op.ValidationError{
				Kind:   d.Kind,
				Reason: fmt.Sprintf("input %s is an internal value of an already-fused kernel", in),
			}
		}
	}

	b.accept(d)
	return b.pop(), nil
}

// Flush seals the in-progress segment (end-of-graph signal) and returns
// every sealed trace not yet handed out, in submission order.
func (b *Builder) Flush() []*Trace {
	if len(b.cur) > 0 {
		b.seal()
	}
	out := b.ready
	b.ready = nil
	return out
}

// accept routes the descriptor into the current segment or a new one.
func (b *Builder) accept(d op.Descriptor) {
	if len(b.cur) > 0 {
		if b.fusable(&d) {
			b.cur = append(b.cur, d)
			if d.Kind.Class() == op.Reduction {
				// A reduction terminates the trace it joins.
				b.seal()
			}
			return
		}
		b.seal()
	}

	b.cur = []op.Descriptor{d}
	if d.Kind.Class() != op.Pointwise {
		// Reductions and host readbacks cannot grow a segment.
		b.seal()
	}
}

// fusable reports whether d may join the open segment. Pointwise ops fuse
// when they share the iteration shape and element type and introduce no
// buffer aliasing hazard; a reduction may fuse only terminally, under the
// same shape and aliasing constraints. Readbacks never fuse.
func (b *Builder) fusable(d *op.Descriptor) bool {
	if d.Kind.Class() == op.HostReadback {
		return false
	}
	first := &b.cur[0]
	if !d.IterationShape().Equal(first.IterationShape()) {
		return false
	}
	if d.Inputs[0].DType != first.Inputs[0].DType {
		return false
	}
	return !b.aliases(d)
}

// aliases reports a buffer aliasing hazard: d writing a buffer that an
// earlier op in the segment reads or writes. Within one kernel launch such
// an overlap has no defined ordering across threads.
func (b *Builder) aliases(d *op.Descriptor) bool {
	for i := range b.cur {
		prev := &b.cur[i]
		if prev.Output.Same(d.Output) {
			return true
		}
		for _, in := range prev.Inputs {
			if in.Same(d.Output) {
				return true
			}
		}
	}
	return false
}

// pop returns the oldest sealed trace, if any.
func (b *Builder) pop() *Trace {
	if len(b.ready) == 0 {
		return nil
	}
	t := b.ready[0]
	b.ready = b.ready[1:]
	return t
}

// seal converts the open segment into a Trace: it classifies every handle
// as external input, external output, or internal register, assigns
// register slots with live-range reuse, and queues the trace.
func (b *Builder) seal() {
	ops := b.cur
	b.cur = nil

	t := &Trace{
		Ops:       ops,
		Shape:     ops[0].IterationShape().Clone(),
		DType:     ops[0].Inputs[0].DType,
		Registers: make(map[uuid.UUID]int),
		Reduces:   ops[len(ops)-1].Kind.Class() == op.Reduction,
	}

	produced := make(map[uuid.UUID]int, len(ops)) // handle -> defining op index
	lastUse := make(map[uuid.UUID]int)            // handle -> last consuming op index
	for i := range ops {
		for _, in := range ops[i].Inputs {
			if _, ok := produced[in.ID]; ok {
				lastUse[in.ID] = i
			} else if t.inputIndex(in.ID) < 0 {
				t.Inputs = append(t.Inputs, in)
			}
		}
		produced[ops[i].Output.ID] = i
	}

	// Terminal output always escapes; earlier outputs escape only when no
	// later op in the trace consumes them.
	for i := range ops {
		out := ops[i].Output
		if i < len(ops)-1 {
			if _, consumed := lastUse[out.ID]; consumed {
				t.Registers[out.ID] = -1 // slot assigned below
				b.retired[out.ID] = struct{}{}
				continue
			}
		}
		t.Outputs = append(t.Outputs, out)
	}

	t.NumRegisters = t.assignSlots(lastUse)
	b.ready = append(b.ready, t)
}

// assignSlots runs a linear scan over the trace, reusing register slots
// whose value has seen its last in-trace use. Returns the peak slot count.
func (t *Trace) assignSlots(lastUse map[uuid.UUID]int) int {
	var free []int
	next := 0
	expires := make(map[int][]int) // op index -> slots released after it

	for i := range t.Ops {
		id := t.Ops[i].Output.ID
		if _, internal := t.Registers[id]; internal {
			var slot int
			if len(free) > 0 {
				slot = free[len(free)-1]
				free = free[:len(free)-1]
			} else {
				slot = next
				next++
			}
			t.Registers[id] = slot
			expires[lastUse[id]] = append(expires[lastUse[id]], slot)
		}
		free = append(free, expires[i]...)
	}
	return next
}
