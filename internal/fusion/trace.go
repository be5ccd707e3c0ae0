package fusion

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/loom-gpu/loom/internal/op"
)

// Trace is an ordered sequence of operations that executes as one kernel.
// Every op after the first consumes only outputs of prior ops in the trace
// or external inputs; a reduction may appear only in terminal position.
type Trace struct {
	Ops []op.Descriptor

	// Shape is the per-element iteration domain shared by all fused ops.
	Shape op.Shape
	// DType is the element type flowing through the trace.
	DType op.DataType

	// Inputs are external (non-fused) inputs in first-use order.
	Inputs []op.Handle
	// Outputs are values that escape the kernel, in production order.
	Outputs []op.Handle

	// Registers maps intermediate handle IDs to register slots. Values in
	// this map never touch device memory; slots are reused once the last
	// in-trace consumer has run.
	Registers map[uuid.UUID]int
	// NumRegisters is the peak number of live register slots.
	NumRegisters int

	// Reduces is set when the trace ends with a reduction op.
	Reduces bool
}

// Len returns the number of fused operations.
func (t *Trace) Len() int {
	return len(t.Ops)
}

// inputIndex returns the position of id in Inputs, or -1.
func (t *Trace) inputIndex(id uuid.UUID) int {
	for i, h := range t.Inputs {
		if h.ID == id {
			return i
		}
	}
	return -1
}

// outputIndex returns the position of id in Outputs, or -1.
func (t *Trace) outputIndex(id uuid.UUID) int {
	for i, h := range t.Outputs {
		if h.ID == id {
			return i
		}
	}
	return -1
}

// produces reports whether any op in the trace writes the handle.
func (t *Trace) produces(id uuid.UUID) bool {
	for i := range t.Ops {
		if t.Ops[i].Output.ID == id {
			return true
		}
	}
	return false
}

// reads reports whether any op in the trace consumes the handle.
func (t *Trace) reads(id uuid.UUID) bool {
	for i := range t.Ops {
		for _, in := range t.Ops[i].Inputs {
			if in.ID == id {
				return true
			}
		}
	}
	return false
}

// Key returns the deterministic shape-class key of the trace: the op
// sequence with inputs and registers in canonical positional form, the
// element type, and the rank of the iteration shape. Exact dimension sizes
// are launch parameters, not part of the key, so kernels are shared across
// sizes of the same class.
func (t *Trace) Key() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "dtype=%s;rank=%d;", t.DType, len(t.Shape))
	for i := range t.Ops {
		d := &t.Ops[i]
		sb.WriteString(d.Kind.String())
		sb.WriteByte('(')
		for j, in := range d.Inputs {
			if j > 0 {
				sb.WriteByte(',')
			}
			if slot, ok := t.Registers[in.ID]; ok {
				fmt.Fprintf(&sb, "r%d", slot)
			} else if idx := t.inputIndex(in.ID); idx >= 0 {
				fmt.Fprintf(&sb, "in%d", idx)
			} else {
				fmt.Fprintf(&sb, "out%d", t.outputIndex(in.ID))
			}
		}
		if d.Kind.TakesScalar() {
			fmt.Fprintf(&sb, ",%g", d.Scalar)
		}
		sb.WriteString(")->")
		if slot, ok := t.Registers[d.Output.ID]; ok {
			fmt.Fprintf(&sb, "r%d", slot)
		} else {
			fmt.Fprintf(&sb, "out%d", t.outputIndex(d.Output.ID))
		}
		sb.WriteByte(';')
	}
	return sb.String()
}

// String summarizes the trace for error context.
func (t *Trace) String() string {
	names := make([]string, len(t.Ops))
	for i := range t.Ops {
		names[i] = t.Ops[i].Kind.String()
	}
	return fmt.Sprintf("trace[%s]%v", strings.Join(names, "+"), t.Shape)
}
