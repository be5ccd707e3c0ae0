package codegen

import (
	"github.com/loom-gpu/loom/internal/fusion"
	"github.com/loom-gpu/loom/internal/op"
)

// Space identifies where a value referenced by an instruction lives.
type Space int

// Value spaces.
const (
	// SpaceInput reads from an external input buffer.
	SpaceInput Space = iota
	// SpaceOutput writes to (or in principle reads from) an external
	// output buffer.
	SpaceOutput
	// SpaceRegister is a per-element private value that never touches
	// device memory.
	SpaceRegister
)

// Ref is a positional reference to a value within a kernel: the space and
// the index within it (input binding, output binding, or register slot).
type Ref struct {
	Space Space
	Index int
}

// Instr is one step of the portable kernel program. The WGSL source and
// the reference device interpreter are both derived from this form, so
// they cannot drift apart.
type Instr struct {
	Kind   op.Kind
	Dst    Ref
	Srcs   []Ref
	Scalar float64
}

// buildProgram lowers a trace into the positional instruction program.
func buildProgram(t *fusion.Trace) []Instr {
	prog := make([]Instr, 0, len(t.Ops))
	for i := range t.Ops {
		d := &t.Ops[i]
		in := Instr{Kind: d.Kind, Scalar: d.Scalar, Dst: refFor(t, d.Output)}
		for _, h := range d.Inputs {
			in.Srcs = append(in.Srcs, refFor(t, h))
		}
		prog = append(prog, in)
	}
	return prog
}

// refFor resolves a handle to its positional reference within the trace.
func refFor(t *fusion.Trace, h op.Handle) Ref {
	if slot, ok := t.Registers[h.ID]; ok {
		return Ref{Space: SpaceRegister, Index: slot}
	}
	for i, in := range t.Inputs {
		if in.Same(h) {
			return Ref{Space: SpaceInput, Index: i}
		}
	}
	for i, out := range t.Outputs {
		if out.Same(h) {
			return Ref{Space: SpaceOutput, Index: i}
		}
	}
	// Unreachable for traces sealed by the fusion builder.
	return Ref{Space: SpaceRegister, Index: -1}
}
