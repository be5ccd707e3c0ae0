package codegen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/loom-gpu/loom/internal/op"
)

// storageType returns the WGSL element type for a data type. Float16 is a
// host storage format only: kernels compute in f32 and the execution
// context converts at the host boundary.
func storageType(dt op.DataType) string {
	if dt == op.Int32 {
		return "i32"
	}
	return "f32"
}

// scalarLit formats a scalar parameter as a deterministic WGSL literal.
func scalarLit(dt op.DataType, s float64) string {
	if dt == op.Int32 {
		return fmt.Sprintf("i32(%d)", int64(s))
	}
	return "f32(" + strconv.FormatFloat(s, 'g', -1, 64) + ")"
}

// exprFor returns the WGSL expression for one pointwise instruction.
// A missing rule is a programming bug in the backend, surfaced as
// UnsupportedOpError and never skipped.
func exprFor(kind op.Kind, dt op.DataType, args []string, scalar float64) (string, error) {
	integral := dt == op.Int32

	switch kind {
	case op.Neg:
		return "-(" + args[0] + ")", nil
	case op.Abs:
		return "abs(" + args[0] + ")", nil
	case op.ReLU:
		if integral {
			return "max(" + args[0] + ", 0)", nil
		}
		return "max(" + args[0] + ", 0.0)", nil
	case op.Add:
		return "(" + args[0] + " + " + args[1] + ")", nil
	case op.Sub:
		return "(" + args[0] + " - " + args[1] + ")", nil
	case op.Mul:
		return "(" + args[0] + " * " + args[1] + ")", nil
	case op.Div:
		return "(" + args[0] + " / " + args[1] + ")", nil
	case op.Maximum:
		return "max(" + args[0] + ", " + args[1] + ")", nil
	case op.Minimum:
		return "min(" + args[0] + ", " + args[1] + ")", nil
	case op.AddScalar:
		return "(" + args[0] + " + " + scalarLit(dt, scalar) + ")", nil
	case op.MulScalar:
		return "(" + args[0] + " * " + scalarLit(dt, scalar) + ")", nil
	case op.Readback:
		return "(" + args[0] + ")", nil
	}

	if !integral {
		switch kind {
		case op.Exp:
			return "exp(" + args[0] + ")", nil
		case op.Sqrt:
			return "sqrt(" + args[0] + ")", nil
		case op.Sigmoid:
			return "1.0 / (1.0 + exp(-(" + args[0] + ")))", nil
		case op.Tanh:
			return "tanh(" + args[0] + ")", nil
		}
	}
	return "", &UnsupportedOpError{Kind: kind, DType: dt}
}

// reduceIdentity returns the accumulator identity for a reduction kind.
func reduceIdentity(kind op.Kind, dt op.DataType) string {
	if kind == op.MaxReduce {
		if dt == op.Int32 {
			return "-2147483648"
		}
		return "-3.4028235e+38"
	}
	if dt == op.Int32 {
		return "0"
	}
	return "0.0"
}

// reduceCombine returns the WGSL combine expression for a reduction kind.
// Mean reduces as a sum; the host divides by the element count when the
// partials are folded.
func reduceCombine(kind op.Kind, a, b string) string {
	if kind == op.MaxReduce {
		return "max(" + a + ", " + b + ")"
	}
	return a + " + " + b
}

// wgslEmitter accumulates one kernel's source text.
type wgslEmitter struct {
	sb strings.Builder
}

func (e *wgslEmitter) linef(format string, args ...any) {
	fmt.Fprintf(&e.sb, format, args...)
	e.sb.WriteByte('\n')
}

// operand renders a value reference for use inside the element body.
func operand(r Ref) string {
	switch r.Space {
	case SpaceInput:
		return fmt.Sprintf("in%d[idx]", r.Index)
	case SpaceOutput:
		return fmt.Sprintf("out%d[idx]", r.Index)
	default:
		return fmt.Sprintf("r%d", r.Index)
	}
}

// emitBody writes the fused pointwise statements. For reduce kernels the
// terminal instruction is handled by the caller and excluded here.
func (e *wgslEmitter) emitBody(prog []Instr, dt op.DataType, indent string) error {
	for i := range prog {
		in := &prog[i]
		args := make([]string, len(in.Srcs))
		for j, s := range in.Srcs {
			args[j] = operand(s)
		}
		expr, err := exprFor(in.Kind, dt, args, in.Scalar)
		if err != nil {
			return err
		}
		if in.Dst.Space == SpaceRegister {
			e.linef("%sr%d = %s;", indent, in.Dst.Index, expr)
		} else {
			e.linef("%sout%d[idx] = %s;", indent, in.Dst.Index, expr)
		}
	}
	return nil
}

// emitHeader writes bindings and the params uniform. Binding order is
// inputs, bound outputs, partials (reduce kernels only), params.
func (e *wgslEmitter) emitHeader(a *Artifact, cfg LaunchConfig) {
	elem := storageType(a.DType)
	binding := 0
	for i := 0; i < a.NumInputs; i++ {
		e.linef("@group(0) @binding(%d) var<storage, read> in%d: array<%s>;", binding, i, elem)
		binding++
	}
	for i := 0; i < a.NumOutputs; i++ {
		e.linef("@group(0) @binding(%d) var<storage, read_write> out%d: array<%s>;", binding, i, elem)
		binding++
	}
	if a.Reduces {
		e.linef("@group(0) @binding(%d) var<storage, read_write> partials: array<%s>;", binding, elem)
		binding++
	}
	e.linef("")
	e.linef("struct Params {")
	e.linef("    size: u32,")
	e.linef("}")
	e.linef("@group(0) @binding(%d) var<uniform> params: Params;", binding)
	e.linef("")
	if a.Reduces {
		e.linef("var<workgroup> shared_acc: array<%s, %d>;", elem, cfg.WorkgroupSize)
		e.linef("")
	}
}

// emitRegisters declares the register slots as mutable locals.
func (e *wgslEmitter) emitRegisters(a *Artifact, indent string) {
	for i := 0; i < a.NumRegisters; i++ {
		e.linef("%svar r%d: %s;", indent, i, storageType(a.DType))
	}
}

// emitPointwise renders a fused elementwise kernel for one launch variant.
func emitPointwise(a *Artifact, cfg LaunchConfig) (string, error) {
	var e wgslEmitter
	e.emitHeader(a, cfg)
	e.linef("@compute @workgroup_size(%d)", cfg.WorkgroupSize)
	e.linef("fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {")
	if cfg.ElemsPerLane == 1 {
		e.linef("    let idx = global_id.x;")
		e.linef("    if (idx >= params.size) {")
		e.linef("        return;")
		e.linef("    }")
		e.emitRegisters(a, "    ")
		if err := e.emitBody(a.Program, a.DType, "    "); err != nil {
			return "", err
		}
	} else {
		e.linef("    let base = global_id.x * %du;", cfg.ElemsPerLane)
		e.linef("    for (var k: u32 = 0u; k < %du; k = k + 1u) {", cfg.ElemsPerLane)
		e.linef("        let idx = base + k;")
		e.linef("        if (idx >= params.size) {")
		e.linef("            break;")
		e.linef("        }")
		e.emitRegisters(a, "        ")
		if err := e.emitBody(a.Program, a.DType, "        "); err != nil {
			return "", err
		}
		e.linef("    }")
	}
	e.linef("}")
	return e.sb.String(), nil
}

// emitReduce renders a fused kernel whose terminal op is a reduction. Each
// invocation folds its elements into a private accumulator after running
// the pointwise prefix; workgroups then reduce in shared memory and write
// one partial per workgroup. The host folds the partials, mirroring the
// two-stage scheme of the plain sum kernel.
func emitReduce(a *Artifact, cfg LaunchConfig) (string, error) {
	last := a.Program[len(a.Program)-1]
	prefix := a.Program[:len(a.Program)-1]

	var e wgslEmitter
	e.emitHeader(a, cfg)
	e.linef("@compute @workgroup_size(%d)", cfg.WorkgroupSize)
	e.linef("fn main(")
	e.linef("    @builtin(global_invocation_id) global_id: vec3<u32>,")
	e.linef("    @builtin(local_invocation_id) local_id: vec3<u32>,")
	e.linef("    @builtin(workgroup_id) workgroup_id: vec3<u32>")
	e.linef(") {")
	e.linef("    let tid = local_id.x;")
	e.linef("    var acc: %s = %s;", storageType(a.DType), reduceIdentity(last.Kind, a.DType))
	e.linef("    let base = global_id.x * %du;", cfg.ElemsPerLane)
	e.linef("    for (var k: u32 = 0u; k < %du; k = k + 1u) {", cfg.ElemsPerLane)
	e.linef("        let idx = base + k;")
	e.linef("        if (idx < params.size) {")
	e.emitRegisters(a, "            ")
	if err := e.emitBody(prefix, a.DType, "            "); err != nil {
		return "", err
	}
	e.linef("            acc = %s;", reduceCombine(last.Kind, "acc", operand(last.Srcs[0])))
	e.linef("        }")
	e.linef("    }")
	e.linef("    shared_acc[tid] = acc;")
	e.linef("    workgroupBarrier();")
	e.linef("    for (var s: u32 = %du; s > 0u; s = s >> 1u) {", cfg.WorkgroupSize/2)
	e.linef("        if (tid < s) {")
	e.linef("            shared_acc[tid] = %s;", reduceCombine(last.Kind, "shared_acc[tid]", "shared_acc[tid + s]"))
	e.linef("        }")
	e.linef("        workgroupBarrier();")
	e.linef("    }")
	e.linef("    if (tid == 0u) {")
	e.linef("        partials[workgroup_id.x] = shared_acc[0];")
	e.linef("    }")
	e.linef("}")
	return e.sb.String(), nil
}
