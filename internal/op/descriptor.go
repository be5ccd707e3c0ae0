package op

import "fmt"

// Descriptor describes one tensor operation: the kind, its tensor inputs,
// the output handle, and an optional scalar parameter. Descriptors are
// immutable once created; the fusion layer only reads them.
type Descriptor struct {
	Kind   Kind
	Inputs []Handle
	Output Handle
	Scalar float64
}

// ValidationError reports a descriptor rejected before any trace was built.
// No partial fusion is applied when validation fails.
type ValidationError struct {
	Kind   Kind
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("op: invalid %s descriptor: %s", e.Kind, e.Reason)
}

// Validate checks structural and shape constraints on the descriptor.
func (d *Descriptor) Validate() error {
	if !d.Kind.Valid() {
		return &ValidationError{Kind: d.Kind, Reason: "unknown operation kind"}
	}
	if len(d.Inputs) != d.Kind.Arity() {
		return &ValidationError{
			Kind:   d.Kind,
			Reason: fmt.Sprintf("expected %d inputs, got %d", d.Kind.Arity(), len(d.Inputs)),
		}
	}
	if d.Output.Nil() {
		return &ValidationError{Kind: d.Kind, Reason: "nil output handle"}
	}
	for i, in := range d.Inputs {
		if in.Nil() {
			return &ValidationError{Kind: d.Kind, Reason: fmt.Sprintf("nil input handle at index %d", i)}
		}
		if in.DType != d.Inputs[0].DType {
			return &ValidationError{Kind: d.Kind, Reason: "mixed input dtypes"}
		}
	}

	switch d.Kind.Class() {
	case Pointwise:
		// All inputs and the output share the iteration shape. Broadcasting
		// is resolved by the front-end before descriptors reach us.
		for i, in := range d.Inputs {
			if !in.Shape.Equal(d.Inputs[0].Shape) {
				return &ValidationError{
					Kind:   d.Kind,
					Reason: fmt.Sprintf("input %d shape %v does not match %v", i, in.Shape, d.Inputs[0].Shape),
				}
			}
		}
		if !d.Output.Shape.Equal(d.Inputs[0].Shape) {
			return &ValidationError{
				Kind:   d.Kind,
				Reason: fmt.Sprintf("output shape %v does not match input shape %v", d.Output.Shape, d.Inputs[0].Shape),
			}
		}
	case Reduction:
		if d.Output.Shape.NumElements() != 1 {
			return &ValidationError{
				Kind:   d.Kind,
				Reason: fmt.Sprintf("reduction output must be scalar, got shape %v", d.Output.Shape),
			}
		}
	case HostReadback:
		if !d.Output.Shape.Equal(d.Inputs[0].Shape) {
			return &ValidationError{Kind: d.Kind, Reason: "readback output shape must match input"}
		}
	}
	return nil
}

// IterationShape returns the per-element iteration domain of the operation,
// which for reductions is the input shape, not the scalar output.
func (d *Descriptor) IterationShape() Shape {
	return d.Inputs[0].Shape
}

// String formats the descriptor for error context and logs.
func (d *Descriptor) String() string {
	return fmt.Sprintf("%s%v", d.Kind, d.IterationShape())
}
