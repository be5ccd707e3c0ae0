package op

// Kind identifies one tensor operation. The set is closed: codegen coverage
// of every kind is checked statically by the exhaustive switches below and
// in the codegen rules.
type Kind int

const (
	// Unary pointwise operations.
	Neg Kind = iota
	Abs
	Exp
	Sqrt
	ReLU
	Sigmoid
	Tanh

	// Binary pointwise operations.
	Add
	Sub
	Mul
	Div
	Maximum
	Minimum

	// Scalar pointwise operations (one tensor input, one scalar parameter).
	AddScalar
	MulScalar

	// Reductions over the full iteration domain (scalar result).
	SumReduce
	MaxReduce
	MeanReduce

	// Readback copies the tensor to host-visible memory. It always
	// terminates a fusion trace: the host must observe a completed value.
	Readback

	numKinds // sentinel, keep last
)

// Class groups kinds by their fusion behavior.
type Class int

// Fusion behavior classes.
const (
	// Pointwise ops share the iteration shape and fuse freely.
	Pointwise Class = iota
	// Reduction ops require all fused producers to complete first; they
	// may only appear in terminal position of a trace.
	Reduction
	// HostReadback ops force a flush: their output escapes to the host.
	HostReadback
)

// Valid reports whether k names a known operation kind.
func (k Kind) Valid() bool {
	return k >= Neg && k < numKinds
}

// Class returns the fusion behavior class of the kind.
func (k Kind) Class() Class {
	switch k {
	case SumReduce, MaxReduce, MeanReduce:
		return Reduction
	case Readback:
		return HostReadback
	default:
		return Pointwise
	}
}

// Arity returns the number of tensor inputs the kind consumes.
func (k Kind) Arity() int {
	switch k {
	case Add, Sub, Mul, Div, Maximum, Minimum:
		return 2
	default:
		return 1
	}
}

// TakesScalar reports whether the kind consumes a scalar parameter.
func (k Kind) TakesScalar() bool {
	return k == AddScalar || k == MulScalar
}

// Family returns the autotune operation family identifier for the kind.
// Pointwise kinds share one family since they lower to the same kernel
// skeleton; each reduction kind is its own family.
func (k Kind) Family() string {
	switch k.Class() {
	case Reduction:
		return "reduce-" + k.String()
	case HostReadback:
		return "readback"
	default:
		return "pointwise"
	}
}

// String returns the lowercase operation name.
func (k Kind) String() string {
	switch k {
	case Neg:
		return "neg"
	case Abs:
		return "abs"
	case Exp:
		return "exp"
	case Sqrt:
		return "sqrt"
	case ReLU:
		return "relu"
	case Sigmoid:
		return "sigmoid"
	case Tanh:
		return "tanh"
	case Add:
		return "add"
	case Sub:
		return "sub"
	case Mul:
		return "mul"
	case Div:
		return "div"
	case Maximum:
		return "maximum"
	case Minimum:
		return "minimum"
	case AddScalar:
		return "add_scalar"
	case MulScalar:
		return "mul_scalar"
	case SumReduce:
		return "sum_reduce"
	case MaxReduce:
		return "max_reduce"
	case MeanReduce:
		return "mean_reduce"
	case Readback:
		return "readback"
	default:
		return "unknown"
	}
}
