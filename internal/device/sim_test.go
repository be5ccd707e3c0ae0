package device

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/loom-gpu/loom/internal/codegen"
	"github.com/loom-gpu/loom/internal/fusion"
	"github.com/loom-gpu/loom/internal/op"
)

func f32Bytes(vs []float32) []byte {
	out := make([]byte, len(vs)*4)
	for i, v := range vs {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func f32FromBytes(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

func generate(t *testing.T, ds ...op.Descriptor) *codegen.Artifact {
	t.Helper()
	b := fusion.NewBuilder()
	var traces []*fusion.Trace
	for _, d := range ds {
		tr, err := b.Push(d)
		if err != nil {
			t.Fatal(err)
		}
		if tr != nil {
			traces = append(traces, tr)
		}
	}
	traces = append(traces, b.Flush()...)
	if len(traces) != 1 {
		t.Fatalf("got %d traces, want 1", len(traces))
	}
	a, err := codegen.Generate(traces[0])
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestSimAllocLimit(t *testing.T) {
	s := NewSim()
	s.SetLimit(1024)

	b, err := s.Alloc(512)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Alloc(1024); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Alloc over limit = %v, want ErrOutOfMemory", err)
	}
	s.Free(b)
	if _, err := s.Alloc(1024); err != nil {
		t.Errorf("Alloc after Free = %v, want nil", err)
	}
}

func TestSimFusedPointwise(t *testing.T) {
	const n = 300 // not a multiple of any workgroup size
	shape := op.Shape{n}
	a := op.NewHandle(shape, op.Float32)
	b := op.NewHandle(shape, op.Float32)
	c := op.NewHandle(shape, op.Float32)
	add := op.Descriptor{Kind: op.Add, Inputs: []op.Handle{a, b}, Output: op.NewHandle(shape, op.Float32)}
	mul := op.Descriptor{Kind: op.Mul, Inputs: []op.Handle{add.Output, c}, Output: op.NewHandle(shape, op.Float32)}
	relu := op.Descriptor{Kind: op.ReLU, Inputs: []op.Handle{mul.Output}, Output: op.NewHandle(shape, op.Float32)}
	art := generate(t, add, mul, relu)

	av := make([]float32, n)
	bv := make([]float32, n)
	cv := make([]float32, n)
	for i := 0; i < n; i++ {
		av[i] = float32(i) - 150
		bv[i] = 0.5 * float32(i%7)
		cv[i] = float32(i%3) - 1
	}

	s := NewSim()
	// Every candidate must produce identical results.
	for idx := range art.Candidates {
		k, err := s.Compile(art, idx)
		if err != nil {
			t.Fatal(err)
		}

		bufs := make([]Buffer, 4)
		for i := range bufs {
			bufs[i], _ = s.Alloc(n * 4)
		}
		s.Write(bufs[0], f32Bytes(av))
		s.Write(bufs[1], f32Bytes(bv))
		s.Write(bufs[2], f32Bytes(cv))

		if err := s.Launch(k, bufs, n); err != nil {
			t.Fatalf("candidate %d: %v", idx, err)
		}

		raw := make([]byte, n*4)
		s.Read(bufs[3], raw)
		got := f32FromBytes(raw)
		for i := 0; i < n; i++ {
			want := (av[i] + bv[i]) * cv[i]
			if want < 0 {
				want = 0
			}
			if got[i] != want {
				t.Fatalf("candidate %d: element %d = %v, want %v", idx, i, got[i], want)
			}
		}
	}
}

func TestSimReducePartials(t *testing.T) {
	const n = 1000
	shape := op.Shape{n}
	in := op.NewHandle(shape, op.Float32)
	sum := op.Descriptor{Kind: op.SumReduce, Inputs: []op.Handle{in}, Output: op.NewHandle(op.Shape{1}, op.Float32)}
	art := generate(t, sum)

	vals := make([]float32, n)
	var want float64
	for i := range vals {
		vals[i] = 1
		want++
	}

	s := NewSim()
	for idx := range art.Candidates {
		k, err := s.Compile(art, idx)
		if err != nil {
			t.Fatal(err)
		}
		groups := k.Launch().Workgroups(n)

		input, _ := s.Alloc(n * 4)
		partials, _ := s.Alloc(groups * 4)
		s.Write(input, f32Bytes(vals))

		if err := s.Launch(k, []Buffer{input, partials}, n); err != nil {
			t.Fatalf("candidate %d: %v", idx, err)
		}

		raw := make([]byte, groups*4)
		s.Read(partials, raw)
		var total float64
		for _, p := range f32FromBytes(raw) {
			total += float64(p)
		}
		if total != want {
			t.Errorf("candidate %d: folded partials = %v, want %v", idx, total, want)
		}
	}
}

func TestSimInjection(t *testing.T) {
	shape := op.Shape{16}
	a := op.NewHandle(shape, op.Float32)
	neg := op.Descriptor{Kind: op.Neg, Inputs: []op.Handle{a}, Output: op.NewHandle(shape, op.Float32)}
	art := generate(t, neg)
	name := art.Candidates[0].Name

	s := NewSim()
	s.FailCompile(name)
	if _, err := s.Compile(art, 0); err == nil {
		t.Fatal("injected compile failure did not surface")
	} else {
		var cerr *CompileError
		if !errors.As(err, &cerr) {
			t.Errorf("error = %T, want *CompileError", err)
		}
	}

	// Other candidates still compile.
	k, err := s.Compile(art, 1)
	if err != nil {
		t.Fatal(err)
	}

	s.FailLaunch(art.Candidates[1].Name)
	in, _ := s.Alloc(16 * 4)
	out, _ := s.Alloc(16 * 4)
	err = s.Launch(k, []Buffer{in, out}, 16)
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("Launch error = %v, want *Fault", err)
	}
	if s.Launches(art.Candidates[1].Name) != 1 {
		t.Error("launch count not recorded")
	}
}

func TestSimBindingCountChecked(t *testing.T) {
	shape := op.Shape{8}
	a := op.NewHandle(shape, op.Float32)
	neg := op.Descriptor{Kind: op.Neg, Inputs: []op.Handle{a}, Output: op.NewHandle(shape, op.Float32)}
	art := generate(t, neg)

	s := NewSim()
	k, err := s.Compile(art, 0)
	if err != nil {
		t.Fatal(err)
	}
	in, _ := s.Alloc(8 * 4)
	err = s.Launch(k, []Buffer{in}, 8)
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Errorf("Launch with missing binding = %v, want *Fault", err)
	}
}

func TestSimInt32Pointwise(t *testing.T) {
	const n = 64
	shape := op.Shape{n}
	a := op.NewHandle(shape, op.Int32)
	b := op.NewHandle(shape, op.Int32)
	add := op.Descriptor{Kind: op.Add, Inputs: []op.Handle{a, b}, Output: op.NewHandle(shape, op.Int32)}
	art := generate(t, add)

	s := NewSim()
	k, err := s.Compile(art, 0)
	if err != nil {
		t.Fatal(err)
	}

	raw := make([]byte, n*4)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(raw[i*4:], uint32(int32(i-32)))
	}
	in1, _ := s.Alloc(n * 4)
	in2, _ := s.Alloc(n * 4)
	out, _ := s.Alloc(n * 4)
	s.Write(in1, raw)
	s.Write(in2, raw)

	if err := s.Launch(k, []Buffer{in1, in2, out}, n); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, n*4)
	s.Read(out, got)
	for i := 0; i < n; i++ {
		v := int32(binary.LittleEndian.Uint32(got[i*4:]))
		if want := 2 * int32(i-32); v != want {
			t.Fatalf("element %d = %d, want %d", i, v, want)
		}
	}
}

// Int32 division must match the WGSL-defined edge cases instead of
// trapping: a zero divisor and MinInt32 / -1 both yield the dividend.
// Benchmark sample inputs include zeros, so a trapping host interpreter
// would kill the stream worker on a valid program.
func TestSimInt32DivEdgeCases(t *testing.T) {
	shape := op.Shape{4}
	a := op.NewHandle(shape, op.Int32)
	b := op.NewHandle(shape, op.Int32)
	div := op.Descriptor{Kind: op.Div, Inputs: []op.Handle{a, b}, Output: op.NewHandle(shape, op.Int32)}
	art := generate(t, div)

	num := []int32{7, -9, math.MinInt32, 12}
	den := []int32{0, 0, -1, 3}
	want := []int32{7, -9, math.MinInt32, 4}

	raw := func(vs []int32) []byte {
		out := make([]byte, len(vs)*4)
		for i, v := range vs {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
		}
		return out
	}

	s := NewSim()
	k, err := s.Compile(art, 0)
	if err != nil {
		t.Fatal(err)
	}
	in1, _ := s.Alloc(16)
	in2, _ := s.Alloc(16)
	out, _ := s.Alloc(16)
	s.Write(in1, raw(num))
	s.Write(in2, raw(den))

	if err := s.Launch(k, []Buffer{in1, in2, out}, 4); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	got := make([]byte, 16)
	s.Read(out, got)
	for i := range want {
		if v := int32(binary.LittleEndian.Uint32(got[i*4:])); v != want[i] {
			t.Errorf("%d / %d = %d, want %d", num[i], den[i], v, want[i])
		}
	}
}
