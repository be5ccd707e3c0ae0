package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loom-gpu/loom/internal/codegen"
	"github.com/loom-gpu/loom/internal/op"
	"github.com/loom-gpu/loom/internal/parallel"
)

// Sim is the reference device: it interprets the portable kernel program
// on the host, element for element, with the same workgroup chunking the
// generated WGSL uses. It backs tests and acts as the fallback when no GPU
// is available. Fault and compile-failure injection plus per-kernel
// latency make autotune behavior reproducible.
type Sim struct {
	name string
	par  parallel.Config

	mu          sync.Mutex
	allocated   int
	limit       int // bytes; 0 means unlimited
	failCompile map[string]bool
	failLaunch  map[string]bool
	latency     map[string]time.Duration
	launches    map[string]int
}

// NewSim creates a reference device with unlimited memory.
func NewSim() *Sim {
	return &Sim{
		name:        "sim",
		par:         parallel.DefaultConfig(),
		failCompile: make(map[string]bool),
		failLaunch:  make(map[string]bool),
		latency:     make(map[string]time.Duration),
		launches:    make(map[string]int),
	}
}

// SetLimit bounds total allocated bytes; 0 removes the bound.
func (s *Sim) SetLimit(bytes int) {
	s.mu.Lock()
	s.limit = bytes
	s.mu.Unlock()
}

// FailCompile makes Compile of the named kernel return a CompileError.
func (s *Sim) FailCompile(name string) {
	s.mu.Lock()
	s.failCompile[name] = true
	s.mu.Unlock()
}

// FailLaunch makes Launch of the named kernel report a Fault.
func (s *Sim) FailLaunch(name string) {
	s.mu.Lock()
	s.failLaunch[name] = true
	s.mu.Unlock()
}

// SetLatency adds fixed latency to every launch of the named kernel, so
// tests can order autotune candidates deterministically.
func (s *Sim) SetLatency(name string, d time.Duration) {
	s.mu.Lock()
	s.latency[name] = d
	s.mu.Unlock()
}

// Launches returns how many times the named kernel has run.
func (s *Sim) Launches(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launches[name]
}

// Name implements Device.
func (s *Sim) Name() string { return s.name }

type simBuffer struct {
	data []byte
}

func (b *simBuffer) Size() int { return len(b.data) }

// Alloc implements Device.
func (s *Sim) Alloc(size int) (Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && s.allocated+size > s.limit {
		return nil, fmt.Errorf("sim: alloc %d bytes: %w", size, ErrOutOfMemory)
	}
	s.allocated += size
	return &simBuffer{data: make([]byte, size)}, nil
}

// Free implements Device.
func (s *Sim) Free(b Buffer) {
	s.mu.Lock()
	s.allocated -= b.Size()
	s.mu.Unlock()
}

// Write implements Device.
func (s *Sim) Write(dst Buffer, data []byte) error {
	buf := dst.(*simBuffer)
	if len(data) > len(buf.data) {
		return fmt.Errorf("sim: write of %d bytes exceeds buffer size %d", len(data), len(buf.data))
	}
	copy(buf.data, data)
	return nil
}

// Read implements Device.
func (s *Sim) Read(src Buffer, dst []byte) error {
	buf := src.(*simBuffer)
	if len(dst) > len(buf.data) {
		return fmt.Errorf("sim: read of %d bytes exceeds buffer size %d", len(dst), len(buf.data))
	}
	copy(dst, buf.data)
	return nil
}

type simKernel struct {
	artifact *codegen.Artifact
	cfg      codegen.LaunchConfig
	name     string
}

func (k *simKernel) Name() string                 { return k.name }
func (k *simKernel) Launch() codegen.LaunchConfig { return k.cfg }

// Compile implements Device. The sim keeps the artifact's instruction
// program; the WGSL text is ignored.
func (s *Sim) Compile(a *codegen.Artifact, idx int) (Kernel, error) {
	cand := a.Candidates[idx]
	s.mu.Lock()
	fail := s.failCompile[cand.Name]
	s.mu.Unlock()
	if fail {
		return nil, &CompileError{Kernel: cand.Name, Reason: "injected compile failure"}
	}
	return &simKernel{artifact: a, cfg: cand.Launch, name: cand.Name}, nil
}

// Launch implements Device.
func (s *Sim) Launch(k Kernel, buffers []Buffer, n int) error {
	sk := k.(*simKernel)

	s.mu.Lock()
	s.launches[sk.name]++
	fail := s.failLaunch[sk.name]
	delay := s.latency[sk.name]
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return &Fault{Kernel: sk.name, Reason: "injected device fault"}
	}

	a := sk.artifact
	want := a.NumInputs + a.NumOutputs
	if a.Reduces {
		want++
	}
	if len(buffers) != want {
		return &Fault{Kernel: sk.name, Reason: fmt.Sprintf("expected %d bindings, got %d", want, len(buffers))}
	}

	if a.DType == op.Int32 {
		return s.runInt32(a, sk.cfg, buffers, n)
	}
	return s.runFloat32(a, sk.cfg, buffers, n)
}

// Close implements Device.
func (s *Sim) Close() {}

func loadF32(b Buffer, idx int) float32 {
	data := b.(*simBuffer).data
	return math.Float32frombits(binary.LittleEndian.Uint32(data[idx*4:]))
}

func storeF32(b Buffer, idx int, v float32) {
	data := b.(*simBuffer).data
	binary.LittleEndian.PutUint32(data[idx*4:], math.Float32bits(v))
}

func loadI32(b Buffer, idx int) int32 {
	data := b.(*simBuffer).data
	return int32(binary.LittleEndian.Uint32(data[idx*4:]))
}

func storeI32(b Buffer, idx int, v int32) {
	data := b.(*simBuffer).data
	binary.LittleEndian.PutUint32(data[idx*4:], uint32(v))
}

// runFloat32 interprets the program for f32 elements. Reduce kernels fold
// one partial per workgroup over the same contiguous element chunk the
// generated WGSL assigns to that workgroup.
func (s *Sim) runFloat32(a *codegen.Artifact, cfg codegen.LaunchConfig, buffers []Buffer, n int) error {
	prog := a.Program
	var last codegen.Instr
	if a.Reduces {
		last = prog[len(prog)-1]
		prog = prog[:len(prog)-1]
	}

	elemsPerGroup := cfg.WorkgroupSize * cfg.ElemsPerLane
	groups := cfg.Workgroups(n)
	var fault atomic.Pointer[Fault]

	// Workgroups own disjoint element ranges and private registers, so
	// they run in parallel exactly as they would on the device.
	parallel.For(groups, func(g int) {
		regs := make([]float32, a.NumRegisters)
		value := func(r codegen.Ref, idx int) float32 {
			switch r.Space {
			case codegen.SpaceInput:
				return loadF32(buffers[r.Index], idx)
			case codegen.SpaceOutput:
				return loadF32(buffers[a.NumInputs+r.Index], idx)
			default:
				return regs[r.Index]
			}
		}

		acc := reduceIdentityF32(last.Kind)
		lo := g * elemsPerGroup
		hi := lo + elemsPerGroup
		if hi > n {
			hi = n
		}
		for idx := lo; idx < hi; idx++ {
			for _, in := range prog {
				var x, y float32
				x = value(in.Srcs[0], idx)
				if len(in.Srcs) > 1 {
					y = value(in.Srcs[1], idx)
				}
				v, err := evalF32(in.Kind, x, y, in.Scalar)
				if err != nil {
					fault.Store(&Fault{Kernel: a.Name, Reason: err.Error()})
					return
				}
				if in.Dst.Space == codegen.SpaceRegister {
					regs[in.Dst.Index] = v
				} else {
					storeF32(buffers[a.NumInputs+in.Dst.Index], idx, v)
				}
			}
			if a.Reduces {
				acc = reduceCombineF32(last.Kind, acc, value(last.Srcs[0], idx))
			}
		}
		if a.Reduces {
			storeF32(buffers[a.NumInputs+a.NumOutputs], g, acc)
		}
	}, s.par)

	if f := fault.Load(); f != nil {
		return f
	}
	return nil
}

// runInt32 mirrors runFloat32 for i32 elements.
func (s *Sim) runInt32(a *codegen.Artifact, cfg codegen.LaunchConfig, buffers []Buffer, n int) error {
	prog := a.Program
	var last codegen.Instr
	if a.Reduces {
		last = prog[len(prog)-1]
		prog = prog[:len(prog)-1]
	}

	elemsPerGroup := cfg.WorkgroupSize * cfg.ElemsPerLane
	groups := cfg.Workgroups(n)
	var fault atomic.Pointer[Fault]

	parallel.For(groups, func(g int) {
		regs := make([]int32, a.NumRegisters)
		value := func(r codegen.Ref, idx int) int32 {
			switch r.Space {
			case codegen.SpaceInput:
				return loadI32(buffers[r.Index], idx)
			case codegen.SpaceOutput:
				return loadI32(buffers[a.NumInputs+r.Index], idx)
			default:
				return regs[r.Index]
			}
		}

		acc := reduceIdentityI32(last.Kind)
		lo := g * elemsPerGroup
		hi := lo + elemsPerGroup
		if hi > n {
			hi = n
		}
		for idx := lo; idx < hi; idx++ {
			for _, in := range prog {
				var x, y int32
				x = value(in.Srcs[0], idx)
				if len(in.Srcs) > 1 {
					y = value(in.Srcs[1], idx)
				}
				v, err := evalI32(in.Kind, x, y, in.Scalar)
				if err != nil {
					fault.Store(&Fault{Kernel: a.Name, Reason: err.Error()})
					return
				}
				if in.Dst.Space == codegen.SpaceRegister {
					regs[in.Dst.Index] = v
				} else {
					storeI32(buffers[a.NumInputs+in.Dst.Index], idx, v)
				}
			}
			if a.Reduces {
				acc = reduceCombineI32(last.Kind, acc, value(last.Srcs[0], idx))
			}
		}
		if a.Reduces {
			storeI32(buffers[a.NumInputs+a.NumOutputs], g, acc)
		}
	}, s.par)

	if f := fault.Load(); f != nil {
		return f
	}
	return nil
}

func evalF32(kind op.Kind, x, y float32, scalar float64) (float32, error) {
	switch kind {
	case op.Neg:
		return -x, nil
	case op.Abs:
		return float32(math.Abs(float64(x))), nil
	case op.Exp:
		return float32(math.Exp(float64(x))), nil
	case op.Sqrt:
		return float32(math.Sqrt(float64(x))), nil
	case op.ReLU:
		if x > 0 {
			return x, nil
		}
		return 0, nil
	case op.Sigmoid:
		return float32(1.0 / (1.0 + math.Exp(-float64(x)))), nil
	case op.Tanh:
		return float32(math.Tanh(float64(x))), nil
	case op.Add:
		return x + y, nil
	case op.Sub:
		return x - y, nil
	case op.Mul:
		return x * y, nil
	case op.Div:
		return x / y, nil
	case op.Maximum:
		return float32(math.Max(float64(x), float64(y))), nil
	case op.Minimum:
		return float32(math.Min(float64(x), float64(y))), nil
	case op.AddScalar:
		return x + float32(scalar), nil
	case op.MulScalar:
		return x * float32(scalar), nil
	case op.Readback:
		return x, nil
	default:
		return 0, fmt.Errorf("sim: no f32 rule for %s", kind)
	}
}

func evalI32(kind op.Kind, x, y int32, scalar float64) (int32, error) {
	switch kind {
	case op.Neg:
		return -x, nil
	case op.Abs:
		if x < 0 {
			return -x, nil
		}
		return x, nil
	case op.ReLU:
		if x > 0 {
			return x, nil
		}
		return 0, nil
	case op.Add:
		return x + y, nil
	case op.Sub:
		return x - y, nil
	case op.Mul:
		return x * y, nil
	case op.Div:
		// WGSL defines i32 division by zero, and MinInt32 / -1, as
		// returning the dividend; the host must not trap either.
		if y == 0 || (x == math.MinInt32 && y == -1) {
			return x, nil
		}
		return x / y, nil
	case op.Maximum:
		if x > y {
			return x, nil
		}
		return y, nil
	case op.Minimum:
		if x < y {
			return x, nil
		}
		return y, nil
	case op.AddScalar:
		return x + int32(scalar), nil
	case op.MulScalar:
		return x * int32(scalar), nil
	case op.Readback:
		return x, nil
	default:
		return 0, fmt.Errorf("sim: no i32 rule for %s", kind)
	}
}

func reduceIdentityF32(kind op.Kind) float32 {
	if kind == op.MaxReduce {
		return -math.MaxFloat32
	}
	return 0
}

func reduceCombineF32(kind op.Kind, a, b float32) float32 {
	if kind == op.MaxReduce {
		return float32(math.Max(float64(a), float64(b)))
	}
	return a + b
}

func reduceIdentityI32(kind op.Kind) int32 {
	if kind == op.MaxReduce {
		return math.MinInt32
	}
	return 0
}

func reduceCombineI32(kind op.Kind, a, b int32) int32 {
	if kind == op.MaxReduce && b > a {
		return b
	}
	if kind == op.MaxReduce {
		return a
	}
	return a + b
}
