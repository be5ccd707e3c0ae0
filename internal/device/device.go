package device

import (
	"errors"
	"fmt"

	"github.com/loom-gpu/loom/internal/codegen"
)

// ErrOutOfMemory is returned by Alloc when the device cannot satisfy an
// allocation. It is fatal for the operation that needed the buffer; the
// fusion and autotune layers never retry allocation on their own.
var ErrOutOfMemory = errors.New("device: out of memory")

// CompileError reports a candidate kernel that failed to compile. During
// autotuning it disqualifies the candidate; it is fatal only if every
// candidate for a key fails.
type CompileError struct {
	Kernel string
	Reason string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("device: compile %s: %s", e.Kernel, e.Reason)
}

// Fault is a device-reported kernel execution error. A fault aborts only
// the submission that raised it; the stream stays usable.
type Fault struct {
	Kernel string
	Reason string
}

func (e *Fault) Error() string {
	return fmt.Sprintf("device: fault in %s: %s", e.Kernel, e.Reason)
}

// Buffer is a device-owned allocation referenced by tensor handles.
type Buffer interface {
	Size() int
}

// Kernel is a compiled device program for one artifact candidate.
type Kernel interface {
	Name() string
	Launch() codegen.LaunchConfig
}

// Device is the binding layer boundary. Launch executes synchronously at
// this level; asynchrony, ordering, and fences are the dispatcher's job.
type Device interface {
	// Name identifies the device for autotune cache keys. It must be
	// stable across runs on the same hardware.
	Name() string

	// Alloc creates a buffer of the given byte size.
	Alloc(size int) (Buffer, error)
	// Free releases a buffer. The dispatcher guarantees no pending fence.
	Free(b Buffer)
	// Write uploads host bytes into a buffer.
	Write(dst Buffer, data []byte) error
	// Read downloads a buffer into host bytes.
	Read(src Buffer, dst []byte) error

	// Compile builds candidate idx of the artifact into an executable
	// kernel. Failures are CompileError.
	Compile(a *codegen.Artifact, idx int) (Kernel, error)
	// Launch runs the kernel over n elements with the artifact's binding
	// order: inputs, bound outputs, partials (reduce kernels). Runtime
	// kernel errors are Fault.
	Launch(k Kernel, buffers []Buffer, n int) error

	// Close releases device resources.
	Close()
}
