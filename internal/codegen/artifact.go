package codegen

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/loom-gpu/loom/internal/fusion"
	"github.com/loom-gpu/loom/internal/op"
)

// Version tags the emitted source format. It is part of every artifact key,
// so changing the emitter invalidates persisted caches instead of mixing
// incompatible kernels.
const Version = 2

// UnsupportedOpError reports an op kind with no codegen rule. This is a
// missing backend feature, not a user error, and is never silently skipped.
type UnsupportedOpError struct {
	Kind  op.Kind
	DType op.DataType
}

func (e *UnsupportedOpError) Error() string {
	return fmt.Sprintf("codegen: no rule for %s on %s (missing backend feature)", e.Kind, e.DType)
}

// Kernel is one candidate implementation of an artifact: WGSL source plus
// the launch configuration it was generated for.
type Kernel struct {
	Name   string
	WGSL   string
	Launch LaunchConfig
}

// Artifact is the generated form of one fusion trace: the portable
// instruction program, the candidate kernel variants, and the binding
// layout shared by all of them. Artifacts are immutable and shared across
// calls with the same key; their lifetime is the owning device context's.
//
// Binding order is inputs, bound outputs, partials (reduce kernels only),
// then the params uniform. For reduce kernels the trace's terminal scalar
// output is not bound: the kernel writes one partial per workgroup and the
// execution context folds them on the host.
type Artifact struct {
	Key  string
	Name string

	DType        op.DataType
	NumInputs    int
	NumOutputs   int // bound outputs; excludes the folded reduce scalar
	NumRegisters int

	Program []Instr

	Reduces    bool
	ReduceKind op.Kind

	Candidates []Kernel
}

// FamilyKey returns the autotune operation family identifier: pointwise
// traces share a family per op sequence length class, reduce traces are
// keyed by their reduction kind.
func (a *Artifact) FamilyKey() string {
	if a.Reduces {
		return a.ReduceKind.Family()
	}
	return fmt.Sprintf("pointwise-%d", len(a.Program))
}

// Generate lowers a sealed trace into an artifact with the full candidate
// set. The same trace key always yields byte-identical candidate sources.
func Generate(t *fusion.Trace) (*Artifact, error) {
	a := &Artifact{
		Key:          keyFor(t),
		Name:         nameFor(t),
		DType:        t.DType,
		NumInputs:    len(t.Inputs),
		NumOutputs:   len(t.Outputs),
		NumRegisters: t.NumRegisters,
		Program:      buildProgram(t),
		Reduces:      t.Reduces,
	}

	variants := pointwiseVariants
	emit := emitPointwise
	if t.Reduces {
		a.ReduceKind = t.Ops[len(t.Ops)-1].Kind
		a.NumOutputs-- // terminal scalar is host-folded, not bound
		variants = reduceVariants
		emit = emitReduce
	}

	for _, cfg := range variants {
		src, err := emit(a, cfg)
		if err != nil {
			return nil, err
		}
		a.Candidates = append(a.Candidates, Kernel{
			Name:   a.Name + "_" + cfg.String(),
			WGSL:   src,
			Launch: cfg,
		})
	}
	return a, nil
}

// keyFor hashes the trace shape class together with the codegen version.
func keyFor(t *fusion.Trace) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("v%d;%s", Version, t.Key())))
	return hex.EncodeToString(h[:])
}

// nameFor builds a readable kernel family name like "fused_add_mul_relu".
func nameFor(t *fusion.Trace) string {
	parts := make([]string, 0, len(t.Ops)+1)
	parts = append(parts, "fused")
	for i := range t.Ops {
		parts = append(parts, t.Ops[i].Kind.String())
	}
	return strings.Join(parts, "_")
}

// Cache memoizes generated artifacts by trace key. Read-mostly after
// warm-up; the double-checked locking mirrors the backend shader cache.
type Cache struct {
	mu        sync.RWMutex
	artifacts map[string]*Artifact
}

// NewCache creates an empty artifact cache.
func NewCache() *Cache {
	return &Cache{artifacts: make(map[string]*Artifact)}
}

// GetOrGenerate returns the cached artifact for the trace's key, generating
// and inserting it on first use.
func (c *Cache) GetOrGenerate(t *fusion.Trace) (*Artifact, error) {
	key := keyFor(t)

	c.mu.RLock()
	a, ok := c.artifacts[key]
	c.mu.RUnlock()
	if ok {
		return a, nil
	}

	a, err := Generate(t)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if prev, exists := c.artifacts[key]; exists {
		a = prev // lost the race, keep the first artifact
	} else {
		c.artifacts[key] = a
	}
	c.mu.Unlock()
	return a, nil
}

// Len returns the number of cached artifacts.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.artifacts)
}
