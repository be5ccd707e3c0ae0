// Copyright 2025 The Loom Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package engine

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/loom-gpu/loom/internal/autotune"
	"github.com/loom-gpu/loom/internal/codegen"
	"github.com/loom-gpu/loom/internal/device"
	"github.com/loom-gpu/loom/internal/fusion"
	"github.com/loom-gpu/loom/internal/op"
)

// execute lowers one sealed trace, resolves its winning kernel through the
// autotune cache, and submits it on the stream.
func (c *Context) execute(t *fusion.Trace) error {
	artifact, err := c.artifacts.GetOrGenerate(t)
	if err != nil {
		return errTrace(t, err)
	}

	n := t.Shape.NumElements()
	key := autotune.Key{
		Family: artifact.FamilyKey(),
		Bucket: autotune.BucketFor(n),
		Device: c.dev.Name(),
	}

	winner, err := c.tuner.Select(key, len(artifact.Candidates), func(idx int) error {
		return c.benchCandidate(artifact, idx, n)
	})
	if err != nil {
		return errTrace(t, err)
	}

	kernel, err := c.winnerKernel(artifact, winner)
	if err != nil {
		return errTrace(t, err)
	}

	// Inputs must resolve before submission; a pending reduce fold on an
	// input materializes its scalar now.
	buffers := make([]device.Buffer, 0, artifact.NumInputs+artifact.NumOutputs+1)
	for _, h := range t.Inputs {
		buf, err := c.resolveInput(h)
		if err != nil {
			return errTrace(t, err)
		}
		buffers = append(buffers, buf)
	}
	outputs := t.Outputs
	if artifact.Reduces {
		outputs = outputs[:len(outputs)-1]
	}
	for _, h := range outputs {
		buf, err := c.bufferFor(h)
		if err != nil {
			return errTrace(t, err)
		}
		buffers = append(buffers, buf)
	}

	if artifact.Reduces {
		groups := kernel.Launch().Workgroups(n)
		partials, err := c.pool.Acquire(groups * deviceElemSize(t.DType))
		if err != nil {
			return errTrace(t, err)
		}
		buffers = append(buffers, partials)

		scalar := t.Outputs[len(t.Outputs)-1]
		c.mu.Lock()
		c.reduces[scalar.ID] = &pendingReduce{
			partials: partials,
			groups:   groups,
			kind:     artifact.ReduceKind,
			dtype:    t.DType,
			elems:    n,
		}
		c.mu.Unlock()
	}

	if _, err := c.disp.Submit(kernel, buffers, n); err != nil {
		return errTrace(t, err)
	}
	return nil
}

// winnerKernel compiles (once) and caches a winning candidate. The cache
// key carries the candidate index: the same artifact can resolve to
// different winners in different shape buckets.
func (c *Context) winnerKernel(a *codegen.Artifact, idx int) (device.Kernel, error) {
	ck := fmt.Sprintf("%s#%d", a.Key, idx)
	c.mu.Lock()
	k, ok := c.kernels[ck]
	c.mu.Unlock()
	if ok {
		return k, nil
	}

	k, err := c.dev.Compile(a, idx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.kernels[ck] = k
	c.mu.Unlock()
	return k, nil
}

// benchCandidate runs candidate idx once on freshly generated sample
// inputs: compile, submit, sync. Compile errors and device faults
// propagate so the tuner can disqualify the candidate.
func (c *Context) benchCandidate(a *codegen.Artifact, idx int, n int) error {
	kernel, err := c.dev.Compile(a, idx)
	if err != nil {
		return err
	}

	elem := deviceElemSize(a.DType)
	count := a.NumInputs + a.NumOutputs
	buffers := make([]device.Buffer, 0, count+1)
	defer func() {
		for _, b := range buffers {
			c.pool.Release(b)
		}
	}()

	for i := 0; i < a.NumInputs; i++ {
		buf, err := c.pool.Acquire(n * elem)
		if err != nil {
			return err
		}
		buffers = append(buffers, buf)
		if err := c.dev.Write(buf, c.sampleData(a.DType, n)); err != nil {
			return err
		}
	}
	for i := 0; i < a.NumOutputs; i++ {
		buf, err := c.pool.Acquire(n * elem)
		if err != nil {
			return err
		}
		buffers = append(buffers, buf)
	}
	if a.Reduces {
		buf, err := c.pool.Acquire(kernel.Launch().Workgroups(n) * elem)
		if err != nil {
			return err
		}
		buffers = append(buffers, buf)
	}

	if _, err := c.disp.Submit(kernel, buffers, n); err != nil {
		return err
	}
	return c.Sync()
}

// sampleData fills benchmark inputs with uniform values in [-10, 10).
func (c *Context) sampleData(dt op.DataType, n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := make([]byte, n*deviceElemSize(dt))
	for i := 0; i < n; i++ {
		if dt == op.Int32 {
			v := int32(c.rng.Intn(20) - 10)
			binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
		} else {
			v := c.rng.Float32()*20 - 10
			binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
		}
	}
	return data
}

// resolveInput returns the device buffer behind a handle, folding a
// pending reduction first so the scalar value is materialized.
func (c *Context) resolveInput(h op.Handle) (device.Buffer, error) {
	c.mu.Lock()
	_, pending := c.reduces[h.ID]
	c.mu.Unlock()
	if pending {
		if err := c.foldReduce(h); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	buf, ok := c.handles[h.ID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("engine: unknown tensor handle %s", h)
	}
	return buf, nil
}

// foldReduce drains the stream, folds the per-workgroup partials of a
// reduction into its scalar output buffer, and releases the partials.
func (c *Context) foldReduce(h op.Handle) error {
	c.mu.Lock()
	pr, ok := c.reduces[h.ID]
	if ok {
		delete(c.reduces, h.ID)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	defer c.pool.Release(pr.partials)

	if err := c.Sync(); err != nil {
		return err
	}

	raw := make([]byte, pr.groups*deviceElemSize(pr.dtype))
	if err := c.dev.Read(pr.partials, raw); err != nil {
		return err
	}

	out := make([]byte, deviceElemSize(pr.dtype))
	if pr.dtype == op.Int32 {
		acc := foldInt32(pr.kind, raw, pr.groups)
		binary.LittleEndian.PutUint32(out, uint32(acc))
	} else {
		acc := foldFloat32(pr.kind, raw, pr.groups, pr.elems)
		binary.LittleEndian.PutUint32(out, math.Float32bits(acc))
	}

	buf, err := c.bufferFor(h)
	if err != nil {
		return err
	}
	return c.dev.Write(buf, out)
}

func foldFloat32(kind op.Kind, raw []byte, groups, elems int) float32 {
	acc := float32(0)
	if kind == op.MaxReduce {
		acc = -math.MaxFloat32
	}
	for g := 0; g < groups; g++ {
		v := math.Float32frombits(binary.LittleEndian.Uint32(raw[g*4:]))
		if kind == op.MaxReduce {
			acc = float32(math.Max(float64(acc), float64(v)))
		} else {
			acc += v
		}
	}
	if kind == op.MeanReduce {
		acc /= float32(elems)
	}
	return acc
}

func foldInt32(kind op.Kind, raw []byte, groups int) int32 {
	acc := int32(0)
	if kind == op.MaxReduce {
		acc = math.MinInt32
	}
	for g := 0; g < groups; g++ {
		v := int32(binary.LittleEndian.Uint32(raw[g*4:]))
		if kind == op.MaxReduce {
			if v > acc {
				acc = v
			}
		} else {
			acc += v
		}
	}
	return acc
}
