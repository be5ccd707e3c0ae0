// Copyright 2025 The Loom Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package engine

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/loom-gpu/loom/internal/device"
	"github.com/loom-gpu/loom/internal/op"
)

// deviceElemSize is the per-element byte width of a tensor on the device.
// Float16 tensors are stored as f32 on device; the half-precision form
// exists only at the host boundary.
func deviceElemSize(op.DataType) int { return 4 }

// NewTensor allocates an uninitialized device tensor and returns its
// handle.
func (c *Context) NewTensor(shape op.Shape, dtype op.DataType) (op.Handle, error) {
	if err := shape.Validate(); err != nil {
		return op.Handle{}, err
	}
	h := op.NewHandle(shape, dtype)
	if _, err := c.bufferFor(h); err != nil {
		return op.Handle{}, err
	}
	return h, nil
}

// bufferFor returns the device buffer behind a handle, allocating it on
// first use.
func (c *Context) bufferFor(h op.Handle) (device.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if buf, ok := c.handles[h.ID]; ok {
		return buf, nil
	}
	buf, err := c.dev.Alloc(h.Shape.NumElements() * deviceElemSize(h.DType))
	if err != nil {
		return nil, fmt.Errorf("engine: alloc %s: %w", h, err)
	}
	c.handles[h.ID] = buf
	return buf, nil
}

// WriteFloat32 uploads host data to a float tensor. Float16 handles
// round each value through half precision before upload so the device
// sees exactly what a half-precision store would hold.
func (c *Context) WriteFloat32(h op.Handle, data []float32) error {
	if h.DType == op.Int32 {
		return fmt.Errorf("engine: WriteFloat32 on %s tensor", h.DType)
	}
	if n := h.Shape.NumElements(); len(data) != n {
		return fmt.Errorf("engine: write %d elements to %d-element tensor", len(data), n)
	}
	buf, err := c.bufferFor(h)
	if err != nil {
		return err
	}
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		if h.DType == op.Float16 {
			v = float16.Fromfloat32(v).Float32()
		}
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return c.dev.Write(buf, raw)
}

// ReadFloat32 drains the stream and downloads a float tensor. A pending
// reduction on the handle is folded first.
func (c *Context) ReadFloat32(h op.Handle) ([]float32, error) {
	if h.DType == op.Int32 {
		return nil, fmt.Errorf("engine: ReadFloat32 on %s tensor", h.DType)
	}
	raw, err := c.readRaw(h)
	if err != nil {
		return nil, err
	}
	out := make([]float32, h.Shape.NumElements())
	for i := range out {
		v := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		if h.DType == op.Float16 {
			v = float16.Fromfloat32(v).Float32()
		}
		out[i] = v
	}
	return out, nil
}

// WriteInt32 uploads host data to an int32 tensor.
func (c *Context) WriteInt32(h op.Handle, data []int32) error {
	if h.DType != op.Int32 {
		return fmt.Errorf("engine: WriteInt32 on %s tensor", h.DType)
	}
	if n := h.Shape.NumElements(); len(data) != n {
		return fmt.Errorf("engine: write %d elements to %d-element tensor", len(data), n)
	}
	buf, err := c.bufferFor(h)
	if err != nil {
		return err
	}
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], uint32(v))
	}
	return c.dev.Write(buf, raw)
}

// ReadInt32 drains the stream and downloads an int32 tensor.
func (c *Context) ReadInt32(h op.Handle) ([]int32, error) {
	if h.DType != op.Int32 {
		return nil, fmt.Errorf("engine: ReadInt32 on %s tensor", h.DType)
	}
	raw, err := c.readRaw(h)
	if err != nil {
		return nil, err
	}
	out := make([]int32, h.Shape.NumElements())
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

func (c *Context) readRaw(h op.Handle) ([]byte, error) {
	if err := c.foldReduce(h); err != nil {
		return nil, err
	}
	if err := c.Sync(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	buf, ok := c.handles[h.ID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("engine: unknown tensor handle %s", h)
	}
	raw := make([]byte, h.Shape.NumElements()*deviceElemSize(h.DType))
	if err := c.dev.Read(buf, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Free releases a tensor's device buffer back to the pool. Freeing an
// unknown or already-freed handle is a no-op.
func (c *Context) Free(h op.Handle) {
	c.mu.Lock()
	buf, ok := c.handles[h.ID]
	if ok {
		delete(c.handles, h.ID)
	}
	pr, pending := c.reduces[h.ID]
	if pending {
		delete(c.reduces, h.ID)
	}
	c.mu.Unlock()
	if ok {
		c.pool.Release(buf)
	}
	if pending {
		c.pool.Release(pr.partials)
	}
}
