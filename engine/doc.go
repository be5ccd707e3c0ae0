// Copyright 2025 The Loom Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package engine ties the fusion pipeline together: it consumes operation
// descriptors from the front-end, fuses them into traces, generates and
// autotunes kernels, and dispatches them on the device's ordered stream.
//
// Example:
//
//	dev := sim.New()
//	ctx, _ := engine.New(dev)
//	defer ctx.Close()
//
//	a, _ := ctx.NewTensor(op.Shape{1024}, op.Float32)
//	b, _ := ctx.NewTensor(op.Shape{1024}, op.Float32)
//	out, _ := ctx.NewTensor(op.Shape{1024}, op.Float32)
//	_ = ctx.Push(op.Descriptor{Kind: op.Add, Inputs: []op.Handle{a, b}, Output: out})
//	_ = ctx.Flush()
//	data, _ := ctx.ReadFloat32(out)
package engine
