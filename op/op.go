// Copyright 2025 The Loom Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package op is the public vocabulary for building operation streams:
// tensor handles, shapes, element types, operation kinds, and the
// descriptor an engine.Context consumes.
//
// Example:
//
//	a := ...                         // op.Handle from engine.NewTensor
//	out := op.NewHandle(a.Shape, a.DType)
//	d := op.Descriptor{Kind: op.Add, Inputs: []op.Handle{a, b}, Output: out}
//	if err := ctx.Push(d); err != nil { ... }
package op

import (
	"github.com/loom-gpu/loom/internal/op"
)

// DataType is the element type of a tensor.
type DataType = op.DataType

// Element type constants.
const (
	Float32 DataType = op.Float32
	Float16 DataType = op.Float16
	Int32   DataType = op.Int32
)

// Shape is the dimension list of a tensor. Shape{2, 3} is a 2x3 matrix.
type Shape = op.Shape

// Handle is an opaque reference to a device tensor.
type Handle = op.Handle

// NewHandle mints a fresh handle with a unique identity.
func NewHandle(shape Shape, dtype DataType) Handle {
	return op.NewHandle(shape, dtype)
}

// Kind identifies one tensor operation.
type Kind = op.Kind

// Operation kinds.
const (
	Neg        Kind = op.Neg
	Abs        Kind = op.Abs
	Exp        Kind = op.Exp
	Sqrt       Kind = op.Sqrt
	ReLU       Kind = op.ReLU
	Sigmoid    Kind = op.Sigmoid
	Tanh       Kind = op.Tanh
	Add        Kind = op.Add
	Sub        Kind = op.Sub
	Mul        Kind = op.Mul
	Div        Kind = op.Div
	Maximum    Kind = op.Maximum
	Minimum    Kind = op.Minimum
	AddScalar  Kind = op.AddScalar
	MulScalar  Kind = op.MulScalar
	SumReduce  Kind = op.SumReduce
	MaxReduce  Kind = op.MaxReduce
	MeanReduce Kind = op.MeanReduce
	Readback   Kind = op.Readback
)

// Descriptor is one operation in the stream.
type Descriptor = op.Descriptor

// ValidationError reports a malformed descriptor.
type ValidationError = op.ValidationError
