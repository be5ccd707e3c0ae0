// Copyright 2025 The Loom Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the WebGPU compute device. Kernels compile to
// WGSL shader modules and dispatch on the adapter's first compute queue.
//
// Example:
//
//	dev, err := webgpu.New()
//	if err != nil {
//	    log.Fatal(err) // no adapter or native library missing
//	}
//	ctx, err := engine.New(dev, engine.WithAutotuneCache("tune.json"))
package webgpu

import (
	"github.com/loom-gpu/loom/internal/device"
	internalwebgpu "github.com/loom-gpu/loom/internal/device/webgpu"
)

// Device is the WebGPU device implementation.
type Device = internalwebgpu.Device

// Compile-time check that Device satisfies the device contract.
var _ device.Device = (*Device)(nil)

// New initializes the WebGPU instance, requests an adapter, and opens a
// device with a compute queue. It fails when no adapter is available or
// the native wgpu library cannot be loaded.
func New() (*Device, error) {
	return internalwebgpu.New()
}
