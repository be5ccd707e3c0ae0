// Copyright 2025 The Loom Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package sim provides the in-process simulator device. It executes the
// portable instruction program of every kernel on the host with the same
// workgroup chunking the GPU uses, so results match the WebGPU backend
// bit for bit on float32 pointwise work.
//
// The simulator also exposes fault and latency injection, which the
// engine's own tests rely on:
//
//	dev := sim.New()
//	dev.FailCompile("fused_add_mul_wg256_x4")
//	ctx, _ := engine.New(dev)
package sim

import (
	"github.com/loom-gpu/loom/internal/device"
)

// Device is the simulator device implementation.
type Device = device.Sim

// Compile-time check that Device satisfies the device contract.
var _ device.Device = (*Device)(nil)

// New creates a simulator device with no memory limit.
func New() *Device {
	return device.NewSim()
}
