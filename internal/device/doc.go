// Package device defines the narrow binding interface to a compute device
// (buffer allocation, kernel compilation, launch) and provides Sim, a
// host-side reference device that interprets the portable kernel program.
// The WebGPU implementation lives in the webgpu subpackage.
package device
