// Package fusion decides fusion boundaries over a stream of operation
// descriptors and emits fusion traces: ordered op sequences that can
// legally execute as a single device kernel.
package fusion
