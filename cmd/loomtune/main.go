// Package main provides loomtune, a cache-warming tool for the autotune
// engine. It runs a set of representative fused graphs across a range of
// tensor sizes so the winning launch configurations are resolved ahead of
// time and persisted to disk.
//
// Usage:
//
//	loomtune -device webgpu -cache tune.json -sizes 1024,65536,1048576
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/loom-gpu/loom/backend/sim"
	"github.com/loom-gpu/loom/backend/webgpu"
	"github.com/loom-gpu/loom/engine"
	"github.com/loom-gpu/loom/op"
)

func main() {
	deviceName := flag.String("device", "webgpu", "Device to tune for: webgpu or sim")
	cachePath := flag.String("cache", "tune.json", "Autotune cache file to write")
	sizesFlag := flag.String("sizes", "1024,16384,262144,1048576", "Comma-separated tensor sizes to warm")
	warmup := flag.Int("warmup", 3, "Warmup runs per candidate")
	iterations := flag.Int("iterations", 10, "Measured runs per candidate")
	flag.Parse()

	sizes, err := parseSizes(*sizesFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loomtune: %v\n", err)
		os.Exit(1)
	}

	dev, err := openDevice(*deviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loomtune: %v\n", err)
		os.Exit(1)
	}

	ctx, err := engine.New(dev,
		engine.WithAutotuneCache(*cachePath),
		engine.WithWarmup(*warmup),
		engine.WithIterations(*iterations),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loomtune: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("loomtune: device=%s cache=%s sizes=%v\n", dev.Name(), *cachePath, sizes)

	for _, n := range sizes {
		if err := warmSize(ctx, n); err != nil {
			fmt.Fprintf(os.Stderr, "loomtune: size %d: %v\n", n, err)
			ctx.Close()
			os.Exit(1)
		}
		fmt.Printf("  warmed %d elements (%d entries resolved)\n", n, ctx.Tuner().Len())
	}

	if err := ctx.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "loomtune: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("loomtune: cache written to %s\n", *cachePath)
}

func openDevice(name string) (engine.Device, error) {
	switch name {
	case "webgpu":
		dev, err := webgpu.New()
		if err != nil {
			fmt.Fprintf(os.Stderr, "loomtune: webgpu unavailable (%v), falling back to sim\n", err)
			return sim.New(), nil
		}
		return dev, nil
	case "sim":
		return sim.New(), nil
	}
	return nil, fmt.Errorf("unknown device %q", name)
}

func parseSizes(s string) ([]int, error) {
	var sizes []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid size %q", part)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

// warmSize pushes one representative graph per operation family so every
// family's autotune entry for this size bucket resolves.
func warmSize(ctx *engine.Context, n int) error {
	shape := op.Shape{n}
	a, err := ctx.NewTensor(shape, op.Float32)
	if err != nil {
		return err
	}
	b, err := ctx.NewTensor(shape, op.Float32)
	if err != nil {
		return err
	}
	defer ctx.Free(a)
	defer ctx.Free(b)

	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i%17) - 8
	}
	if err := ctx.WriteFloat32(a, data); err != nil {
		return err
	}
	if err := ctx.WriteFloat32(b, data); err != nil {
		return err
	}

	// Fused pointwise chains of length 1 through 3.
	graphs := [][]op.Kind{
		{op.Add},
		{op.Add, op.Mul},
		{op.Add, op.Mul, op.ReLU},
	}
	for _, chain := range graphs {
		if err := pushChain(ctx, a, b, chain); err != nil {
			return err
		}
	}

	// Scalar reductions.
	for _, kind := range []op.Kind{op.SumReduce, op.MaxReduce, op.MeanReduce} {
		out := op.NewHandle(op.Shape{1}, op.Float32)
		d := op.Descriptor{Kind: kind, Inputs: []op.Handle{a}, Output: out}
		if err := ctx.Push(d); err != nil {
			return err
		}
		if err := ctx.Flush(); err != nil {
			return err
		}
		ctx.Free(out)
	}

	return ctx.Sync()
}

// pushChain builds a dependent pointwise chain and flushes it as one trace.
func pushChain(ctx *engine.Context, a, b op.Handle, chain []op.Kind) error {
	cur := a
	var outs []op.Handle
	for _, kind := range chain {
		out := op.NewHandle(a.Shape, a.DType)
		inputs := []op.Handle{cur}
		if kind.Arity() == 2 {
			inputs = append(inputs, b)
		}
		d := op.Descriptor{Kind: kind, Inputs: inputs, Output: out}
		if err := ctx.Push(d); err != nil {
			return err
		}
		outs = append(outs, out)
		cur = out
	}
	if err := ctx.Flush(); err != nil {
		return err
	}
	// Only the terminal output escaped the trace; intermediates were
	// internalized to registers and own no buffer.
	ctx.Free(outs[len(outs)-1])
	return nil
}
