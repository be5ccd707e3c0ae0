// Copyright 2025 The Loom Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package engine

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/loom-gpu/loom/internal/autotune"
	"github.com/loom-gpu/loom/internal/codegen"
	"github.com/loom-gpu/loom/internal/device"
	"github.com/loom-gpu/loom/internal/dispatch"
	"github.com/loom-gpu/loom/internal/fusion"
	"github.com/loom-gpu/loom/internal/op"
)

// Device is the binding-layer interface an execution context runs on.
type Device = device.Device

// Context is the per-device execution state: fusion builder, artifact
// cache, autotune cache, dispatcher, buffer pool, and the handle table.
//
// Push/Flush consume one descriptor stream and are not safe for
// concurrent use; the caches and the dispatcher underneath are shared and
// concurrency-safe.
type Context struct {
	dev       Device
	builder   *fusion.Builder
	artifacts *codegen.Cache
	tuner     *autotune.Tuner
	disp      *dispatch.Dispatcher
	pool      *dispatch.Pool

	mu      sync.Mutex
	handles map[uuid.UUID]device.Buffer
	kernels map[string]device.Kernel // compiled winners by artifact key and candidate index
	reduces map[uuid.UUID]*pendingReduce

	rng       *rand.Rand
	cachePath string
}

// pendingReduce tracks a terminal reduction whose per-workgroup partials
// still need the host fold into the scalar output.
type pendingReduce struct {
	partials device.Buffer
	groups   int
	kind     op.Kind
	dtype    op.DataType
	elems    int
}

type config struct {
	cachePath string
	tunerOpts []autotune.Option
	benchSeed int64
}

// Option configures a Context.
type Option func(*config)

// WithAutotuneCache loads the persisted autotune cache from path on open
// and saves resolved entries back on Close. Missing or corrupt files load
// as empty.
func WithAutotuneCache(path string) Option {
	return func(c *config) { c.cachePath = path }
}

// WithWarmup sets the discarded warmup runs per autotune candidate.
func WithWarmup(n int) Option {
	return func(c *config) { c.tunerOpts = append(c.tunerOpts, autotune.WithWarmup(n)) }
}

// WithIterations sets the measured runs per autotune candidate.
func WithIterations(n int) Option {
	return func(c *config) { c.tunerOpts = append(c.tunerOpts, autotune.WithIterations(n)) }
}

// WithProvisionalDefault makes calls that race an in-flight benchmark use
// the default candidate for that call instead of waiting.
func WithProvisionalDefault() Option {
	return func(c *config) { c.tunerOpts = append(c.tunerOpts, autotune.WithProvisionalDefault()) }
}

// WithBenchmarkSeed fixes the RNG seed for autotune sample inputs.
func WithBenchmarkSeed(seed int64) Option {
	return func(c *config) { c.benchSeed = seed }
}

// New creates an execution context on the device.
func New(dev Device, opts ...Option) (*Context, error) {
	cfg := config{benchSeed: 1}
	for _, o := range opts {
		o(&cfg)
	}

	disp := dispatch.New(dev)
	ctx := &Context{
		dev:       dev,
		builder:   fusion.NewBuilder(),
		artifacts: codegen.NewCache(),
		tuner:     autotune.NewTuner(cfg.tunerOpts...),
		disp:      disp,
		pool:      dispatch.NewPool(dev, disp),
		handles:   make(map[uuid.UUID]device.Buffer),
		kernels:   make(map[string]device.Kernel),
		reduces:   make(map[uuid.UUID]*pendingReduce),
		rng:       rand.New(rand.NewSource(cfg.benchSeed)), //nolint:gosec // G404: benchmark inputs, not crypto
		cachePath: cfg.cachePath,
	}
	if cfg.cachePath != "" {
		ctx.tuner.LoadFile(cfg.cachePath)
	}
	return ctx, nil
}

// Push feeds one operation descriptor into the fusion builder and executes
// any trace the push completed.
func (c *Context) Push(d op.Descriptor) error {
	t, err := c.builder.Push(d)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}
	return c.execute(t)
}

// Flush signals end-of-graph: the in-progress trace is sealed and every
// pending trace executes.
func (c *Context) Flush() error {
	for _, t := range c.builder.Flush() {
		if err := c.execute(t); err != nil {
			return err
		}
	}
	return nil
}

// Sync blocks until all submitted work completed and returns faults raised
// since the last sync. Parked pool buffers are requeued afterwards.
func (c *Context) Sync() error {
	err := c.disp.Sync()
	c.pool.Drain()
	return err
}

// Poll reports the status of a submission returned by a prior execution.
func (c *Context) Poll(id uuid.UUID) (dispatch.Status, error) {
	return c.disp.Poll(id)
}

// Tuner exposes the autotune cache (resolved-entry inspection, save/load).
func (c *Context) Tuner() *autotune.Tuner { return c.tuner }

// Close drains the stream, persists the autotune cache when configured,
// and releases every buffer and device resource.
func (c *Context) Close() error {
	flushErr := c.Flush()
	syncErr := c.Sync()

	var saveErr error
	if c.cachePath != "" {
		saveErr = c.tuner.SaveFile(c.cachePath)
	}

	c.mu.Lock()
	for id, buf := range c.handles {
		c.dev.Free(buf)
		delete(c.handles, id)
	}
	for id, pr := range c.reduces {
		c.dev.Free(pr.partials)
		delete(c.reduces, id)
	}
	c.mu.Unlock()

	c.pool.Clear()
	closeErr := c.disp.Close()
	c.dev.Close()

	for _, err := range []error{flushErr, syncErr, saveErr, closeErr} {
		if err != nil {
			return err
		}
	}
	return nil
}

// errTrace attaches operation and shape context to a failure, per the
// propagation policy: surfaced failures always carry what was running.
func errTrace(t *fusion.Trace, err error) error {
	return fmt.Errorf("engine: %s: %w", t, err)
}
