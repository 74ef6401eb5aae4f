// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package relay implements the NFC relay engine: a coordinator that
// owns two direction pipelines and routes their telemetry into one
// metrics publisher. The coordinator has no dependency on how a
// pipeline or its serial transport is built -- it drives whatever
// satisfies the Pipeline interface, so the wiring of concrete pipelines
// and serial ports lives one layer up, in the command that constructs
// a Coordinator.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bombercat-project/nfc-relay-engine/latency"
	"github.com/bombercat-project/nfc-relay-engine/metrics"
)

// PipelineStats is a point-in-time counter snapshot for one direction's
// pipeline.
type PipelineStats struct {
	State           string
	FramesForwarded uint64
	BytesRx         uint64
	BytesTx         uint64
	MalformedCount  uint64
	OrphanedCount   uint64
	ShutdownDropped uint64
	Retries         uint64
	BufferUsage     float64
}

// Pipeline is the subset of a direction pipeline's behavior the
// coordinator drives, implemented by *pipeline.Pipeline. Defining it
// here rather than importing the pipeline package keeps this package
// free of a dependency the pipeline package already has on this one.
type Pipeline interface {
	Run(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
	Stats() PipelineStats
}

// Factory rebuilds both direction pipelines from scratch. Used by
// auto-restart after a fatal pipeline error; nil disables auto-restart
// regardless of Config.AutoRestart.
type Factory func() (client, host Pipeline, err error)

// State is the coordinator's own lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Coordinator owns the two direction pipelines and the shared latency
// meter, routes both pipelines' metrics into one publisher, and
// enforces the relay's shutdown ordering: stop input reads, drain
// forwarding, close outputs, release buffers -- the last three of
// which are each pipeline's own responsibility inside Stop/Run.
type Coordinator struct {
	cfg       *Config
	meter     *latency.Meter
	publisher *metrics.Publisher
	factory   Factory

	mu              sync.Mutex
	client          Pipeline
	host            Pipeline
	state           atomic.Int32
	runCtx          context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	restartAttempts int
	startedAt       time.Time

	errHandlerMu sync.Mutex
	errHandler   func(error)

	frameHookMu sync.Mutex
	frameHook   func(direction string, frame []byte)

	errMu        sync.Mutex
	errorsByKind map[string]uint64

	snapSeq atomic.Uint64
}

// NewCoordinator creates a Coordinator over an already-linked pair of
// direction pipelines and a shared latency meter. factory may be nil;
// when non-nil and cfg.AutoRestart is set, it rebuilds both pipelines
// after a fatal error instead of leaving the coordinator Faulted.
func NewCoordinator(cfg *Config, client, host Pipeline, meter *latency.Meter, publisher *metrics.Publisher, factory Factory) *Coordinator {
	c := &Coordinator{
		cfg:          cfg,
		meter:        meter,
		publisher:    publisher,
		factory:      factory,
		client:       client,
		host:         host,
		errorsByKind: make(map[string]uint64),
	}

	meter.OnHighLatency(func(s latency.Sample) {
		publisher.Publish(metrics.HighLatency{
			SampleNs:    s.DurationNs(),
			Direction:   s.Direction,
			Fingerprint: s.Fingerprint,
		})
	})

	return c
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// SetErrorHandler registers fn to be invoked once per unrecoverable
// pipeline fault.
func (c *Coordinator) SetErrorHandler(fn func(error)) {
	c.errHandlerMu.Lock()
	c.errHandler = fn
	c.errHandlerMu.Unlock()
}

// OnFrameRelayed registers fn to be invoked once per frame either
// pipeline forwards. Frames are only reported while
// Config.FrameRelayedEventsEnabled is set, and they reach the hook
// through the coordinator's bounded subscriber queue, so a frame
// evicted from that queue is not reported. Optional; unset by default,
// since most callers only care about the periodic Snapshot rather than
// per-frame detail.
func (c *Coordinator) OnFrameRelayed(fn func(direction string, frame []byte)) {
	c.frameHookMu.Lock()
	c.frameHook = fn
	c.frameHookMu.Unlock()
}

// Start launches both direction pipelines, the event-tally subscriber,
// and the periodic metrics tick. It returns once the goroutines have
// been started; it does not block for the relay's lifetime.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if State(c.state.Load()) == StateRunning {
		c.mu.Unlock()
		return ErrClosed
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	c.cancel = cancel
	c.startedAt = time.Now()
	c.state.Store(int32(StateRunning))
	client, host := c.client, c.host
	c.mu.Unlock()

	events, err := c.publisher.Subscribe("coordinator")
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consumeEvents(runCtx, events)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.publishTicker(runCtx)
	}()

	c.runPipelines(runCtx, client, host)

	return nil
}

// runPipelines starts client and host under ctx and arranges for a
// fatal error from either to trigger handleFault.
func (c *Coordinator) runPipelines(ctx context.Context, client, host Pipeline) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.handleFault(err)
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := host.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.handleFault(err)
		}
	}()
}

// handleFault marks the coordinator Faulted, invokes the error
// handler, and attempts a bounded auto-restart if configured.
func (c *Coordinator) handleFault(err error) {
	Debugf("coordinator: pipeline fault, marking faulted: %v", err)
	c.state.Store(int32(StateFaulted))

	c.errHandlerMu.Lock()
	handler := c.errHandler
	c.errHandlerMu.Unlock()
	if handler != nil {
		handler(err)
	}

	if !c.cfg.AutoRestart || c.factory == nil {
		return
	}

	c.mu.Lock()
	if c.restartAttempts >= c.cfg.AutoRestartMaxAttempts {
		c.mu.Unlock()
		return
	}
	c.restartAttempts++
	runCtx := c.runCtx
	c.mu.Unlock()

	if runCtx == nil || runCtx.Err() != nil {
		return
	}

	newClient, newHost, ferr := c.factory()
	if ferr != nil {
		return
	}

	c.mu.Lock()
	c.client = newClient
	c.host = newHost
	c.state.Store(int32(StateRunning))
	c.mu.Unlock()

	c.publisher.Publish(metrics.Restarted{Reason: err.Error()})
	c.runPipelines(runCtx, newClient, newHost)
}

// consumeEvents tallies events into errorsByKind for Stats to report.
func (c *Coordinator) consumeEvents(ctx context.Context, events <-chan metrics.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.tally(ev)
		}
	}
}

func (c *Coordinator) tally(ev metrics.Event) {
	switch v := ev.(type) {
	case metrics.FramingError:
		c.errMu.Lock()
		c.errorsByKind[v.Kind]++
		c.errMu.Unlock()
	case metrics.PortUnavailable:
		c.errMu.Lock()
		c.errorsByKind["port_unavailable"]++
		c.errMu.Unlock()
	case metrics.FrameRelayed:
		c.frameHookMu.Lock()
		hook := c.frameHook
		c.frameHookMu.Unlock()
		if hook != nil {
			hook(v.Direction, v.Frame)
		}
	}
}

// publishTicker emits a Snapshot at the configured metric tick interval.
func (c *Coordinator) publishTicker(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.MetricTick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.publisher.Publish(c.Stats())
		}
	}
}

// Stats builds a Snapshot from the current pipeline counters and the
// latency meter's window.
func (c *Coordinator) Stats() metrics.Snapshot {
	c.mu.Lock()
	client, host := c.client, c.host
	started := c.startedAt
	c.mu.Unlock()

	var cs, hs PipelineStats
	if client != nil {
		cs = client.Stats()
	}
	if host != nil {
		hs = host.Stats()
	}

	c.errMu.Lock()
	errs := make(map[string]uint64, len(c.errorsByKind))
	for k, v := range c.errorsByKind {
		errs[k] = v
	}
	c.errMu.Unlock()

	var uptime int64
	var uptimeSeconds float64
	if !started.IsZero() {
		elapsed := time.Since(started)
		uptime = elapsed.Nanoseconds()
		uptimeSeconds = elapsed.Seconds()
	}

	totalBytes := cs.BytesRx + hs.BytesRx + cs.BytesTx + hs.BytesTx
	totalFrames := cs.FramesForwarded + hs.FramesForwarded

	var bytesPerSec, framesPerSec float64
	if uptimeSeconds > 0 {
		bytesPerSec = float64(totalBytes) / uptimeSeconds
		framesPerSec = float64(totalFrames) / uptimeSeconds
	}

	return metrics.Snapshot{
		Seq:             c.snapSeq.Add(1),
		UptimeNs:        uptime,
		Frames:          totalFrames,
		BytesRx:         cs.BytesRx + hs.BytesRx,
		BytesTx:         cs.BytesTx + hs.BytesTx,
		ErrorsByKind:    errs,
		Latency:         c.meter.Snapshot(),
		BytesPerSecond:  bytesPerSec,
		FramesPerSecond: framesPerSec,
		BufferUsage: map[string]float64{
			"client_to_host": cs.BufferUsage,
			"host_to_client": hs.BufferUsage,
		},
	}
}

// Subscribe registers id for the coordinator's metric stream.
func (c *Coordinator) Subscribe(id string) (<-chan metrics.Event, error) {
	return c.publisher.Subscribe(id)
}

// Unsubscribe removes id from the coordinator's metric stream.
func (c *Coordinator) Unsubscribe(id string) error {
	return c.publisher.Unsubscribe(id)
}

// Stop signals both pipelines to stop, waits up to the configured
// shutdown timeout plus a 100 ms grace period for them to drain, and
// closes the metrics publisher.
// It is safe to call more than once.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	state := State(c.state.Load())
	if state == StateStopped || state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.state.Store(int32(StateStopping))
	client, host, cancel := c.client, c.host, c.cancel
	c.mu.Unlock()

	if client != nil {
		client.Stop()
	}
	if host != nil {
		host.Stop()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.cfg.ShutdownTimeout() + 100*time.Millisecond):
	}

	_ = c.publisher.Close()
	c.state.Store(int32(StateStopped))
	return nil
}
