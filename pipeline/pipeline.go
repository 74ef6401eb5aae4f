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

// Package pipeline implements one direction of the relay: read from a
// serial endpoint, detect APDU frame boundaries, and forward the raw
// bytes to the opposite direction's endpoint. Two Pipelines, linked to
// each other, form a full relay session.
package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"time"

	relay "github.com/bombercat-project/nfc-relay-engine"
	"github.com/bombercat-project/nfc-relay-engine/internal/apdu"
	"github.com/bombercat-project/nfc-relay-engine/internal/ringbuf"
	"github.com/bombercat-project/nfc-relay-engine/internal/syncutil"
	"github.com/bombercat-project/nfc-relay-engine/latency"
	"github.com/bombercat-project/nfc-relay-engine/metrics"
)

// Direction names one of the two byte flows a relay session carries.
type Direction string

const (
	// ClientToHost carries commands read from the reader to the
	// card-emulator endpoint.
	ClientToHost Direction = "client_to_host"
	// HostToClient carries responses read from the card emulator back
	// to the reader endpoint.
	HostToClient Direction = "host_to_client"
)

// State is a pipeline's current position in its forwarding state
// machine.
type State int32

const (
	StateIdle State = iota
	StateReading
	StateForwarding
	StateBlocked
	StateDraining
	StateError
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateForwarding:
		return "forwarding"
	case StateBlocked:
		return "blocked"
	case StateDraining:
		return "draining"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Transport is the byte-level serial contract a Pipeline drives. It is
// satisfied by *transport/serial.Port; tests substitute an in-memory
// fake.
type Transport interface {
	ReadNonblocking(buf []byte, timeoutMs int) (int, error)
	Write(buf []byte) (int, error)
	Close() error
	Name() string
}

// Reopener reopens a named transport, used to rebuild a Pipeline's own
// endpoint after an I/O error. Production wiring passes
// transport/serial.Open; tests substitute a stub.
type Reopener func(name string, baud int) (Transport, error)

// Exchange is the single pending-command slot shared by the two
// direction pipelines of one relay session: the client-to-host pipeline
// opens it on every forwarded command, the host-to-client pipeline
// closes it on every forwarded response.
type Exchange struct {
	pendingLe atomic.Int64

	mu        syncutil.Mutex
	handle    latency.Handle
	hasHandle bool
}

// NewExchange creates an Exchange with no pending command.
func NewExchange() *Exchange {
	e := &Exchange{}
	e.pendingLe.Store(int64(apdu.LenAbsent))
	return e
}

func (e *Exchange) setPending(le int, h latency.Handle) {
	e.pendingLe.Store(int64(le))
	e.mu.Lock()
	e.handle = h
	e.hasHandle = true
	e.mu.Unlock()
}

func (e *Exchange) takeHandle() (latency.Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handle, e.hasHandle
	e.hasHandle = false
	return h, ok
}

func (e *Exchange) expectedLe() int {
	return int(e.pendingLe.Load())
}

// Pipeline owns one direction's serial endpoint, input ring buffer, and
// framer, and forwards completed frames to the opposite direction's
// Pipeline.
type Pipeline struct {
	direction Direction
	cfg       *relay.Config
	meter     *latency.Meter
	exchange  *Exchange
	publisher *metrics.Publisher
	reopen    Reopener

	buf    *ringbuf.Buffer
	output *Pipeline

	portMu   syncutil.Mutex
	input    Transport
	portName string

	state atomic.Int32

	stopCh chan struct{}
	doneCh chan struct{}

	framesForwarded atomic.Uint64
	bytesRx         atomic.Uint64
	bytesTx         atomic.Uint64
	malformedCount  atomic.Uint64
	orphanedCount   atomic.Uint64
	shutdownDropped atomic.Uint64
	retries         atomic.Uint64
}

// New creates a Pipeline for direction, reading from input; frames the
// opposite direction's Pipeline forwards are written out through the
// same input transport. Link must be called with the opposite
// direction's Pipeline before Run starts.
func New(direction Direction, cfg *relay.Config, input Transport, meter *latency.Meter, exchange *Exchange, publisher *metrics.Publisher, reopen Reopener) *Pipeline {
	return &Pipeline{
		direction: direction,
		cfg:       cfg,
		meter:     meter,
		exchange:  exchange,
		publisher: publisher,
		reopen:    reopen,
		buf:       ringbuf.New(cfg.BufferCapacity),
		input:     input,
		portName:  input.Name(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Link sets output as the pipeline this one forwards completed frames
// to.
func (p *Pipeline) Link(output *Pipeline) {
	p.output = output
}

// State returns the pipeline's current state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
}

// Stats returns the pipeline's current counters as a relay.PipelineStats,
// letting *Pipeline satisfy the coordinator's Pipeline interface without
// the relay package importing this one.
func (p *Pipeline) Stats() relay.PipelineStats {
	var usage float64
	if cap := p.buf.Cap(); cap > 0 {
		usage = float64(p.buf.Available()) / float64(cap)
	}

	return relay.PipelineStats{
		State:           p.State().String(),
		FramesForwarded: p.framesForwarded.Load(),
		BytesRx:         p.bytesRx.Load(),
		BytesTx:         p.bytesTx.Load(),
		MalformedCount:  p.malformedCount.Load(),
		OrphanedCount:   p.orphanedCount.Load(),
		ShutdownDropped: p.shutdownDropped.Load(),
		Retries:         p.retries.Load(),
		BufferUsage:     usage,
	}
}

// Stop signals Run to shut down. It is safe to call more than once.
func (p *Pipeline) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
}

// Done returns a channel closed once Run has returned.
func (p *Pipeline) Done() <-chan struct{} {
	return p.doneCh
}

// Run drives the pipeline's read/frame/forward loop until ctx is
// cancelled, Stop is called, or an unrecoverable error occurs.
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.doneCh)

	scratch := make([]byte, minInt(4096, p.cfg.BufferCapacity))
	idleSince := time.Now()

	for {
		select {
		case <-ctx.Done():
			return p.shutdown()
		case <-p.stopCh:
			return p.shutdown()
		default:
		}

		p.setState(StateIdle)
		n, err := p.readInput(scratch)
		if err != nil {
			if errors.Is(err, relay.ErrTimeout) {
				if time.Since(idleSince) >= p.cfg.InterByteIdle() && p.buf.Available() > 0 {
					if ferr := p.drainFrames(true); ferr != nil {
						return ferr
					}
				}
				continue
			}

			if herr := p.handlePortError(ctx, err); herr != nil {
				return herr
			}
			continue
		}

		idleSince = time.Now()
		p.bytesRx.Add(uint64(n))

		p.setState(StateReading)
		if err := p.admit(ctx, scratch[:n]); err != nil {
			return err
		}

		if err := p.drainFrames(false); err != nil {
			return err
		}
	}
}

func (p *Pipeline) readInput(scratch []byte) (int, error) {
	p.portMu.Lock()
	in := p.input
	p.portMu.Unlock()
	return in.ReadNonblocking(scratch, p.cfg.ReadTimeoutMs)
}

// admit writes newly-read bytes into the input ring buffer, applying
// backpressure by forcing an immediate drain if the buffer has no room
// and, failing that, waiting for the opposite pipeline to catch up.
// Run sizes its read scratch buffer at or below the ring buffer's
// capacity, so b always fits once enough draining has happened; no
// bytes are dropped except at shutdown, when draining itself is
// abandoned at the deadline.
func (p *Pipeline) admit(ctx context.Context, b []byte) error {
	for {
		if _, err := p.buf.Write(b); err == nil {
			return nil
		}

		p.setState(StateBlocked)
		if err := p.drainFrames(true); err != nil {
			return err
		}
		if _, err := p.buf.Write(b); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			// Let Run's own ctx.Done() check on its next pass drive the
			// shutdown drain instead of returning an error here; the
			// unwritten bytes are accounted the same as any other
			// shutdown-time drop.
			p.shutdownDropped.Add(uint64(len(b)))
			return nil
		case <-p.stopCh:
			p.shutdownDropped.Add(uint64(len(b)))
			return nil
		case <-time.After(time.Millisecond):
		}
	}
}

// drainFrames extracts and forwards every complete frame currently
// available, stopping at the first NeedMore.
func (p *Pipeline) drainFrames(idleTimedOut bool) error {
	for {
		seg1, seg2 := p.buf.Peek(p.buf.Cap())
		total := len(seg1) + len(seg2)
		if total == 0 {
			return nil
		}

		var view, pooled []byte
		if seg2 == nil {
			view = seg1
		} else {
			pooled = apdu.GetBuffer(total)
			n := copy(pooled, seg1)
			copy(pooled[n:], seg2)
			view = pooled[:total]
		}

		res := p.completeness(view, idleTimedOut)

		switch res.Status {
		case apdu.NeedMore:
			if pooled != nil {
				apdu.PutBuffer(pooled)
			}
			return nil

		case apdu.Malformed:
			p.setState(StateDraining)
			p.malformedCount.Add(1)
			p.publishFramingError("malformed")
			relay.Debugf("pipeline %s: dropping 1 malformed byte, %d total so far", p.direction, p.malformedCount.Load())
			p.buf.Commit(1)
			if pooled != nil {
				apdu.PutBuffer(pooled)
			}

		default: // apdu.Complete
			frame := view[:res.Len]
			err := p.forward(frame)
			p.buf.Commit(res.Len)
			if pooled != nil {
				apdu.PutBuffer(pooled)
			}
			if err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) completeness(view []byte, idleTimedOut bool) apdu.Result {
	if p.direction == ClientToHost {
		return apdu.IsComplete(view, idleTimedOut)
	}
	return apdu.IsResponseComplete(view, p.exchange.expectedLe(), idleTimedOut)
}

// forward pairs the frame with the latency meter, verifies the optional
// checksum, and writes it out through the opposite pipeline's
// transport.
func (p *Pipeline) forward(frame []byte) error {
	p.setState(StateForwarding)

	if p.cfg.XORChecksumEnabled && len(frame) > 1 {
		if apdu.XORChecksum(frame[:len(frame)-1]) != frame[len(frame)-1] {
			p.malformedCount.Add(1)
			p.publishFramingError("checksum_mismatch")
		}
	}

	switch p.direction {
	case ClientToHost:
		f := apdu.Parse(frame)
		h := p.meter.Start(string(p.direction), fingerprint(f))
		p.exchange.setPending(f.Le, h)
	case HostToClient:
		if h, ok := p.exchange.takeHandle(); ok {
			p.meter.Stop(h)
		} else {
			p.orphanedCount.Add(1)
		}
		p.exchange.pendingLe.Store(int64(apdu.LenAbsent))
	}

	n, err := p.writeOutWithRetry(frame)
	p.bytesTx.Add(uint64(n))
	if err != nil {
		p.setState(StateStopped)
		return relay.NewError("forward", string(p.direction), err, relay.KindPermanent)
	}

	p.framesForwarded.Add(1)
	p.setState(StateIdle)

	if p.publisher != nil && p.cfg.FrameRelayedEventsEnabled {
		// frame is a view into the ring buffer or a pooled scratch slice
		// about to be reused by the caller; subscribers need their own
		// copy.
		cp := append([]byte(nil), frame...)
		p.publisher.Publish(metrics.FrameRelayed{Direction: string(p.direction), Frame: cp})
	}

	return nil
}

// writeOutWithRetry performs the configured retries the Error state
// allows, with the original implementation's short fixed inter-retry
// delay rather than exponential backoff, since the exchange is
// time-critical.
func (p *Pipeline) writeOutWithRetry(frame []byte) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			time.Sleep(time.Millisecond)
		}
		n, err := p.output.writeOut(frame)
		if err == nil {
			return n, nil
		}
		lastErr = err
	}
	return 0, lastErr
}

// writeOut is called by the opposite pipeline to deliver a forwarded
// frame through this pipeline's transport.
func (p *Pipeline) writeOut(frame []byte) (int, error) {
	p.portMu.Lock()
	in := p.input
	p.portMu.Unlock()

	if in == nil {
		return 0, relay.NewError("write", string(p.direction), relay.ErrPortUnavailable, relay.KindTransient)
	}
	return in.Write(frame)
}

// handlePortError reacts to a read failure: a permanent framing-layer
// error is surfaced immediately, an I/O error triggers a reconnect with
// the relay's port-reconnect backoff schedule (reconnectLoop) while
// PortUnavailable is published.
func (p *Pipeline) handlePortError(ctx context.Context, err error) error {
	if !errors.Is(err, relay.ErrIoError) || p.reopen == nil {
		return relay.NewError("read", string(p.direction), err, relay.KindPermanent)
	}

	p.setState(StateBlocked)
	p.publishPortUnavailable()

	p.portMu.Lock()
	name := p.portName
	old := p.input
	p.input = nil
	p.portMu.Unlock()
	if old != nil {
		if aged, ok := old.(interface{ Uptime() time.Duration }); ok {
			relay.Debugf("pipeline %s: closing %s after %s uptime: %v", p.direction, name, aged.Uptime(), err)
		} else {
			relay.Debugf("pipeline %s: closing %s: %v", p.direction, name, err)
		}
		_ = old.Close()
	}

	newPort, rerr := reconnectLoop(ctx, name, p.cfg.BaudRate, p.reopen)
	if rerr != nil {
		return relay.NewError("reconnect", string(p.direction), rerr, relay.KindPermanent)
	}

	p.portMu.Lock()
	p.input = newPort
	p.portMu.Unlock()

	p.setState(StateIdle)
	return nil
}

// reconnectLoop retries reopen with the relay's port-reconnect backoff
// schedule until ctx is cancelled or a connection succeeds.
func reconnectLoop(ctx context.Context, name string, baud int, reopen Reopener) (Transport, error) {
	delay := relay.PortReconnectDelay1
	attempt := 0
	for {
		attempt++
		t, err := reopen(name, baud)
		if err == nil {
			relay.Debugf("reconnect to %s succeeded on attempt %d", name, attempt)
			return t, nil
		}
		relay.Debugf("reconnect to %s failed on attempt %d (retrying in %s): %v", name, attempt, delay, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		switch delay {
		case relay.PortReconnectDelay1:
			delay = relay.PortReconnectDelay2
		case relay.PortReconnectDelay2:
			delay = relay.PortReconnectDelay3
		default:
			next := time.Duration(float64(delay) * relay.PortReconnectMultiplier)
			if next > relay.PortReconnectMaxBackoff {
				next = relay.PortReconnectMaxBackoff
			}
			delay = next
		}
	}
}

// shutdown drains any in-flight bytes up to the configured deadline,
// then closes this pipeline's transport.
func (p *Pipeline) shutdown() error {
	deadline := time.Now().Add(p.cfg.ShutdownTimeout())
	for p.buf.Available() > 0 && time.Now().Before(deadline) {
		if err := p.drainFrames(true); err != nil {
			break
		}
		if p.buf.Available() == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if remaining := p.buf.Available(); remaining > 0 {
		p.shutdownDropped.Add(uint64(remaining))
		p.buf.Reset()
	}

	p.setState(StateStopped)

	p.portMu.Lock()
	in := p.input
	p.input = nil
	p.portMu.Unlock()

	if in != nil {
		return in.Close()
	}
	return nil
}

func (p *Pipeline) publishFramingError(kind string) {
	if p.publisher != nil {
		p.publisher.Publish(metrics.FramingError{Kind: kind, Direction: string(p.direction)})
	}
}

func (p *Pipeline) publishPortUnavailable() {
	if p.publisher != nil {
		p.publisher.Publish(metrics.PortUnavailable{Direction: string(p.direction)})
	}
}

func fingerprint(f apdu.Frame) string {
	return hex.EncodeToString([]byte{f.Cla, f.Ins, f.P1, f.P2})
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
