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

// Package serial implements the non-blocking byte-level adapter the relay
// uses to talk to the reader and card-emulator endpoints. It wraps
// go.bug.st/serial with per-call timeouts and an exponential-backoff
// retry of the initial port open (OpenWithRetry). It does not reconnect
// a port that drops after opening.
package serial

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/bombercat-project/nfc-relay-engine"
	"go.bug.st/serial"
)

// DefaultBaudRate is the default baud rate for both relay endpoints.
const DefaultBaudRate = 921600

// DefaultReadTimeout is the default per-call non-blocking read timeout.
const DefaultReadTimeout = 1 * time.Millisecond

// windowsExtraReadTimeout compensates for coarser Windows driver timer
// granularity; Linux/macOS use the requested timeout unmodified.
const windowsExtraReadTimeout = 1 * time.Millisecond

// Port is a single open serial endpoint. Methods are safe for concurrent
// use by at most one reader and one writer, matching the relay's
// single-producer single-consumer direction pipelines.
type Port struct {
	port     serial.Port
	name     string
	baud     int
	mu       sync.Mutex
	timeout  time.Duration
	lastOpen time.Time
}

// Uptime reports how long this Port has been open since its last
// successful Open call. Used by callers logging a reconnect to report
// how long the previous connection lasted before it dropped.
func (p *Port) Uptime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastOpen)
}

func isWindows() bool {
	return runtime.GOOS == "windows"
}

func readTimeoutFor(requested time.Duration) time.Duration {
	if isWindows() {
		return requested + windowsExtraReadTimeout
	}
	return requested
}

// Open opens the named OS-native serial port at the given baud rate with
// 8N1 framing and hardware flow control disabled.
func Open(name string, baud int) (*Port, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	sp, err := serial.Open(name, mode)
	if err != nil {
		return nil, relay.NewError("open", "", fmt.Errorf("%s: %w", name, err), relay.KindTransient)
	}

	timeout := readTimeoutFor(DefaultReadTimeout)
	if err := sp.SetReadTimeout(timeout); err != nil {
		_ = sp.Close()
		return nil, relay.NewError("open", "", fmt.Errorf("set read timeout on %s: %w", name, err), relay.KindTransient)
	}

	return &Port{
		port:     sp,
		name:     name,
		baud:     baud,
		timeout:  timeout,
		lastOpen: time.Now(),
	}, nil
}

// ReadNonblocking reads up to len(buf) bytes, returning within timeoutMs
// even if no bytes are available. A read that times out with no bytes
// returns an error wrapping relay.ErrTimeout.
func (p *Port) ReadNonblocking(buf []byte, timeoutMs int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wanted := time.Duration(timeoutMs) * time.Millisecond
	if wanted != p.timeout {
		if err := p.port.SetReadTimeout(readTimeoutFor(wanted)); err != nil {
			return 0, relay.NewError("read", "", err, relay.KindTransient)
		}
		p.timeout = wanted
	}

	n, err := p.port.Read(buf)
	if err != nil {
		if isInterruptedSystemCall(err) {
			return 0, relay.NewError("read", "", relay.ErrTimeout, relay.KindTimeout)
		}
		return 0, relay.NewError("read", "", fmt.Errorf("%w: %w", relay.ErrIoError, err), relay.KindTransient)
	}
	if n == 0 {
		return 0, relay.NewError("read", "", relay.ErrTimeout, relay.KindTimeout)
	}
	return n, nil
}

// Write writes buf to the port, retrying on interrupted system calls with
// a short doubling backoff. The byte count the underlying port reports is
// returned as-is; a short write without an error is not retried here.
func (p *Port) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.writeWithRetry(buf)
	if err != nil {
		return n, relay.NewError("write", "", fmt.Errorf("%w: %w", relay.ErrIoError, err), relay.KindTransient)
	}
	return n, nil
}

func (p *Port) writeWithRetry(buf []byte) (int, error) {
	const maxRetries = 3
	baseDelay := 2 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		n, err := p.port.Write(buf)
		if err == nil {
			return n, nil
		}
		if !isInterruptedSystemCall(err) || attempt == maxRetries-1 {
			return n, err
		}
		time.Sleep(baseDelay * time.Duration(1<<attempt)) // 2ms, then 4ms
	}
	return 0, fmt.Errorf("write to %s exhausted retries", p.name)
}

func isInterruptedSystemCall(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "interrupted system call") || strings.Contains(s, "eintr")
}

// Close closes the underlying OS handle.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	if err != nil {
		return relay.NewError("close", "", err, relay.KindPermanent)
	}
	return nil
}

// Name returns the OS-native port name this Port was opened with.
func (p *Port) Name() string {
	return p.name
}

// OpenWithRetry opens the named port, retrying the OS-level open with the
// relay's connection-retry policy (DefaultConnectionRetries attempts,
// exponential backoff from ConnectionInitialBackoff up to
// ConnectionMaxBackoff, bounded overall by ConnectionRetryTimeout) instead
// of failing on the first attempt. Used for the initial open of a port;
// once a Port is open, a later I/O failure goes through the pipeline's own
// reconnect loop instead, which applies the port-reconnect backoff and can
// keep retrying for as long as the session runs.
func OpenWithRetry(ctx context.Context, name string, baud int) (*Port, error) {
	cfg := &relay.RetryConfig{
		MaxAttempts:       relay.DefaultConnectionRetries,
		InitialBackoff:    relay.ConnectionInitialBackoff,
		MaxBackoff:        relay.ConnectionMaxBackoff,
		BackoffMultiplier: relay.ConnectionBackoffMultiplier,
		Jitter:            relay.ConnectionJitter,
		RetryTimeout:      relay.ConnectionRetryTimeout,
	}

	var port *Port
	err := relay.RetryWithConfig(ctx, cfg, func() error {
		p, openErr := Open(name, baud)
		if openErr != nil {
			return openErr
		}
		port = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}
