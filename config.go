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

package relay

import "time"

// Config holds every tunable of a relay Coordinator and its two
// direction pipelines.
type Config struct {
	// ClientPort and HostPort are OS-native serial port names for the
	// reader-facing and emulator-facing endpoints.
	ClientPort string
	HostPort   string

	// BaudRate applies to both endpoints; 8N1 framing, hardware flow
	// control disabled.
	BaudRate int

	// BufferCapacity is the per-direction ring buffer size in bytes,
	// rounded up to a power of two.
	BufferCapacity int

	// ReadTimeoutMs is the per-call non-blocking serial read budget.
	ReadTimeoutMs int

	// InterByteIdleMs is the inter-byte idle timeout the framer uses to
	// resolve the Case1/Case2 and Case3/Case4 ambiguity.
	InterByteIdleMs int

	// LatencyWindowSize is the number of samples kept for rolling
	// statistics.
	LatencyWindowSize int

	// LatencyThresholdNs is the high-water mark above which a sample
	// emits a HighLatency event.
	LatencyThresholdNs int64

	// MetricTickMs is the coordinator's periodic snapshot-publish
	// interval.
	MetricTickMs int

	// MaxRetries bounds the single-attempt write retry a pipeline
	// performs before surfacing a fatal error (spec's Error state: one
	// retry, no backoff).
	MaxRetries int

	// AutoRestart enables a bounded full restart after a fatal pipeline
	// error instead of leaving the coordinator Faulted.
	AutoRestart bool

	// AutoRestartMaxAttempts bounds auto-restart attempts.
	AutoRestartMaxAttempts int

	// ShutdownTimeoutMs bounds how long Stop waits for in-flight
	// forwarding to complete before abandoning it as ShutdownDropped.
	ShutdownTimeoutMs int

	// XORChecksumEnabled turns on the optional, advisory ISO 14443-3
	// short-frame checksum. A mismatch is counted but never blocks
	// forwarding.
	XORChecksumEnabled bool

	// FrameRelayedEventsEnabled turns on a FrameRelayed metrics event
	// per forwarded frame, consumed by Coordinator.OnFrameRelayed. Off
	// by default: most callers only need the periodic Snapshot, and
	// per-frame events compete with error events for the same bounded
	// subscriber queue.
	FrameRelayedEventsEnabled bool
}

// DefaultConfig returns the relay's default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaudRate:                  921600,
		BufferCapacity:            4096,
		ReadTimeoutMs:             1,
		InterByteIdleMs:           2,
		LatencyWindowSize:         100,
		LatencyThresholdNs:        5_000_000,
		MetricTickMs:              100,
		MaxRetries:                1,
		AutoRestart:               false,
		AutoRestartMaxAttempts:    3,
		ShutdownTimeoutMs:         500,
		XORChecksumEnabled:        false,
		FrameRelayedEventsEnabled: false,
	}
}

// ShutdownTimeout returns ShutdownTimeoutMs as a time.Duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// MetricTick returns MetricTickMs as a time.Duration.
func (c *Config) MetricTick() time.Duration {
	return time.Duration(c.MetricTickMs) * time.Millisecond
}

// InterByteIdle returns InterByteIdleMs as a time.Duration.
func (c *Config) InterByteIdle() time.Duration {
	return time.Duration(c.InterByteIdleMs) * time.Millisecond
}

// LatencyThreshold returns LatencyThresholdNs as a time.Duration.
func (c *Config) LatencyThreshold() time.Duration {
	return time.Duration(c.LatencyThresholdNs)
}
