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

// Package metrics distributes relay telemetry to subscribers that
// consume at their own pace. Producers publish periodic snapshots and
// one-off events; a slow subscriber never blocks a producer -- its
// queue drops the oldest pending record to make room for the newest.
package metrics

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/bombercat-project/nfc-relay-engine/latency"
)

// SubscriberQueueDepth is the bounded queue size each subscriber gets.
const SubscriberQueueDepth = 64

var (
	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id.
	ErrSubscriberExists = errors.New("metrics: subscriber id already exists")

	// ErrSubscriberNotFound is returned when Unsubscribe is called with an unknown id.
	ErrSubscriberNotFound = errors.New("metrics: subscriber id not found")

	// ErrPublisherClosed is returned when operations are attempted on a closed publisher.
	ErrPublisherClosed = errors.New("metrics: publisher is closed")
)

// Event is any record the publisher distributes: Snapshot, HighLatency,
// FramingError, PortUnavailable, Restarted, or FrameRelayed.
type Event any

// Snapshot is a periodic telemetry record.
type Snapshot struct {
	Seq          uint64
	UptimeNs     int64
	Frames       uint64
	BytesRx      uint64
	BytesTx      uint64
	ErrorsByKind map[string]uint64
	Latency      latency.WindowStats

	// BytesPerSecond and FramesPerSecond are throughput rates derived
	// from the totals above divided by uptime.
	BytesPerSecond  float64
	FramesPerSecond float64

	// BufferUsage reports each direction's ring buffer occupancy
	// fraction, keyed by direction name.
	BufferUsage map[string]float64
}

// HighLatency reports a single sample that crossed the configured threshold.
type HighLatency struct {
	SampleNs    int64
	Direction   string
	Fingerprint string
}

// FramingError reports a malformed or otherwise rejected frame.
type FramingError struct {
	Kind      string
	Direction string
}

// PortUnavailable reports that a direction's serial endpoint dropped and
// a reconnect is in progress.
type PortUnavailable struct {
	Direction string
}

// Restarted reports that the coordinator performed a full auto-restart.
type Restarted struct {
	Reason string
}

// FrameRelayed reports a single frame forwarded in one direction. Only
// published when the relay's FrameRelayedEventsEnabled option is set;
// the coordinator's OnFrameRelayed hook is the primary consumer.
type FrameRelayed struct {
	Direction string
	Frame     []byte
}

// SubscriberStats tracks per-subscriber delivery counters.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// PublisherStats is a snapshot of publisher-wide counters.
type PublisherStats struct {
	TotalPublished uint64
	TotalSent      uint64
	TotalDropped   uint64
	Subscribers    map[string]SubscriberStats
}

type subscriberCounters struct {
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Publisher fans Events out to subscribers without ever blocking on a
// slow one. Each subscriber channel is bounded at SubscriberQueueDepth;
// once full, the oldest queued record is evicted to admit the newest.
type Publisher struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	counters    map[string]*subscriberCounters
	closed      bool

	totalPublished atomic.Uint64
}

// NewPublisher creates an empty Publisher.
func NewPublisher() *Publisher {
	return &Publisher{
		subscribers: make(map[string]chan Event),
		counters:    make(map[string]*subscriberCounters),
	}
}

// Subscribe registers id and returns a receive-only channel of Events
// for it. The channel is never closed by Unsubscribe or Close; callers
// simply stop reading from it.
func (p *Publisher) Subscribe(id string) (<-chan Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPublisherClosed
	}
	if _, exists := p.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	ch := make(chan Event, SubscriberQueueDepth)
	p.subscribers[id] = ch
	p.counters[id] = &subscriberCounters{}
	return ch, nil
}

// Unsubscribe removes id. The subscriber's channel is left for the
// caller to drain or discard.
func (p *Publisher) Unsubscribe(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}
	if _, exists := p.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}

	delete(p.subscribers, id)
	delete(p.counters, id)
	return nil
}

// Publish delivers ev to every current subscriber without blocking. A
// subscriber whose queue is full has its oldest pending record dropped
// to make room.
func (p *Publisher) Publish(ev Event) {
	p.totalPublished.Add(1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for id, ch := range p.subscribers {
		sent, evicted := trySend(ch, ev)
		if sent {
			p.counters[id].sent.Add(1)
		}
		if evicted {
			p.counters[id].dropped.Add(1)
		}
		if !sent {
			p.counters[id].dropped.Add(1)
		}
	}
}

// trySend delivers ev to ch without blocking, evicting the oldest
// queued value first if ch is full. It reports whether ev was enqueued
// and whether an older value was evicted to make room.
func trySend(ch chan Event, ev Event) (sent, evicted bool) {
	select {
	case ch <- ev:
		return true, false
	default:
	}

	select {
	case <-ch:
		evicted = true
	default:
	}

	select {
	case ch <- ev:
		return true, evicted
	default:
		return false, evicted
	}
}

// Stats returns a snapshot of publisher-wide and per-subscriber counters.
func (p *Publisher) Stats() PublisherStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := PublisherStats{
		TotalPublished: p.totalPublished.Load(),
		Subscribers:    make(map[string]SubscriberStats, len(p.counters)),
	}

	var totalSent, totalDropped uint64
	for id, c := range p.counters {
		sent := c.sent.Load()
		dropped := c.dropped.Load()
		totalSent += sent
		totalDropped += dropped
		result.Subscribers[id] = SubscriberStats{Sent: sent, Dropped: dropped}
	}
	result.TotalSent = totalSent
	result.TotalDropped = totalDropped
	return result
}

// Close marks the publisher closed. Subsequent Subscribe/Unsubscribe
// return ErrPublisherClosed; Publish becomes a no-op. Close does not
// close subscriber channels -- draining them is the subscriber's
// responsibility. Close is idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	return nil
}
