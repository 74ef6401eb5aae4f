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

package latency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartStop_RecordsPositiveDuration(t *testing.T) {
	t.Parallel()

	m := NewMeter(10, 5_000_000)
	h := m.Start("client_to_host", "SELECT AID")
	sample, matched := m.Stop(h)

	assert.True(t, matched)
	assert.GreaterOrEqual(t, sample.EndNs, sample.StartNs)
	assert.Equal(t, "client_to_host", sample.Direction)
	assert.Equal(t, "SELECT AID", sample.Fingerprint)

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.Count)
}

func TestStart_OverwritingPendingCountsOrphan(t *testing.T) {
	t.Parallel()

	m := NewMeter(10, 5_000_000)
	first := m.Start("client_to_host", "cmd1")
	_ = m.Start("client_to_host", "cmd2") // overwrites first's pending slot

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.OrphanCount)

	// Stopping the superseded handle still records a sample but is
	// reported as unmatched.
	_, matched := m.Stop(first)
	assert.False(t, matched)
}

func TestSnapshot_EmptyWindow(t *testing.T) {
	t.Parallel()

	m := NewMeter(10, 5_000_000)
	snap := m.Snapshot()
	assert.Equal(t, 0, snap.Count)
	assert.Equal(t, float64(0), snap.Mean)
}

func TestSnapshot_SlidingWindowEvictsOldest(t *testing.T) {
	t.Parallel()

	m := NewMeter(3, 5_000_000)
	for i := 0; i < 5; i++ {
		m.insertLocked(int64(i + 1))
	}

	snap := m.Snapshot()
	assert.Equal(t, 3, snap.Count)
	// Window should hold the last 3 inserted values: 3, 4, 5.
	assert.InDelta(t, 4.0, snap.Mean, 0.0001)
}

func TestSnapshot_PercentilesNearestRank(t *testing.T) {
	t.Parallel()

	m := NewMeter(100, 5_000_000)
	for i := 1; i <= 100; i++ {
		m.insertLocked(int64(i))
	}

	snap := m.Snapshot()
	require.Equal(t, 100, snap.Count)
	assert.InDelta(t, 50, snap.P50, 0.0001)
	assert.InDelta(t, 95, snap.P95, 0.0001)
	assert.InDelta(t, 99, snap.P99, 0.0001)
	assert.InDelta(t, 1, snap.Min, 0.0001)
	assert.InDelta(t, 100, snap.Max, 0.0001)
}

func TestOnHighLatency_FiresAboveThreshold(t *testing.T) {
	t.Parallel()

	m := NewMeter(10, 1000) // 1 microsecond threshold

	var fired []Sample
	m.OnHighLatency(func(s Sample) {
		fired = append(fired, s)
	})

	h := m.Start("host_to_client", "slow-exchange")
	// Force a duration well above the threshold by backdating the
	// handle's start, then record the sample through Stop's natural path.
	h.startNs -= 10_000_000 // backdate start by 10ms
	m.Stop(h)

	require.Len(t, fired, 1)
	assert.GreaterOrEqual(t, fired[0].DurationNs(), int64(1000))
}

func TestSample_DurationNs(t *testing.T) {
	t.Parallel()

	s := Sample{StartNs: 100, EndNs: 250}
	assert.Equal(t, int64(150), s.DurationNs())
}
