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

package serial

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsInterruptedSystemCall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eintr lowercase", errors.New("read: eintr"), true},
		{"interrupted system call", errors.New("interrupted system call"), true},
		{"other error", errors.New("device not configured"), false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, isInterruptedSystemCall(tt.err))
		})
	}
}

func TestPort_UptimeReflectsTimeSinceOpen(t *testing.T) {
	t.Parallel()

	p := &Port{lastOpen: time.Now().Add(-50 * time.Millisecond)}
	assert.GreaterOrEqual(t, p.Uptime(), 50*time.Millisecond)
}

func TestReadTimeoutFor(t *testing.T) {
	t.Parallel()

	got := readTimeoutFor(5 * time.Millisecond)
	if isWindows() {
		assert.Equal(t, 6*time.Millisecond, got)
	} else {
		assert.Equal(t, 5*time.Millisecond, got)
	}
}
