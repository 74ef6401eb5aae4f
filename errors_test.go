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

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"buffer full", ErrBufferFull, true},
		{"timeout", ErrTimeout, true},
		{"io error", ErrIoError, true},
		{"port unavailable", ErrPortUnavailable, true},
		{"malformed", ErrMalformed, false},
		{"fatal", ErrFatal, false},
		{"wrapped transient", NewError("write", "client_to_host", ErrIoError, KindTransient), true},
		{"wrapped permanent", NewError("parse", "host_to_client", ErrMalformed, KindPermanent), false},
		{"wrapped timeout", NewError("read", "client_to_host", ErrTimeout, KindTimeout), true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"fatal sentinel", ErrFatal, true},
		{"closed sentinel", ErrClosed, true},
		{"malformed sentinel", ErrMalformed, false},
		{"wrapped permanent", NewError("write", "host_to_client", ErrIoError, KindPermanent), true},
		{"wrapped transient", NewError("write", "host_to_client", ErrIoError, KindTransient), false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestError_Error(t *testing.T) {
	t.Parallel()

	withDir := NewError("forward", "client_to_host", ErrBufferFull, KindTransient)
	assert.Contains(t, withDir.Error(), "client_to_host")
	assert.Contains(t, withDir.Error(), "forward")

	withoutDir := NewError("start", "", ErrIoError, KindPermanent)
	assert.NotContains(t, withoutDir.Error(), "[")

	assert.True(t, errors.Is(withDir, ErrBufferFull))
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	wrapped := NewError("op", "dir", ErrTimeout, KindTimeout)
	assert.Equal(t, ErrTimeout, errors.Unwrap(wrapped))
}

func TestKind_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "transient", KindTransient.String())
	assert.Equal(t, "permanent", KindPermanent.String())
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
