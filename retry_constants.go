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

// Connection retry constants control the retried initial serial port open
// (transport/serial.OpenWithRetry); reconnecting after a dropped port uses
// the PortReconnect constants below.
const (
	// DefaultConnectionRetries is the number of attempts to open a port.
	DefaultConnectionRetries = 3
	// ConnectionInitialBackoff is the initial delay between connection attempts.
	ConnectionInitialBackoff = 100 * time.Millisecond
	// ConnectionMaxBackoff is the maximum delay between connection attempts.
	ConnectionMaxBackoff = 500 * time.Millisecond
	// ConnectionBackoffMultiplier is the exponential backoff multiplier.
	ConnectionBackoffMultiplier = 2.0
	// ConnectionJitter is the random jitter factor (0.0-1.0) to prevent thundering herd.
	ConnectionJitter = 0.1
	// ConnectionRetryTimeout is the overall timeout for all connection attempts.
	ConnectionRetryTimeout = 10 * time.Second
)

// Port reconnect backoff constants control the delay schedule used after a
// serial I/O error before attempting to reopen the port. Each step doubles
// the previous one and the schedule caps at PortReconnectMaxBackoff.
const (
	// PortReconnectDelay1 is the delay before the first reconnect attempt.
	PortReconnectDelay1 = 100 * time.Millisecond
	// PortReconnectDelay2 is the delay before the second reconnect attempt.
	PortReconnectDelay2 = 200 * time.Millisecond
	// PortReconnectDelay3 is the delay before the third reconnect attempt.
	PortReconnectDelay3 = 400 * time.Millisecond
	// PortReconnectMaxBackoff caps the reconnect delay schedule.
	PortReconnectMaxBackoff = 2 * time.Second
	// PortReconnectMultiplier is the exponential backoff multiplier applied
	// between reconnect attempts once past the initial fixed steps.
	PortReconnectMultiplier = 2.0
)
