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

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_MissingPortsReturnsError(t *testing.T) {
	t.Parallel()

	err := run(context.Background(), &config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required")
}

func TestRun_MissingHostPortReturnsError(t *testing.T) {
	t.Parallel()

	err := run(context.Background(), &config{clientPort: "/dev/ttyUSB0"})
	require.Error(t, err)
}

func TestMainWithExitCode_ReturnsOneOnMissingPorts(t *testing.T) {
	// Exercises the flag-bound globals, so it cannot run in parallel with
	// other tests in this package that also touch them.
	savedClient, savedHost := flagClientPort, flagHostPort
	defer func() { flagClientPort, flagHostPort = savedClient, savedHost }()

	flagClientPort = ""
	flagHostPort = ""

	code := mainWithExitCode()
	assert.Equal(t, 1, code)
}
