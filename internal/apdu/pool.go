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

package apdu

import "sync"

// Buffer size categories for the pool. Short-form commands rarely
// exceed a few hundred bytes; extended-form responses can reach
// MaxFrameSize.
const (
	SmallBufferSize  = 16
	MediumBufferSize = 261 // CLA INS P1 P2 + short Lc(1) + max short data(255) + Le(1)
	LargeBufferSize  = MaxFrameSize
)

// BufferPool hands out reusable byte slices sized for frame assembly,
// avoiding an allocation per frame on the hot path.
type BufferPool struct {
	smallPool  sync.Pool
	mediumPool sync.Pool
	largePool  sync.Pool
}

// NewBufferPool creates a pool with its size-bucket allocators wired.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		smallPool:  sync.Pool{New: func() any { buf := make([]byte, SmallBufferSize); return &buf }},
		mediumPool: sync.Pool{New: func() any { buf := make([]byte, MediumBufferSize); return &buf }},
		largePool:  sync.Pool{New: func() any { buf := make([]byte, LargeBufferSize); return &buf }},
	}
}

var defaultPool = NewBufferPool()

// GetBuffer returns a buffer of at least size bytes from the
// appropriate bucket.
func (p *BufferPool) GetBuffer(size int) []byte {
	switch {
	case size <= SmallBufferSize:
		return getFrom(&p.smallPool, size)
	case size <= MediumBufferSize:
		return getFrom(&p.mediumPool, size)
	case size <= LargeBufferSize:
		return getFrom(&p.largePool, size)
	default:
		return make([]byte, size)
	}
}

func getFrom(pool *sync.Pool, size int) []byte {
	bufPtr, ok := pool.Get().(*[]byte)
	if !ok {
		return make([]byte, size)
	}
	return (*bufPtr)[:size]
}

// PutBuffer returns buf to its bucket for reuse. buf must not be used
// after this call.
func (p *BufferPool) PutBuffer(buf []byte) {
	if buf == nil {
		return
	}
	switch cap(buf) {
	case SmallBufferSize:
		full := buf[:SmallBufferSize]
		p.smallPool.Put(&full)
	case MediumBufferSize:
		full := buf[:MediumBufferSize]
		p.mediumPool.Put(&full)
	case LargeBufferSize:
		full := buf[:LargeBufferSize]
		p.largePool.Put(&full)
	default:
		// Oversized one-off allocation; let GC handle it.
	}
}

// GetBuffer acquires a buffer from the package-wide default pool.
func GetBuffer(size int) []byte { return defaultPool.GetBuffer(size) }

// PutBuffer returns a buffer to the package-wide default pool.
func PutBuffer(buf []byte) { defaultPool.PutBuffer(buf) }
