// Copyright (c) 2024 The Uvio Authors. All rights reserved.
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

// Package byteslice pools the byte slices the loop allocates over and
// over: the 16-byte backing arrays of translated socket addresses and
// the read scratch buffers, whose size varies per loop.
package byteslice

import (
	"math/bits"
	"sync"
)

// Capacities are rounded up to a power of two between minCap and maxCap;
// requests outside that range fall through to plain allocation.
const (
	minCapBits = 4  // 16 B, the net.IP backing array
	maxCapBits = 22 // 4 MiB, the largest read buffer the pool retains
	numClasses = maxCapBits - minCapBits + 1
)

var builtinPool Pool

// Pool holds byte slices in power-of-two capacity classes.
type Pool struct {
	classes [numClasses]sync.Pool
}

// Get returns a byte slice of the given length from the built-in pool.
func Get(size int) []byte {
	return builtinPool.Get(size)
}

// Put returns a byte slice to the built-in pool.
func Put(buf []byte) {
	builtinPool.Put(buf)
}

// Get returns a byte slice of the given length, reusing a pooled backing
// array of sufficient capacity when one is available. The contents are
// unspecified.
func (p *Pool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	idx := classIndex(size)
	if idx < 0 {
		return make([]byte, size)
	}
	if v, _ := p.classes[idx].Get().(*[]byte); v != nil {
		return (*v)[:size]
	}
	return make([]byte, size, 1<<(idx+minCapBits))
}

// Put hands the slice's backing array back to the pool. The caller must
// not retain buf afterwards.
func (p *Pool) Put(buf []byte) {
	c := cap(buf)
	if c < 1<<minCapBits || c > 1<<maxCapBits {
		return
	}
	idx := classIndex(c)
	if c != 1<<(idx+minCapBits) {
		// A foreign capacity still fully covers the next class down.
		idx--
	}
	buf = buf[:c]
	p.classes[idx].Put(&buf)
}

// classIndex maps a size to the smallest class whose capacity covers it,
// or -1 when the size exceeds the largest class.
func classIndex(size int) int {
	idx := bits.Len(uint(size-1)) - minCapBits
	if idx < 0 {
		return 0
	}
	if idx >= numClasses {
		return -1
	}
	return idx
}
