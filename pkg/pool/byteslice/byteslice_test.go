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

package byteslice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRoundsCapacityUp(t *testing.T) {
	assert.Nil(t, Get(0))
	assert.Nil(t, Get(-1))

	b := Get(16)
	require.Len(t, b, 16)
	assert.Equal(t, 16, cap(b))

	b = Get(17)
	require.Len(t, b, 17)
	assert.Equal(t, 32, cap(b))

	b = Get(64 << 10)
	require.Len(t, b, 64<<10)
	assert.Equal(t, 64<<10, cap(b))
}

func TestGetBeyondLargestClass(t *testing.T) {
	const huge = 4<<20 + 1
	b := Get(huge)
	require.Len(t, b, huge)
	assert.Equal(t, huge, cap(b))
	Put(b) // too big to retain; must be dropped without fuss
}

func TestPutForeignCapacity(t *testing.T) {
	var p Pool
	p.Put(nil)             // nothing to retain
	p.Put(make([]byte, 8)) // below the smallest class

	// A 100-byte backing array is not one of ours but still serves the
	// 64 B class in full.
	p.Put(make([]byte, 0, 100))
	b := p.Get(64)
	require.Len(t, b, 64)
	assert.GreaterOrEqual(t, cap(b), 64)
}

func TestRoundTrip(t *testing.T) {
	var p Pool
	b := p.Get(16)
	for i := range b {
		b[i] = byte(i)
	}
	p.Put(b)
	c := p.Get(16)
	require.Len(t, c, 16)
	assert.Equal(t, 16, cap(c))
}
