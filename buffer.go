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

package uvio

// Buffer is a non-owning view over caller memory used for a single I/O
// operation. The core never copies or mutates the underlying bytes; the
// caller retains ownership but must not touch the memory between issuing
// a write and the write's completion callback, because the native layer
// may read it at any point up to that callback.
type Buffer = []byte

// Buffers is a scatter/gather list forming one logical I/O vector. It is
// handed to writev(2) as-is, without flattening or copying.
type Buffers []Buffer

// TotalLen returns the number of bytes spanned by the whole vector.
func (bs Buffers) TotalLen() (n int) {
	for _, b := range bs {
		n += len(b)
	}
	return
}

// advance drops n leading bytes from the vector in place, removing
// fully-consumed buffers and trimming the first partial one. Only the
// slice headers move; the caller's memory is untouched.
func (bs *Buffers) advance(n int) {
	v := *bs
	for n > 0 && len(v) > 0 {
		if n < len(v[0]) {
			v[0] = v[0][n:]
			break
		}
		n -= len(v[0])
		v = v[1:]
	}
	*bs = v
}
