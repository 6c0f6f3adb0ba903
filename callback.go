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

//go:build darwin || dragonfly || freebsd || linux

package uvio

// The callback types below fall into two categories that must not be
// confused: one-shot request callbacks fire exactly once per issued
// operation (success, native failure, cancellation, or synchronous
// rejection), while persistent subscription callbacks fire repeatedly
// until explicitly unsubscribed or the handle closes.

// ConnectCallback is the one-shot completion of a Connect.
type ConnectCallback func(err error)

// WriteCallback is the one-shot completion of a Write. n is the number of
// bytes written before the outcome, including the partial progress of a
// canceled or failed write.
type WriteCallback func(n int, err error)

// ShutdownCallback is the one-shot completion of a Shutdown.
type ShutdownCallback func(err error)

// CloseCallback fires once the handle has fully closed and every pending
// request on it has been resolved.
type CloseCallback func()

// ReadCallback is the persistent subscription registered by ReadStart.
// Each invocation delivers a view into the loop's read buffer holding n
// bytes; the view is only valid for the duration of the call. EOF and
// read failures are delivered through err with n == 0.
//
// Chunking is opaque: one invocation may carry any number of bytes, and
// the stream must be consumed as an unordered-length byte sequence.
type ReadCallback func(buf Buffer, n int, err error)

// ConnectionCallback is the persistent subscription registered by Listen,
// invoked once per incoming connection. The callback must create a fresh
// handle and Accept onto it before returning, or the connection is
// dropped.
type ConnectionCallback func(srv *TCP, err error)
