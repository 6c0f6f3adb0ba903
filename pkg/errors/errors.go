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

// Package errors defines the closed error taxonomy for uvio.
//
// Every failure surfaced by uvio, whether returned synchronously or
// delivered through a completion callback, is one of the sentinel values
// below (possibly wrapped). A caller therefore cannot tell failure timing
// apart from failure kind by accident: a connect refused synchronously and
// one refused by the kernel after polling carry the same error value.
package errors

import "errors"

var (
	// ErrInvalidLoop occurs when a handle is initialized with a nil or closed loop.
	ErrInvalidLoop = errors.New("uvio: the event loop is invalid")
	// ErrLoopShutdown occurs when operating on a loop that has been closed.
	ErrLoopShutdown = errors.New("uvio: the event loop is closed")
	// ErrLoopBusy occurs when closing a loop that still has registered handles.
	ErrLoopBusy = errors.New("uvio: the event loop still has registered handles")
	// ErrHandleClosed occurs when an operation is issued on a closed handle.
	ErrHandleClosed = errors.New("uvio: the handle is closed")
	// ErrHandleClosing occurs when closing a handle that is already being closed.
	ErrHandleClosing = errors.New("uvio: the handle is already closing")
	// ErrAlreadyInProgress occurs when an operation of the same kind is still outstanding.
	ErrAlreadyInProgress = errors.New("uvio: operation already in progress")
	// ErrOperationCanceled occurs when a pending request is flushed by its handle closing.
	ErrOperationCanceled = errors.New("uvio: operation canceled")
	// ErrNotConnected occurs when a stream operation requires an established connection.
	ErrNotConnected = errors.New("uvio: the stream is not connected")
	// ErrBadDescriptor occurs when the handle carries no usable socket.
	ErrBadDescriptor = errors.New("uvio: bad file descriptor")
	// ErrConnectionRefused occurs when the remote end rejects a connect.
	ErrConnectionRefused = errors.New("uvio: connection refused")
	// ErrConnectionReset occurs when the connection is reset by the peer.
	ErrConnectionReset = errors.New("uvio: connection reset by peer")
	// ErrBrokenPipe occurs when writing to a stream whose read end is gone.
	ErrBrokenPipe = errors.New("uvio: broken pipe")
	// ErrTimedOut occurs when a connection attempt times out in the kernel.
	ErrTimedOut = errors.New("uvio: connection timed out")
	// ErrAddressInUse occurs when binding to an address that is already taken.
	ErrAddressInUse = errors.New("uvio: address already in use")
	// ErrTryAgain occurs when a non-blocking operation would have blocked.
	ErrTryAgain = errors.New("uvio: resource temporarily unavailable")
	// ErrEOF occurs when the peer has shut down its write side.
	ErrEOF = errors.New("uvio: end of file")
	// ErrNoPendingConnection occurs when accepting with an empty backlog.
	ErrNoPendingConnection = errors.New("uvio: no pending connection to accept")
	// ErrListenerNotStarted occurs when accepting on a stream that is not listening.
	ErrListenerNotStarted = errors.New("uvio: the stream is not listening")
	// ErrEmptyBuffers occurs when a write is issued with no payload.
	ErrEmptyBuffers = errors.New("uvio: empty buffer list")
	// ErrUnsupportedProtocol occurs when trying to use a protocol other than tcp/tcp4/tcp6.
	ErrUnsupportedProtocol = errors.New("uvio: only tcp/tcp4/tcp6 are supported")
	// ErrUnsupportedOp occurs when calling a method that is not supported on this platform.
	ErrUnsupportedOp = errors.New("uvio: unsupported operation")
)
