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

import (
	"github.com/uvio-dev/uvio/pkg/logging"
)

type opKind uint8

const (
	opConnect opKind = iota + 1
	opWrite
	opShutdown
)

func (k opKind) String() string {
	switch k {
	case opConnect:
		return "connect"
	case opWrite:
		return "write"
	case opShutdown:
		return "shutdown"
	}
	return "unknown"
}

// request represents one in-flight asynchronous operation. From issue to
// completion it is owned by the loop's request table, which is what keeps
// the callback and any write buffers reachable while the only live
// reference to the operation is native poller state. Completion is a
// single consuming transition: whichever edge fires first, native
// completion or close-time cancellation, wins, and the request is removed
// from every table before its callback runs so the losing edge can never
// find it again.
type request struct {
	id      uint64
	kind    opKind
	h       *handle
	bufs    Buffers // pinned write payload, trimmed as bytes drain; nil otherwise
	written int
	done    bool
	settled bool // outcome determined, delivery queued on the loop

	connectCb  ConnectCallback
	writeCb    WriteCallback
	shutdownCb ShutdownCallback
}

// complete resolves the request exactly once, releasing its pins before
// invoking the callback so that a reentrant callback observes no trace of
// the finished operation. Completing a request twice means the bookkeeping
// is corrupted and the exactly-once contract is already broken, which is
// unrecoverable.
func (r *request) complete(n int, err error) {
	if r.done {
		logging.Fatalf("request %d (%s) completed twice, err=%v", r.id, r.kind, err)
		return
	}
	r.done = true
	r.h.loop.unpinRequest(r)
	delete(r.h.reqs, r.id)
	r.bufs = nil

	switch r.kind {
	case opConnect:
		if r.connectCb != nil {
			r.connectCb(err)
		}
	case opWrite:
		if r.writeCb != nil {
			r.writeCb(n, err)
		}
	case opShutdown:
		if r.shutdownCb != nil {
			r.shutdownCb(err)
		}
	}
}

// remaining reports the number of unwritten payload bytes.
func (r *request) remaining() int {
	return r.bufs.TotalLen()
}
