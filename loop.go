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
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/uvio-dev/uvio/internal/netpoll"
	errorx "github.com/uvio-dev/uvio/pkg/errors"
	"github.com/uvio-dev/uvio/pkg/logging"
	bsPool "github.com/uvio-dev/uvio/pkg/pool/byteslice"
)

// Loop is the event loop at the center of uvio. It owns the OS readiness
// mechanism, the registered handles, and the table of in-flight requests,
// and it dispatches every callback on the single goroutine driving Run,
// RunOnce, or Poll.
//
// A Loop is not safe for concurrent use; Stop is the one exception and may
// be called from any goroutine.
type Loop struct {
	poller  *netpoll.Poller
	opts    *Options
	handles map[int]*stream // registered descriptors

	// requests is the strong reference holding every in-flight operation,
	// its callback, and its pinned buffers alive until completion. Entries
	// leave the table in request.complete and nowhere else.
	requests map[uint64]*request
	reqSeq   uint64

	// deferred holds loop-turn continuations: settled completions awaiting
	// delivery and close callbacks. Drained once per turn, FIFO.
	deferred *queue.Queue

	// staleFds quarantines descriptors released during the current event
	// batch. The kernel may hand a freed number to an accept before the
	// batch is exhausted, and events queued for the old owner must not
	// land on the new one.
	staleFds map[int]struct{}

	readBuf []byte // scratch buffer readable events drain into

	stopping   int32 // set by Stop, consumed by the run loop
	closed     bool
	numHandles int // handles not yet fully closed
	actives    int // handles with outstanding work
}

// NewLoop creates an event loop.
func NewLoop(options ...Option) (*Loop, error) {
	opts := loadOptions(options...)
	logging.SetDefaultLoggerAndFlusher(opts.Logger, nil)

	poller, err := netpoll.OpenPoller()
	if err != nil {
		return nil, err
	}
	return &Loop{
		poller:   poller,
		opts:     opts,
		handles:  make(map[int]*stream),
		requests: make(map[uint64]*request),
		deferred: queue.New(),
		staleFds: make(map[int]struct{}),
		readBuf:  bsPool.Get(opts.ReadBufferCap),
	}, nil
}

// Alive reports whether the loop still has work to do: active handles,
// in-flight requests, or queued continuations.
func (l *Loop) Alive() bool {
	return l.actives > 0 || len(l.requests) > 0 || l.deferred.Length() > 0
}

// Run drives the loop until no work remains or Stop is called, blocking in
// the poller between events. It returns nil on a clean drain and the
// poller's error if waiting fails.
func (l *Loop) Run() error {
	if l.closed {
		return errorx.ErrLoopShutdown
	}
	for {
		if atomic.CompareAndSwapInt32(&l.stopping, 1, 0) {
			return nil
		}
		if !l.Alive() {
			return nil
		}
		timeout := -1
		if l.deferred.Length() > 0 {
			timeout = 0
		}
		if err := l.turn(timeout); err != nil {
			return err
		}
	}
}

// RunOnce performs a single loop turn, blocking until at least one event
// or wakeup arrives, and reports whether the loop is still alive.
func (l *Loop) RunOnce() (bool, error) {
	if l.closed {
		return false, errorx.ErrLoopShutdown
	}
	timeout := -1
	if l.deferred.Length() > 0 || !l.Alive() {
		timeout = 0
	}
	err := l.turn(timeout)
	return l.Alive(), err
}

// Poll performs a single non-blocking loop turn, dispatching whatever is
// already ready, and reports whether the loop is still alive.
func (l *Loop) Poll() (bool, error) {
	if l.closed {
		return false, errorx.ErrLoopShutdown
	}
	err := l.turn(0)
	return l.Alive(), err
}

// Stop makes the current or next Run return as soon as the in-progress
// turn finishes. Safe to call from any goroutine.
func (l *Loop) Stop() {
	atomic.StoreInt32(&l.stopping, 1)
	if err := l.poller.Wakeup(); err != nil {
		logging.Errorf("failed to wake up the loop: %v", err)
	}
}

// Close releases the loop's resources. Every handle must be closed and
// drained first; a loop with registered handles reports ErrLoopBusy.
func (l *Loop) Close() error {
	if l.closed {
		return errorx.ErrLoopShutdown
	}
	if l.numHandles > 0 {
		return errorx.ErrLoopBusy
	}
	l.closed = true
	bsPool.Put(l.readBuf)
	l.readBuf = nil
	return l.poller.Close()
}

// turn waits for readiness, dispatches the resulting events, then runs the
// continuations queued up to this point. Continuations enqueued while
// draining run on the next turn, which is what keeps close callbacks
// strictly after the cancellations that preceded them.
func (l *Loop) turn(timeoutMS int) error {
	for fd := range l.staleFds {
		delete(l.staleFds, fd)
	}
	_, err := l.poller.Wait(timeoutMS, l.dispatch)
	for n := l.deferred.Length(); n > 0; n-- {
		fn := l.deferred.Remove().(func())
		fn()
	}
	return err
}

func (l *Loop) dispatch(fd int, ev netpoll.Event) error {
	if _, stale := l.staleFds[fd]; stale {
		// The descriptor closed earlier in this same batch; an accept may
		// already have reused its number for a fresh handle.
		return nil
	}
	s, ok := l.handles[fd]
	if !ok {
		return nil
	}
	return s.onEvents(ev)
}

// deferCall queues fn to run at the end of the current or next loop turn.
func (l *Loop) deferCall(fn func()) {
	l.deferred.Add(fn)
}

// pinRequest assigns the request an identity and holds it in the request
// table, keeping its callback and buffers reachable until completion.
func (l *Loop) pinRequest(r *request) {
	l.reqSeq++
	r.id = l.reqSeq
	l.requests[r.id] = r
}

func (l *Loop) unpinRequest(r *request) {
	delete(l.requests, r.id)
}
