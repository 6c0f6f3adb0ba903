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
	"golang.org/x/sys/unix"

	errorx "github.com/uvio-dev/uvio/pkg/errors"
	"github.com/uvio-dev/uvio/pkg/logging"
)

type handleState uint8

const (
	stateOpen handleState = iota
	stateClosing
	stateClosed
)

// handle is the base of every event-loop-registered resource: its native
// descriptor, loop affiliation, Open/Closing/Closed lifecycle, and the set
// of requests currently pending on it. The loop holds only a weak
// registration keyed by descriptor; the handle is owned by whoever created
// it until explicitly closed.
type handle struct {
	loop    *Loop
	owner   *stream
	fd      int
	state   handleState
	active  bool
	closeCb CloseCallback

	// reqs tracks the pending requests for close-time cancellation. The
	// strong references live in the loop's request table.
	reqs map[uint64]*request

	// current poller interest, mirrored to avoid redundant syscalls. The
	// descriptor joins the poller only once some interest exists; fresh
	// unconnected sockets level-trigger HUP and would spin the loop.
	registered bool
	wantRead   bool
	wantWrite  bool
}

func (h *handle) initHandle(l *Loop, owner *stream) {
	h.loop = l
	h.owner = owner
	h.fd = -1
	h.reqs = make(map[uint64]*request)
}

// Loop returns the event loop this handle is bound to.
func (h *handle) Loop() *Loop { return h.loop }

// Fd returns the native descriptor, or -1 while no socket exists yet.
func (h *handle) Fd() int { return h.fd }

// Closing reports whether Close has been called on the handle.
func (h *handle) Closing() bool { return h.state != stateOpen }

// Close transitions the handle to Closing, synchronously cancels every
// pending request on it with ErrOperationCanceled, releases the native
// descriptor, and schedules cb to run from the loop once the close has
// settled. Closing an already-closing handle reports ErrHandleClosing and
// does nothing. The cancellation callbacks always run before cb.
func (h *handle) Close(cb CloseCallback) error {
	if h.state != stateOpen {
		return errorx.ErrHandleClosing
	}
	h.state = stateClosing
	h.closeCb = cb

	s := h.owner
	s.teardown()

	// Flush pending requests in issue order: the outstanding connect
	// first, then queued writes front to back, then the shutdown request.
	// Each fires exactly once with a canceled error. Requests whose
	// outcome is already settled and queued on the loop are left alone;
	// the loop delivers their real result before the close callback.
	if r := s.connectReq; r != nil && !r.settled {
		s.connectReq = nil
		r.complete(0, errorx.ErrOperationCanceled)
	}
	for s.writeq.Length() > 0 {
		r := s.writeq.Remove().(*request)
		r.complete(r.written, errorx.ErrOperationCanceled)
	}
	if r := s.shutdownReq; r != nil && !r.settled {
		s.shutdownReq = nil
		r.complete(0, errorx.ErrOperationCanceled)
	}
	for _, r := range h.reqs {
		if r.settled {
			continue
		}
		// A request outside the per-kind slots would mean the stream's
		// bookkeeping diverged from the handle's.
		logging.Warnf("handle fd=%d: stray pending %s request %d at close", h.fd, r.kind, r.id)
		r.complete(0, errorx.ErrOperationCanceled)
	}

	if h.fd >= 0 {
		if h.registered {
			if err := h.loop.poller.Delete(h.fd); err != nil {
				logging.Warnf("failed to delete fd=%d from poller: %v", h.fd, err)
			}
			h.registered = false
		}
		delete(h.loop.handles, h.fd)
		h.loop.staleFds[h.fd] = struct{}{}
		if err := unix.Close(h.fd); err != nil {
			logging.Warnf("failed to close fd=%d: %v", h.fd, err)
		}
		h.fd = -1
	}
	h.wantRead, h.wantWrite = false, false

	// The close callback is delivered from the loop on a later turn so
	// that every completion for this handle strictly precedes it.
	h.loop.deferCall(func() {
		h.state = stateClosed
		cb := h.closeCb
		h.closeCb = nil
		h.loop.numHandles--
		h.setActive(false)
		if cb != nil {
			cb()
		}
	})
	h.setActive(true)
	return nil
}

// setActive maintains the loop's count of handles with outstanding work.
func (h *handle) setActive(active bool) {
	if h.active == active {
		return
	}
	h.active = active
	if active {
		h.loop.actives++
	} else {
		h.loop.actives--
	}
}
