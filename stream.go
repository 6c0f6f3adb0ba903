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
	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/uvio-dev/uvio/internal/netpoll"
	"github.com/uvio-dev/uvio/internal/socket"
	errorx "github.com/uvio-dev/uvio/pkg/errors"
	"github.com/uvio-dev/uvio/pkg/logging"
)

type streamState uint8

const (
	sIdle streamState = iota
	sConnecting
	sConnected
	sListening
)

// stream layers duplex byte-stream semantics on top of handle: a connect
// slot, an ordered write queue, an optional pending shutdown, a persistent
// read subscription, and, for listeners, an accept backlog. All mutation
// happens on the loop goroutine, so none of this is locked.
type stream struct {
	handle

	sstate  streamState
	reading bool
	readCb  ReadCallback

	connectReq *request
	writeq     *queue.Queue // of *request, completed strictly in order

	shutdownReq  *request
	shutdownSent bool

	// listener side
	connCb       func(err error)
	acceptq      *queue.Queue // of int, fds accepted but not yet claimed
	simulAccepts bool
}

func (s *stream) initStream(l *Loop) {
	s.handle.initHandle(l, s)
	s.writeq = queue.New()
	s.acceptq = queue.New()
	s.simulAccepts = true
}

// Connected reports whether the stream currently carries an established
// connection.
func (s *stream) Connected() bool {
	return s.state == stateOpen && s.sstate == sConnected
}

// Reading reports whether a read subscription is active.
func (s *stream) Reading() bool { return s.reading }

// newRequest allocates a request of the given kind and pins it in the
// loop's request table until completion.
func (s *stream) newRequest(kind opKind) *request {
	r := &request{kind: kind, h: &s.handle}
	s.loop.pinRequest(r)
	s.reqs[r.id] = r
	return r
}

// settle records the request's outcome and queues its delivery on the
// loop, so that callbacks for operations that finished inline still run
// asynchronously and in issue order.
func (s *stream) settle(r *request, n int, err error) {
	r.settled = true
	s.loop.deferCall(func() {
		if r.done { // resolved by close-time cancellation in the meantime
			return
		}
		switch r.kind {
		case opConnect:
			if s.connectReq == r {
				s.connectReq = nil
			}
		case opShutdown:
			if s.shutdownReq == r {
				s.shutdownReq = nil
			}
		}
		r.complete(n, err)
		s.updateInterest()
	})
	s.updateInterest()
}

// updateInterest recomputes the poller registration from the stream's
// pending work and refreshes the loop's liveness accounting.
func (s *stream) updateInterest() {
	if s.state == stateOpen && s.fd >= 0 {
		wantRead := s.sstate == sListening || s.reading
		wantWrite := s.sstate == sConnecting || s.writeq.Length() > 0
		switch {
		case !s.registered && (wantRead || wantWrite):
			if err := s.loop.poller.Register(s.fd); err != nil {
				logging.Errorf("failed to register fd=%d with the poller: %v", s.fd, err)
			} else {
				s.registered = true
			}
		case s.registered && !wantRead && !wantWrite:
			// The descriptor must leave the poller entirely, not just drop
			// to an empty interest set: epoll level-triggers HUP/ERR on a
			// dead socket regardless of interest, and an idle handle after
			// a failed connect would spin the loop.
			if err := s.loop.poller.Delete(s.fd); err != nil {
				logging.Errorf("failed to delete fd=%d from the poller: %v", s.fd, err)
			} else {
				s.registered = false
				s.wantRead, s.wantWrite = false, false
			}
		}
		if s.registered && (wantRead != s.wantRead || wantWrite != s.wantWrite) {
			if err := s.loop.poller.Mod(s.fd, wantRead, wantWrite); err != nil {
				logging.Errorf("failed to update poller interest for fd=%d: %v", s.fd, err)
			} else {
				s.wantRead, s.wantWrite = wantRead, wantWrite
			}
		}
	}
	s.setActive(s.isActive())
}

func (s *stream) isActive() bool {
	switch s.state {
	case stateClosing:
		return true
	case stateClosed:
		return false
	}
	return s.reading || s.sstate == sListening || s.sstate == sConnecting ||
		len(s.reqs) > 0 || s.acceptq.Length() > 0
}

// teardown drops subscriptions and unclaimed accepted connections. Runs
// once, from Close, before pending requests are flushed.
func (s *stream) teardown() {
	s.reading = false
	s.readCb = nil
	s.connCb = nil
	for s.acceptq.Length() > 0 {
		fd := s.acceptq.Remove().(int)
		if err := unix.Close(fd); err != nil {
			logging.Warnf("failed to close unclaimed connection fd=%d: %v", fd, err)
		}
	}
}

// ReadStart subscribes cb to incoming data. The subscription persists
// until ReadStop or Close; cb also receives EOF and read errors, after
// which the subscription is stopped automatically.
func (s *stream) ReadStart(cb ReadCallback) error {
	switch {
	case s.state != stateOpen:
		return errorx.ErrHandleClosed
	case s.sstate != sConnected:
		return errorx.ErrNotConnected
	case s.reading:
		return errorx.ErrAlreadyInProgress
	case cb == nil:
		return errorx.ErrUnsupportedOp
	}
	s.readCb = cb
	s.reading = true
	s.updateInterest()
	return nil
}

// ReadStop cancels the read subscription. Data already delivered stays
// delivered; no further read callbacks fire. Stopping an idle stream is a
// no-op.
func (s *stream) ReadStop() error {
	if !s.reading {
		return nil
	}
	s.reading = false
	s.readCb = nil
	s.updateInterest()
	return nil
}

// Write queues bufs for transmission and arranges for cb to fire exactly
// once with the outcome. The byte slices inside bufs are pinned until
// completion and must not be modified by the caller in the meantime; the
// outer vector is copied and may be reused immediately.
//
// Writes complete in issue order. A failure that is detectable before any
// bytes can be queued is still reported through cb, synchronously.
func (s *stream) Write(bufs Buffers, cb WriteCallback) {
	if err := s.writePreflight(bufs); err != nil {
		if cb != nil {
			cb(0, err)
		}
		return
	}

	r := s.newRequest(opWrite)
	r.writeCb = cb
	r.bufs = make(Buffers, len(bufs))
	copy(r.bufs, bufs)

	// Try the kernel directly while nothing is queued ahead; otherwise
	// ordering demands the queue.
	if s.writeq.Length() == 0 {
		n, err := s.writev(r.bufs)
		if n > 0 {
			r.written += n
			r.bufs.advance(n)
		}
		switch {
		case err != nil && err != errorx.ErrTryAgain:
			s.settle(r, r.written, err)
			return
		case err == nil && r.remaining() == 0:
			s.settle(r, r.written, nil)
			return
		}
	}

	s.writeq.Add(r)
	s.updateInterest()
}

// TryWrite attempts a single non-blocking write and reports the bytes
// accepted by the kernel. It never queues, never pins, and invokes no
// callback; ErrTryAgain means zero bytes would go through right now.
// TryWrite refuses to run while queued writes are pending, as it would
// reorder bytes ahead of them.
func (s *stream) TryWrite(bufs Buffers) (int, error) {
	switch {
	case s.state != stateOpen || s.sstate != sConnected || s.fd < 0:
		return 0, errorx.ErrBadDescriptor
	case s.shutdownReq != nil || s.shutdownSent:
		return 0, errorx.ErrBrokenPipe
	case bufs.TotalLen() == 0:
		return 0, errorx.ErrEmptyBuffers
	case s.writeq.Length() > 0:
		return 0, errorx.ErrTryAgain
	}
	return s.writev(bufs)
}

func (s *stream) writePreflight(bufs Buffers) error {
	switch {
	case s.state != stateOpen:
		return errorx.ErrHandleClosed
	case s.sstate != sConnected:
		return errorx.ErrNotConnected
	case s.shutdownReq != nil || s.shutdownSent:
		return errorx.ErrBrokenPipe
	case s.fd < 0:
		return errorx.ErrBadDescriptor
	case bufs.TotalLen() == 0:
		return errorx.ErrEmptyBuffers
	}
	return nil
}

// writev pushes as much of bufs into the kernel as it will take.
// A would-block on a fresh socket buffer surfaces as ErrTryAgain with
// whatever partial count preceded it folded in by the caller.
func (s *stream) writev(bufs Buffers) (int, error) {
	for {
		n, err := unix.Writev(s.fd, bufs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, errorx.FromSyscallError(err, "writev")
		}
		return n, nil
	}
}

// Shutdown closes the write side once every write queued before it has
// drained, then fires cb exactly once. Reads continue to be delivered
// until the peer closes its own write side.
func (s *stream) Shutdown(cb ShutdownCallback) {
	var err error
	switch {
	case s.state != stateOpen:
		err = errorx.ErrHandleClosed
	case s.sstate != sConnected:
		err = errorx.ErrNotConnected
	case s.shutdownReq != nil || s.shutdownSent:
		err = errorx.ErrAlreadyInProgress
	}
	if err != nil {
		if cb != nil {
			cb(err)
		}
		return
	}

	r := s.newRequest(opShutdown)
	r.shutdownCb = cb
	s.shutdownReq = r
	if s.writeq.Length() == 0 {
		s.shutdownNow()
		return
	}
	s.updateInterest()
}

// shutdownNow performs the deferred half-close. The write queue must be
// empty.
func (s *stream) shutdownNow() {
	r := s.shutdownReq
	s.shutdownSent = true
	err := errorx.FromSyscallError(unix.Shutdown(s.fd, unix.SHUT_WR), "shutdown")
	s.settle(r, 0, err)
}

// onEvents dispatches one poller readiness notification. Error conditions
// fan into both directions so that a broken connection fails the pending
// connect or queued writes and surfaces EOF to readers.
func (s *stream) onEvents(ev netpoll.Event) error {
	if s.state != stateOpen {
		return nil
	}
	if ev.Writable() || ev.Error() {
		if s.sstate == sConnecting {
			s.finishConnect()
		} else {
			s.flushWrites()
		}
	}
	if s.state != stateOpen {
		return nil
	}
	if ev.Readable() || ev.Error() {
		if s.sstate == sListening {
			s.onAcceptable()
		} else {
			s.onReadable()
		}
	}
	return nil
}

// finishConnect resolves an in-flight connect from SO_ERROR once the
// socket signals writability.
func (s *stream) finishConnect() {
	r := s.connectReq
	if r == nil || r.settled {
		return
	}
	s.connectReq = nil

	soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		s.sstate = sIdle
		r.complete(0, errorx.FromSyscallError(err, "getsockopt"))
	} else if soerr != 0 {
		// The attempt failed; the stream drops back to idle and may be
		// closed or pointed at another address.
		s.sstate = sIdle
		r.complete(0, errorx.FromUnixErrno(unix.Errno(soerr), "connect"))
	} else {
		s.sstate = sConnected
		r.complete(0, nil)
	}
	s.updateInterest()
}

// flushWrites drains the write queue head-first while the kernel accepts
// bytes, completing requests in issue order, then performs a pending
// shutdown once the queue is empty.
func (s *stream) flushWrites() {
	for s.writeq.Length() > 0 {
		r := s.writeq.Peek().(*request)
		n, err := s.writev(r.bufs)
		if n > 0 {
			r.written += n
			r.bufs.advance(n)
		}
		if err == errorx.ErrTryAgain {
			break
		}
		if err != nil {
			s.writeq.Remove()
			r.complete(r.written, err)
			continue
		}
		if r.remaining() > 0 { // kernel took a short count; wait for space
			break
		}
		s.writeq.Remove()
		r.complete(r.written, nil)
	}
	if s.writeq.Length() == 0 && s.shutdownReq != nil && !s.shutdownSent {
		s.shutdownNow()
		return
	}
	s.updateInterest()
}

// onReadable performs one read into the loop's scratch buffer and hands
// the result to the subscription. EOF and failures terminate the
// subscription after delivery.
func (s *stream) onReadable() {
	if !s.reading {
		return
	}
	var n int
	var err error
	for {
		n, err = unix.Read(s.fd, s.loop.readBuf)
		if err != unix.EINTR {
			break
		}
	}
	if err == unix.EAGAIN {
		return
	}

	cb := s.readCb
	switch {
	case err != nil:
		s.stopReading()
		cb(nil, 0, errorx.FromSyscallError(err, "read"))
	case n == 0:
		s.stopReading()
		cb(nil, 0, errorx.ErrEOF)
	default:
		cb(s.loop.readBuf[:n], n, nil)
	}
}

func (s *stream) stopReading() {
	s.reading = false
	s.readCb = nil
	s.updateInterest()
}

// onAcceptable drains the kernel's completed-connection queue, invoking
// the connection callback once per connection. Connections the callback
// does not claim with Accept before returning are closed. With
// simultaneous accepts disabled, only one connection is taken per
// readiness event.
func (s *stream) onAcceptable() {
	for {
		nfd, _, err := s.acceptOne()
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if cb := s.connCb; cb != nil {
				cb(errorx.FromSyscallError(err, "accept"))
			}
			return
		}

		s.acceptq.Add(nfd)
		if cb := s.connCb; cb != nil {
			cb(nil)
		}
		if s.state != stateOpen {
			return // callback closed the listener; teardown drained the rest
		}
		for s.acceptq.Length() > 0 {
			fd := s.acceptq.Remove().(int)
			logging.Warnf("incoming connection fd=%d not accepted by callback, dropping", fd)
			if cerr := unix.Close(fd); cerr != nil {
				logging.Warnf("failed to close dropped connection fd=%d: %v", fd, cerr)
			}
		}
		if !s.simulAccepts {
			return
		}
	}
}

// acceptOne takes one completed connection off the kernel queue, retrying
// past interrupts and connections aborted before being accepted.
func (s *stream) acceptOne() (int, unix.Sockaddr, error) {
	for {
		nfd, sa, err := socket.Accept(s.fd)
		switch err {
		case unix.EINTR, unix.ECONNABORTED:
			continue
		}
		return nfd, sa, err
	}
}
