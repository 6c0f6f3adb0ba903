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
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/uvio-dev/uvio/internal/socket"
	errorx "github.com/uvio-dev/uvio/pkg/errors"
)

// TCP is a stream handle backed by a TCP socket. A fresh handle carries no
// socket at all; the descriptor is created lazily by the first of Bind,
// Connect, Listen, or Accept, so the address family can follow the address
// actually used.
type TCP struct {
	stream
}

// NewTCP creates a TCP handle registered with the given loop. The handle
// counts against the loop until closed.
func NewTCP(l *Loop) (*TCP, error) {
	if l == nil || l.closed {
		return nil, errorx.ErrInvalidLoop
	}
	t := new(TCP)
	t.initStream(l)
	l.numHandles++
	return t, nil
}

// ensureSocket creates and registers the native socket if none exists yet.
func (t *TCP) ensureSocket(addr *net.TCPAddr) error {
	if t.fd >= 0 {
		return nil
	}
	fd, err := socket.TCPSocket(addr)
	if err != nil {
		return err
	}
	t.adoptSocket(fd)
	return nil
}

// adoptSocket hands ownership of a descriptor to the handle. Poller
// registration happens later, when interest first arms.
func (t *TCP) adoptSocket(fd int) {
	t.fd = fd
	t.loop.handles[fd] = &t.stream
}

// Open adopts an existing TCP descriptor into the handle. The descriptor
// is switched to non-blocking mode and the handle takes over ownership. A
// descriptor with an established peer comes up connected; a merely bound
// one comes up idle and may be listened on.
func (t *TCP) Open(fd int) error {
	switch {
	case t.state != stateOpen:
		return errorx.ErrHandleClosed
	case t.fd >= 0 || t.sstate != sIdle:
		return errorx.ErrAlreadyInProgress
	case fd < 0:
		return errorx.ErrBadDescriptor
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return errorx.FromSyscallError(err, "fcntl")
	}
	t.adoptSocket(fd)
	if _, err := unix.Getpeername(fd); err == nil {
		t.sstate = sConnected
	}
	return nil
}

// Bind assigns the local address. A nil address or zero port binds the
// IPv4 wildcard with an ephemeral port.
func (t *TCP) Bind(addr *net.TCPAddr) error {
	switch {
	case t.state != stateOpen:
		return errorx.ErrHandleClosed
	case t.sstate != sIdle:
		return errorx.ErrAlreadyInProgress
	}
	if err := t.ensureSocket(addr); err != nil {
		return err
	}
	if err := socket.SetReuseAddr(t.fd, 1); err != nil {
		return err
	}
	sa, _, _, err := socket.TCPSockaddr(addr)
	if err != nil {
		return err
	}
	return errorx.FromSyscallError(unix.Bind(t.fd, sa), "bind")
}

// Listen starts accepting incoming connections, invoking cb once per
// connection. The callback must Accept the connection onto a fresh handle
// before returning or it is dropped. backlog <= 0 selects the system
// default.
func (t *TCP) Listen(backlog int, cb ConnectionCallback) error {
	switch {
	case t.state != stateOpen:
		return errorx.ErrHandleClosed
	case t.sstate != sIdle:
		return errorx.ErrAlreadyInProgress
	case cb == nil:
		return errorx.ErrUnsupportedOp
	}
	if err := t.ensureSocket(nil); err != nil {
		return err
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(t.fd, backlog); err != nil {
		return errorx.FromSyscallError(err, "listen")
	}
	t.connCb = func(err error) { cb(t, err) }
	t.sstate = sListening
	t.updateInterest()
	return nil
}

// Accept claims the connection currently being delivered by a Listen
// callback and binds it to c, which must be a fresh idle handle on the
// same loop. Valid only from within the connection callback.
func (t *TCP) Accept(c *TCP) error {
	switch {
	case t.state != stateOpen:
		return errorx.ErrHandleClosed
	case t.sstate != sListening:
		return errorx.ErrListenerNotStarted
	case t.acceptq.Length() == 0:
		return errorx.ErrNoPendingConnection
	case c == nil:
		return errorx.ErrBadDescriptor
	case c.state != stateOpen:
		return errorx.ErrHandleClosed
	case c.fd >= 0 || c.sstate != sIdle:
		return errorx.ErrAlreadyInProgress
	case c.loop != t.loop:
		return errorx.ErrInvalidLoop
	}

	fd := t.acceptq.Remove().(int)
	c.adoptSocket(fd)
	c.sstate = sConnected
	t.updateInterest()
	return nil
}

// Connect starts a connection attempt to addr and arranges for cb to fire
// exactly once with the outcome. A handle whose attempt fails returns to
// idle and may retry with another Connect.
func (t *TCP) Connect(addr *net.TCPAddr, cb ConnectCallback) {
	fail := func(err error) {
		if cb != nil {
			cb(err)
		}
	}
	switch {
	case t.state != stateOpen:
		fail(errorx.ErrHandleClosed)
		return
	case t.sstate == sConnecting || t.sstate == sConnected:
		fail(errorx.ErrAlreadyInProgress)
		return
	case t.sstate == sListening:
		fail(errorx.ErrUnsupportedOp)
		return
	case addr == nil:
		fail(errorx.ErrUnsupportedProtocol)
		return
	}
	sa, _, _, err := socket.TCPSockaddr(addr)
	if err != nil {
		fail(err)
		return
	}
	if err = t.ensureSocket(addr); err != nil {
		fail(err)
		return
	}

	r := t.newRequest(opConnect)
	r.connectCb = cb
	t.connectReq = r

	switch err = unix.Connect(t.fd, sa); err {
	case nil:
		// Connected on the spot (loopback, typically); the callback still
		// runs from the loop.
		t.sstate = sConnected
		t.settle(r, 0, nil)
	case unix.EINPROGRESS, unix.EINTR:
		t.sstate = sConnecting
		t.updateInterest()
	default:
		t.settle(r, 0, errorx.FromSyscallError(err, "connect"))
	}
}

// LocalAddr returns the socket's bound local address.
func (t *TCP) LocalAddr() (*net.TCPAddr, error) {
	if t.fd < 0 {
		return nil, errorx.ErrBadDescriptor
	}
	sa, err := unix.Getsockname(t.fd)
	if err != nil {
		return nil, errorx.FromSyscallError(err, "getsockname")
	}
	return socket.SockaddrToTCPAddr(sa), nil
}

// RemoteAddr returns the address of the connected peer.
func (t *TCP) RemoteAddr() (*net.TCPAddr, error) {
	if t.fd < 0 {
		return nil, errorx.ErrBadDescriptor
	}
	sa, err := unix.Getpeername(t.fd)
	if err != nil {
		return nil, errorx.FromSyscallError(err, "getpeername")
	}
	return socket.SockaddrToTCPAddr(sa), nil
}

// SetNoDelay toggles Nagle's algorithm on the underlying socket.
func (t *TCP) SetNoDelay(noDelay bool) error {
	if t.fd < 0 {
		return errorx.ErrBadDescriptor
	}
	return socket.SetNoDelay(t.fd, boolInt(noDelay))
}

// SetKeepAlive toggles TCP keep-alive probes; period sets the idle time
// before the first probe and the interval between probes.
func (t *TCP) SetKeepAlive(enable bool, period time.Duration) error {
	if t.fd < 0 {
		return errorx.ErrBadDescriptor
	}
	if err := socket.SetKeepAlive(t.fd, boolInt(enable)); err != nil {
		return err
	}
	if !enable || period <= 0 {
		return nil
	}
	return socket.SetKeepAlivePeriod(t.fd, int(period/time.Second))
}

// SetSimultaneousAccepts controls whether the listener drains every
// pending connection per readiness event (the default) or takes a single
// one, leaving the rest for subsequent loop turns.
func (t *TCP) SetSimultaneousAccepts(enable bool) {
	t.simulAccepts = enable
}

// SetRecvBuffer sets SO_RCVBUF on the underlying socket.
func (t *TCP) SetRecvBuffer(size int) error {
	if t.fd < 0 {
		return errorx.ErrBadDescriptor
	}
	return socket.SetRecvBuffer(t.fd, size)
}

// SetSendBuffer sets SO_SNDBUF on the underlying socket.
func (t *TCP) SetSendBuffer(size int) error {
	if t.fd < 0 {
		return errorx.ErrBadDescriptor
	}
	return socket.SetSendBuffer(t.fd, size)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
