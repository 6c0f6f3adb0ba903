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

//go:build linux

package netpoll

import (
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Poller monitors file descriptors through epoll.
type Poller struct {
	fd      int    // epoll fd
	wfd     int    // eventfd used by Wakeup
	wfdBuf  []byte // eventfd buffer to read the 8-byte counter
	wakeSig int32
	el      *eventList
}

// OpenPoller instantiates a poller.
func OpenPoller() (poller *Poller, err error) {
	poller = new(Poller)
	if poller.fd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		poller = nil
		err = os.NewSyscallError("epoll_create1", err)
		return
	}
	if poller.wfd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		_ = unix.Close(poller.fd)
		poller = nil
		err = os.NewSyscallError("eventfd", err)
		return
	}
	poller.wfdBuf = make([]byte, 8)
	if err = unix.EpollCtl(poller.fd, unix.EPOLL_CTL_ADD, poller.wfd,
		&unix.EpollEvent{Fd: int32(poller.wfd), Events: unix.EPOLLIN}); err != nil {
		_ = poller.Close()
		poller = nil
		err = os.NewSyscallError("epoll_ctl add", err)
		return
	}
	poller.el = newEventList(InitPollEventsCap)
	return
}

// Close closes the poller.
func (p *Poller) Close() error {
	if err := os.NewSyscallError("close", unix.Close(p.fd)); err != nil {
		return err
	}
	return os.NewSyscallError("close", unix.Close(p.wfd))
}

// Make the endianness of bytes compatible with more linux OSs under different processor-architectures,
// according to http://man7.org/linux/man-pages/man2/eventfd.2.html.
var (
	u uint64 = 1
	b        = (*(*[8]byte)(unsafe.Pointer(&u)))[:]
)

// Wakeup interrupts a blocking Wait from another thread. Safe for
// concurrent use; coalesces while a previous wakeup is still pending.
func (p *Poller) Wakeup() error {
	if atomic.CompareAndSwapInt32(&p.wakeSig, 0, 1) {
		for {
			_, err := unix.Write(p.wfd, b)
			if err != unix.EINTR && err != unix.EAGAIN {
				return os.NewSyscallError("write", err)
			}
		}
	}
	return nil
}

// Wait blocks until at least one descriptor is ready or the timeout
// elapses, then invokes callback once per ready descriptor. timeoutMS < 0
// blocks indefinitely, 0 polls without blocking. It returns the number of
// descriptor events dispatched.
func (p *Poller) Wait(timeoutMS int, callback func(fd int, ev Event) error) (n int, err error) {
	var cnt int
	cnt, err = unix.EpollWait(p.fd, p.el.events, timeoutMS)
	if cnt < 0 && err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, os.NewSyscallError("epoll_wait", err)
	}

	for i := 0; i < cnt; i++ {
		fd := int(p.el.events[i].Fd)
		if fd == p.wfd {
			_, _ = unix.Read(p.wfd, p.wfdBuf)
			atomic.StoreInt32(&p.wakeSig, 0)
			continue
		}
		n++
		if err = callback(fd, decodeEvents(p.el.events[i].Events)); err != nil {
			return
		}
	}

	if cnt == p.el.size {
		p.el.expand()
	} else if cnt < p.el.size>>1 {
		p.el.shrink()
	}
	return
}

// Register adds the descriptor to the poller with no interest set.
// Interest is armed afterwards through Mod.
func (p *Poller) Register(fd int) error {
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd)}))
}

// Mod renews the interest set of a registered descriptor.
func (p *Poller) Mod(fd int, read, write bool) error {
	var events uint32
	if read {
		events |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if write {
		events |= unix.EPOLLOUT
	}
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}))
}

// Delete removes the descriptor from the poller.
func (p *Poller) Delete(fd int) error {
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil))
}

func decodeEvents(ev uint32) Event {
	var e Event
	if ev&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		e |= EventRead
	}
	if ev&unix.EPOLLOUT != 0 {
		e |= EventWrite
	}
	if ev&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		e |= EventErr
	}
	return e
}

type eventList struct {
	size   int
	events []unix.EpollEvent
}

func newEventList(size int) *eventList {
	return &eventList{size, make([]unix.EpollEvent, size)}
}

func (el *eventList) expand() {
	el.size <<= 1
	el.events = make([]unix.EpollEvent, el.size)
}

func (el *eventList) shrink() {
	if el.size <= InitPollEventsCap {
		return
	}
	el.size >>= 1
	el.events = make([]unix.EpollEvent, el.size)
}
