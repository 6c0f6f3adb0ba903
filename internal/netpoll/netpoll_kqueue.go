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

//go:build darwin || dragonfly || freebsd

package netpoll

import (
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Poller monitors file descriptors through kqueue.
type Poller struct {
	fd      int
	wakeSig int32
	el      *eventList
}

// OpenPoller instantiates a poller.
func OpenPoller() (poller *Poller, err error) {
	poller = new(Poller)
	if poller.fd, err = unix.Kqueue(); err != nil {
		poller = nil
		err = os.NewSyscallError("kqueue", err)
		return
	}
	if _, err = unix.Kevent(poller.fd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil); err != nil {
		_ = poller.Close()
		poller = nil
		err = os.NewSyscallError("kevent add|clear", err)
		return
	}
	poller.el = newEventList(InitPollEventsCap)
	return
}

// Close closes the poller.
func (p *Poller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

var wakeChanges = []unix.Kevent_t{{
	Ident:  0,
	Filter: unix.EVFILT_USER,
	Fflags: unix.NOTE_TRIGGER,
}}

// Wakeup interrupts a blocking Wait from another thread. Safe for
// concurrent use; coalesces while a previous wakeup is still pending.
func (p *Poller) Wakeup() (err error) {
	if atomic.CompareAndSwapInt32(&p.wakeSig, 0, 1) {
		for _, err = unix.Kevent(p.fd, wakeChanges, nil, nil); err == unix.EINTR || err == unix.EAGAIN; _, err = unix.Kevent(p.fd, wakeChanges, nil, nil) {
		}
	}
	return os.NewSyscallError("kevent trigger", err)
}

// Wait blocks until at least one descriptor is ready or the timeout
// elapses, then invokes callback once per ready descriptor. timeoutMS < 0
// blocks indefinitely, 0 polls without blocking. It returns the number of
// descriptor events dispatched.
func (p *Poller) Wait(timeoutMS int, callback func(fd int, ev Event) error) (n int, err error) {
	var tsp *unix.Timespec
	if timeoutMS >= 0 {
		ts := unix.NsecToTimespec(int64(timeoutMS) * 1e6)
		tsp = &ts
	}

	var cnt int
	cnt, err = unix.Kevent(p.fd, nil, p.el.events, tsp)
	if cnt < 0 && err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, os.NewSyscallError("kevent wait", err)
	}

	for i := 0; i < cnt; i++ {
		ev := &p.el.events[i]
		if ev.Filter == unix.EVFILT_USER && ev.Ident == 0 {
			atomic.StoreInt32(&p.wakeSig, 0)
			continue
		}
		n++
		if err = callback(int(ev.Ident), decodeEvents(ev)); err != nil {
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

// Register is a no-op on kqueue; filters are added lazily through Mod.
func (p *Poller) Register(_ int) error {
	return nil
}

// Mod renews the interest set of a descriptor. Filters are added or
// deleted individually; deleting an absent filter is not an error.
func (p *Poller) Mod(fd int, read, write bool) error {
	if err := p.modFilter(fd, unix.EVFILT_READ, read); err != nil {
		return err
	}
	return p.modFilter(fd, unix.EVFILT_WRITE, write)
}

func (p *Poller) modFilter(fd int, filter int16, enable bool) error {
	flags := uint16(unix.EV_DELETE)
	if enable {
		flags = unix.EV_ADD
	}
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{
		{Ident: uint64(fd), Filter: filter, Flags: flags},
	}, nil, nil)
	if err == unix.ENOENT && !enable {
		err = nil
	}
	return os.NewSyscallError("kevent", err)
}

// Delete removes the descriptor from the poller.
func (p *Poller) Delete(fd int) error {
	return p.Mod(fd, false, false)
}

func decodeEvents(ev *unix.Kevent_t) Event {
	var e Event
	switch ev.Filter {
	case unix.EVFILT_READ:
		e |= EventRead
	case unix.EVFILT_WRITE:
		e |= EventWrite
	}
	if ev.Flags&unix.EV_EOF != 0 || ev.Flags&unix.EV_ERROR != 0 {
		e |= EventErr
	}
	return e
}

type eventList struct {
	size   int
	events []unix.Kevent_t
}

func newEventList(size int) *eventList {
	return &eventList{size, make([]unix.Kevent_t, size)}
}

func (el *eventList) expand() {
	el.size <<= 1
	el.events = make([]unix.Kevent_t, el.size)
}

func (el *eventList) shrink() {
	if el.size <= InitPollEventsCap {
		return
	}
	el.size >>= 1
	el.events = make([]unix.Kevent_t, el.size)
}
