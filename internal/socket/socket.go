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

// Package socket provides the translation between host-level TCP addresses
// and native sockaddr structures, along with creation of non-blocking
// close-on-exec sockets and the socket options uvio exposes.
package socket

import (
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/uvio-dev/uvio/pkg/errors"
)

// TCPSocket creates a non-blocking TCP socket for the address family of
// the given address and returns its file descriptor.
func TCPSocket(addr *net.TCPAddr) (fd int, err error) {
	family, ipv6only := unix.AF_INET, false
	switch determineTCPFamily(addr) {
	case "tcp6":
		family, ipv6only = unix.AF_INET6, true
	case "":
		return -1, errors.ErrUnsupportedProtocol
	}

	if fd, err = sysSocket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP); err != nil {
		return -1, os.NewSyscallError("socket", err)
	}

	if ipv6only {
		if err = SetIPv6Only(fd, 1); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
	}

	return fd, nil
}

// TCPSockaddr converts a *net.TCPAddr into the native sockaddr for the
// matching address family. A nil or zero address maps to the IPv4
// wildcard.
func TCPSockaddr(addr *net.TCPAddr) (sa unix.Sockaddr, family int, ipv6only bool, err error) {
	if addr == nil {
		addr = &net.TCPAddr{}
	}

	switch determineTCPFamily(addr) {
	case "tcp4":
		sa4 := &unix.SockaddrInet4{Port: addr.Port}

		if addr.IP != nil {
			if len(addr.IP) == 16 {
				copy(sa4.Addr[:], addr.IP[12:16]) // copy last 4 bytes of slice to array
			} else {
				copy(sa4.Addr[:], addr.IP) // copy all bytes of slice to array
			}
		}

		sa, family = sa4, unix.AF_INET
	case "tcp6":
		ipv6only = true
		sa6 := &unix.SockaddrInet6{Port: addr.Port}

		if addr.IP != nil {
			copy(sa6.Addr[:], addr.IP)
		}

		if addr.Zone != "" {
			var iface *net.Interface
			iface, err = net.InterfaceByName(addr.Zone)
			if err != nil {
				return
			}

			sa6.ZoneId = uint32(iface.Index)
		}

		sa, family = sa6, unix.AF_INET6
	default:
		err = errors.ErrUnsupportedProtocol
	}

	return
}

func determineTCPFamily(addr *net.TCPAddr) string {
	if addr == nil || len(addr.IP) == 0 || addr.IP.To4() != nil {
		return "tcp4"
	}
	if addr.IP.To16() != nil {
		return "tcp6"
	}
	return ""
}
