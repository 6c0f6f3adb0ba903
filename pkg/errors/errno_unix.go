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

package errors

import (
	"os"

	"golang.org/x/sys/unix"
)

// FromUnixErrno translates a raw errno into the uvio error taxonomy.
// Errnos without a dedicated sentinel are wrapped with the originating
// syscall name so they stay inspectable via errors.As.
func FromUnixErrno(errno unix.Errno, syscallName string) error {
	switch errno {
	case 0:
		return nil
	case unix.ECONNREFUSED:
		return ErrConnectionRefused
	case unix.ECONNRESET:
		return ErrConnectionReset
	case unix.EPIPE:
		return ErrBrokenPipe
	case unix.ETIMEDOUT:
		return ErrTimedOut
	case unix.EADDRINUSE:
		return ErrAddressInUse
	case unix.EBADF:
		return ErrBadDescriptor
	case unix.ENOTCONN:
		return ErrNotConnected
	case unix.EALREADY, unix.EINPROGRESS:
		return ErrAlreadyInProgress
	case unix.ECANCELED:
		return ErrOperationCanceled
	case unix.EAGAIN:
		return ErrTryAgain
	}
	return os.NewSyscallError(syscallName, errno)
}

// FromSyscallError is the convenience form of FromUnixErrno for call sites
// holding an error value rather than a bare errno.
func FromSyscallError(err error, syscallName string) error {
	if err == nil {
		return nil
	}
	if errno, ok := err.(unix.Errno); ok {
		return FromUnixErrno(errno, syscallName)
	}
	return os.NewSyscallError(syscallName, err)
}
