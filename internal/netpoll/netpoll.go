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

// Package netpoll wraps the OS readiness notification mechanism, epoll on
// Linux and kqueue on the BSDs, behind a single-step Wait API. The event
// loop driver above it owns the run cycle; the poller only reports which
// descriptors became ready and with what interest.
package netpoll

// Event is the platform-neutral readiness set reported for a descriptor.
type Event uint8

const (
	// EventRead indicates the descriptor is readable.
	EventRead Event = 1 << iota
	// EventWrite indicates the descriptor is writable.
	EventWrite
	// EventErr indicates an exceptional condition: peer hangup, socket
	// error, or a closed descriptor. It is reported alongside the
	// read/write bits so short-circuiting callers can still drain data.
	EventErr
)

// Readable reports whether the event set contains readability.
func (e Event) Readable() bool { return e&EventRead != 0 }

// Writable reports whether the event set contains writability.
func (e Event) Writable() bool { return e&EventWrite != 0 }

// Error reports whether the event set contains an exceptional condition.
func (e Event) Error() bool { return e&EventErr != 0 }

const (
	// InitPollEventsCap represents the initial capacity of poller event-list.
	InitPollEventsCap = 128
)
