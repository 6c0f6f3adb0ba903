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

/*
Package uvio is a callback-driven asynchronous I/O core built on an event
loop, exposing non-blocking TCP handles whose operations complete through
registered callbacks instead of blocking calls.

A Loop owns the OS readiness mechanism (epoll on Linux, kqueue on the
BSDs) and dispatches completions one at a time on the goroutine that calls
Run. Handles are created against a loop, operations (connect, write,
shutdown) allocate a request that is retained by the loop until its
callback has fired exactly once, and closing a handle cancels every
pending request on it before the close callback runs.

	loop, _ := uvio.NewLoop()
	defer loop.Close()

	srv, _ := uvio.NewTCP(loop)
	_ = srv.Bind(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	_ = srv.Listen(128, func(srv *uvio.TCP, err error) {
		c, _ := uvio.NewTCP(loop)
		_ = srv.Accept(c)
		_ = c.ReadStart(func(buf uvio.Buffer, n int, err error) {
			// ...
		})
	})

	loop.Run() // returns once no handle or request remains active

All callbacks run on the loop goroutine; no two callbacks ever execute
concurrently, and a callback may freely close its own handle or issue new
operations. Loop.Stop is the only method safe to call from another
goroutine.
*/
package uvio
