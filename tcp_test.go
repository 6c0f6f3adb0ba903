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
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorx "github.com/uvio-dev/uvio/pkg/errors"
	bbPool "github.com/uvio-dev/uvio/pkg/pool/bytebuffer"
	bsPool "github.com/uvio-dev/uvio/pkg/pool/byteslice"
	goPool "github.com/uvio-dev/uvio/pkg/pool/goroutine"
)

// pollUntil drives the loop with non-blocking turns until cond holds.
func pollUntil(t *testing.T, l *Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "loop made no progress within the deadline")
		_, err := l.Poll()
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
}

// connectedPair establishes a loopback connection with both endpoints
// driven by the same loop.
func connectedPair(t *testing.T, l *Loop) (client, server, listener *TCP) {
	t.Helper()

	listener, err := NewTCP(l)
	require.NoError(t, err)
	require.NoError(t, listener.Bind(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}))
	err = listener.Listen(16, func(srv *TCP, cerr error) {
		require.NoError(t, cerr)
		c, nerr := NewTCP(l)
		require.NoError(t, nerr)
		require.NoError(t, srv.Accept(c))
		server = c
	})
	require.NoError(t, err)

	addr, err := listener.LocalAddr()
	require.NoError(t, err)

	client, err = NewTCP(l)
	require.NoError(t, err)
	var connected bool
	client.Connect(addr, func(cerr error) {
		require.NoError(t, cerr)
		connected = true
	})

	pollUntil(t, l, func() bool { return connected && server != nil })
	return
}

// drainClose closes the given handles and drives the loop until every
// close callback has fired, then shuts the loop down.
func drainClose(t *testing.T, l *Loop, handles ...*TCP) {
	t.Helper()
	remaining := 0
	for _, h := range handles {
		if h == nil || h.Closing() {
			continue
		}
		remaining++
		require.NoError(t, h.Close(func() { remaining-- }))
	}
	pollUntil(t, l, func() bool { return remaining == 0 })
	require.NoError(t, l.Close())
}

func TestEchoScatterGather(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	client, server, listener := connectedPair(t, l)

	// Echo everything the server reads back to the client. The read view
	// only lives for the callback, so the echo goes through a pooled copy.
	require.NoError(t, server.ReadStart(func(buf Buffer, n int, rerr error) {
		require.NoError(t, rerr)
		data := bsPool.Get(n)
		copy(data, buf[:n])
		server.Write(Buffers{data}, func(int, error) { bsPool.Put(data) })
	}))

	got := bbPool.Get()
	defer bbPool.Put(got)
	require.NoError(t, client.ReadStart(func(buf Buffer, n int, rerr error) {
		require.NoError(t, rerr)
		_, _ = got.Write(buf[:n])
	}))

	var wrote int
	client.Write(Buffers{[]byte("fo"), []byte("o")}, func(n int, werr error) {
		require.NoError(t, werr)
		wrote = n
	})

	pollUntil(t, l, func() bool { return got.Len() == 3 })
	assert.Equal(t, 3, wrote)
	assert.Equal(t, "foo", got.String())

	drainClose(t, l, client, server, listener)
}

func TestAddresses(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	client, server, listener := connectedPair(t, l)

	laddr, err := listener.LocalAddr()
	require.NoError(t, err)
	assert.NotZero(t, laddr.Port)

	peer, err := client.RemoteAddr()
	require.NoError(t, err)
	assert.Equal(t, laddr.Port, peer.Port)
	assert.True(t, peer.IP.Equal(net.IPv4(127, 0, 0, 1)))

	caddr, err := client.LocalAddr()
	require.NoError(t, err)
	speer, err := server.RemoteAddr()
	require.NoError(t, err)
	assert.Equal(t, caddr.Port, speer.Port)

	require.NoError(t, client.SetNoDelay(true))
	require.NoError(t, client.SetKeepAlive(true, time.Minute))
	require.NoError(t, client.SetKeepAlive(false, 0))

	drainClose(t, l, client, server, listener)
}

func TestConnectRefusedThenRetry(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	// Grab a loopback port that is guaranteed to refuse connections.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := probe.Addr().(*net.TCPAddr)
	require.NoError(t, probe.Close())

	client, err := NewTCP(l)
	require.NoError(t, err)
	var refused error
	done := false
	client.Connect(dead, func(cerr error) { refused, done = cerr, true })
	pollUntil(t, l, func() bool { return done })
	require.ErrorIs(t, refused, errorx.ErrConnectionRefused)
	assert.False(t, client.Connected())

	// A failed attempt leaves the handle idle; a second Connect on the
	// same handle must work.
	listener, err := NewTCP(l)
	require.NoError(t, err)
	require.NoError(t, listener.Bind(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}))
	var server *TCP
	require.NoError(t, listener.Listen(1, func(srv *TCP, cerr error) {
		require.NoError(t, cerr)
		c, nerr := NewTCP(l)
		require.NoError(t, nerr)
		require.NoError(t, srv.Accept(c))
		server = c
	}))
	addr, err := listener.LocalAddr()
	require.NoError(t, err)

	done = false
	client.Connect(addr, func(cerr error) {
		require.NoError(t, cerr)
		done = true
	})
	pollUntil(t, l, func() bool { return done && server != nil })
	assert.True(t, client.Connected())

	drainClose(t, l, client, server, listener)
}

func TestConnectTwiceBeforeFirstResolves(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	listener, err := NewTCP(l)
	require.NoError(t, err)
	require.NoError(t, listener.Bind(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}))
	var server *TCP
	require.NoError(t, listener.Listen(1, func(srv *TCP, cerr error) {
		require.NoError(t, cerr)
		c, nerr := NewTCP(l)
		require.NoError(t, nerr)
		require.NoError(t, srv.Accept(c))
		server = c
	}))
	addr, err := listener.LocalAddr()
	require.NoError(t, err)

	client, err := NewTCP(l)
	require.NoError(t, err)
	var first error
	firstDone := false
	client.Connect(addr, func(cerr error) { first, firstDone = cerr, true })

	// A second attempt before the first resolves must fail synchronously,
	// without a loop turn, and without disturbing the one in flight.
	var second error
	secondDone := false
	client.Connect(addr, func(cerr error) { second, secondDone = cerr, true })
	require.True(t, secondDone)
	require.ErrorIs(t, second, errorx.ErrAlreadyInProgress)
	require.False(t, firstDone, "the pending attempt must not resolve early")

	pollUntil(t, l, func() bool { return firstDone && server != nil })
	require.NoError(t, first)
	assert.True(t, client.Connected())

	drainClose(t, l, client, server, listener)
}

func TestConnectWhileInProgress(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	client, server, listener := connectedPair(t, l)

	var cerr error
	client.Connect(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}, func(e error) { cerr = e })
	require.ErrorIs(t, cerr, errorx.ErrAlreadyInProgress)

	drainClose(t, l, client, server, listener)
}

func TestWritePreflightFailures(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	idle, err := NewTCP(l)
	require.NoError(t, err)
	var werr error
	idle.Write(Buffers{[]byte("x")}, func(_ int, e error) { werr = e })
	require.ErrorIs(t, werr, errorx.ErrNotConnected)
	// TryWrite is purely synchronous and reports a bad descriptor rather
	// than invoking anything.
	_, terr := idle.TryWrite(Buffers{[]byte("x")})
	require.ErrorIs(t, terr, errorx.ErrBadDescriptor)

	client, server, listener := connectedPair(t, l)
	werr = nil
	client.Write(nil, func(_ int, e error) { werr = e })
	require.ErrorIs(t, werr, errorx.ErrEmptyBuffers)

	drainClose(t, l, idle, client, server, listener)
}

func TestTryWrite(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	client, server, listener := connectedPair(t, l)
	require.NoError(t, client.SetSendBuffer(16<<10))
	require.NoError(t, server.SetRecvBuffer(16<<10))

	n, err := client.TryWrite(Buffers{[]byte("instant")})
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	// Stuff the pipe until a write queues, then TryWrite must refuse to
	// jump the queue.
	big := make([]byte, 4<<20)
	var canceled error
	client.Write(Buffers{big}, func(_ int, e error) { canceled = e })
	_, err = client.TryWrite(Buffers{[]byte("x")})
	require.ErrorIs(t, err, errorx.ErrTryAgain)

	drainClose(t, l, client, server, listener)
	require.ErrorIs(t, canceled, errorx.ErrOperationCanceled)
}

func TestShutdownHalfClose(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	client, server, listener := connectedPair(t, l)

	serverGot := bbPool.Get()
	defer bbPool.Put(serverGot)
	var serverEOF bool
	require.NoError(t, server.ReadStart(func(buf Buffer, n int, rerr error) {
		if rerr != nil {
			require.ErrorIs(t, rerr, errorx.ErrEOF)
			serverEOF = true
			return
		}
		_, _ = serverGot.Write(buf[:n])
	}))

	var order []string
	client.Write(Buffers{[]byte("bye")}, func(n int, werr error) {
		require.NoError(t, werr)
		require.Equal(t, 3, n)
		order = append(order, "write")
	})
	client.Shutdown(func(serr error) {
		require.NoError(t, serr)
		order = append(order, "shutdown")
	})

	pollUntil(t, l, func() bool { return serverEOF })
	assert.Equal(t, []string{"write", "shutdown"}, order)
	assert.Equal(t, "bye", serverGot.String())

	// The write side is gone, the read side is not.
	var werr error
	client.Write(Buffers{[]byte("x")}, func(_ int, e error) { werr = e })
	require.ErrorIs(t, werr, errorx.ErrBrokenPipe)
	var serr error
	client.Shutdown(func(e error) { serr = e })
	require.ErrorIs(t, serr, errorx.ErrAlreadyInProgress)

	clientGot := bbPool.Get()
	defer bbPool.Put(clientGot)
	var clientEOF bool
	require.NoError(t, client.ReadStart(func(buf Buffer, n int, rerr error) {
		if rerr != nil {
			require.ErrorIs(t, rerr, errorx.ErrEOF)
			clientEOF = true
			return
		}
		_, _ = clientGot.Write(buf[:n])
	}))
	server.Write(Buffers{[]byte("still open")}, func(n int, e error) {
		require.NoError(t, e)
	})
	pollUntil(t, l, func() bool { return clientGot.Len() == 10 })
	assert.Equal(t, "still open", clientGot.String())

	// Shutting the surviving direction down too completes cleanly on both
	// ends and leaves nothing pending.
	var serverShut bool
	server.Shutdown(func(e error) {
		require.NoError(t, e)
		serverShut = true
	})
	pollUntil(t, l, func() bool { return serverShut && clientEOF })
	assert.Empty(t, l.requests)

	drainClose(t, l, client, server, listener)
}

func TestReadStopHoldsData(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	client, server, listener := connectedPair(t, l)

	got := bbPool.Get()
	defer bbPool.Put(got)
	onRead := func(buf Buffer, n int, rerr error) {
		require.NoError(t, rerr)
		_, _ = got.Write(buf[:n])
	}

	require.NoError(t, server.ReadStart(onRead))
	require.ErrorIs(t, server.ReadStart(onRead), errorx.ErrAlreadyInProgress)

	client.Write(Buffers{[]byte("a")}, nil)
	pollUntil(t, l, func() bool { return got.Len() == 1 })

	require.NoError(t, server.ReadStop())
	require.NoError(t, server.ReadStop()) // idempotent
	client.Write(Buffers{[]byte("b")}, nil)
	for i := 0; i < 20; i++ {
		_, perr := l.Poll()
		require.NoError(t, perr)
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, "a", got.String(), "no delivery while stopped")

	// Restarting picks the buffered byte back up.
	require.NoError(t, server.ReadStart(onRead))
	pollUntil(t, l, func() bool { return got.Len() == 2 })
	assert.Equal(t, "ab", got.String())

	drainClose(t, l, client, server, listener)
}

func TestUnclaimedConnectionDropped(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	listener, err := NewTCP(l)
	require.NoError(t, err)
	require.NoError(t, listener.Bind(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}))
	calls := 0
	require.NoError(t, listener.Listen(16, func(srv *TCP, cerr error) {
		require.NoError(t, cerr)
		calls++ // deliberately no Accept
	}))
	addr, err := listener.LocalAddr()
	require.NoError(t, err)

	client, err := NewTCP(l)
	require.NoError(t, err)
	connected := false
	client.Connect(addr, func(cerr error) {
		require.NoError(t, cerr)
		connected = true
		require.NoError(t, client.ReadStart(func(_ Buffer, _ int, rerr error) {
			require.Error(t, rerr)
		}))
	})

	var dead bool
	pollUntil(t, l, func() bool { return connected && calls > 0 })
	// The dropped connection surfaces on the client as EOF or a reset.
	pollUntil(t, l, func() bool {
		dead = !client.Reading()
		return dead
	})
	assert.True(t, dead)

	drainClose(t, l, client, listener)
}

func TestAcceptValidation(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	listener, err := NewTCP(l)
	require.NoError(t, err)
	require.ErrorIs(t, listener.Accept(nil), errorx.ErrListenerNotStarted)

	require.NoError(t, listener.Bind(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}))
	require.NoError(t, listener.Listen(1, func(srv *TCP, cerr error) {}))
	require.ErrorIs(t, listener.Accept(nil), errorx.ErrNoPendingConnection)

	drainClose(t, l, listener)
}

func TestEchoServerConcurrentClients(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	listener, err := NewTCP(l)
	require.NoError(t, err)
	require.NoError(t, listener.Bind(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}))
	var conns []*TCP
	require.NoError(t, listener.Listen(128, func(srv *TCP, cerr error) {
		require.NoError(t, cerr)
		c, nerr := NewTCP(l)
		require.NoError(t, nerr)
		require.NoError(t, srv.Accept(c))
		conns = append(conns, c)
		require.NoError(t, c.ReadStart(func(buf Buffer, n int, rerr error) {
			if rerr != nil {
				_ = c.Close(nil)
				return
			}
			data := bsPool.Get(n)
			copy(data, buf[:n])
			c.Write(Buffers{data}, func(int, error) { bsPool.Put(data) })
		}))
	}))
	addr, err := listener.LocalAddr()
	require.NoError(t, err)

	const (
		clients = 8
		msgLen  = 4 << 10
	)
	p := goPool.Default()
	defer p.Release()
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			conn, derr := net.Dial("tcp", addr.String())
			if !assert.NoError(t, derr) {
				return
			}
			defer conn.Close()
			msg := make([]byte, msgLen)
			for j := range msg {
				msg[j] = byte(i + j)
			}
			if _, werr := conn.Write(msg); !assert.NoError(t, werr) {
				return
			}
			back := make([]byte, msgLen)
			if _, rerr := io.ReadFull(conn, back); !assert.NoError(t, rerr) {
				return
			}
			assert.Equal(t, msg, back, fmt.Sprintf("client %d got a corrupted echo", i))
		}))
	}
	go func() {
		wg.Wait()
		l.Stop()
	}()

	require.NoError(t, l.Run())

	// Clients are gone; their EOFs close the server-side handles.
	pollUntil(t, l, func() bool {
		for _, c := range conns {
			if !c.Closing() {
				return false
			}
		}
		return true
	})
	drainClose(t, l, listener)
}
