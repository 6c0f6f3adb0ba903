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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorx "github.com/uvio-dev/uvio/pkg/errors"
)

func TestLoopRunWithNoWork(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	assert.False(t, l.Alive())
	require.NoError(t, l.Run())

	alive, err := l.RunOnce()
	require.NoError(t, err)
	assert.False(t, alive)
	alive, err = l.Poll()
	require.NoError(t, err)
	assert.False(t, alive)

	require.NoError(t, l.Close())
}

func TestLoopClosedRejectsEverything(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	require.NoError(t, l.Close())

	require.ErrorIs(t, l.Run(), errorx.ErrLoopShutdown)
	_, err = l.RunOnce()
	require.ErrorIs(t, err, errorx.ErrLoopShutdown)
	_, err = l.Poll()
	require.ErrorIs(t, err, errorx.ErrLoopShutdown)
	require.ErrorIs(t, l.Close(), errorx.ErrLoopShutdown)

	_, err = NewTCP(l)
	require.ErrorIs(t, err, errorx.ErrInvalidLoop)
	_, err = NewTCP(nil)
	require.ErrorIs(t, err, errorx.ErrInvalidLoop)
}

func TestLoopCloseWhileHandlesRemain(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	h, err := NewTCP(l)
	require.NoError(t, err)

	require.ErrorIs(t, l.Close(), errorx.ErrLoopBusy)

	closed := false
	require.NoError(t, h.Close(func() { closed = true }))
	require.ErrorIs(t, l.Close(), errorx.ErrLoopBusy, "still busy until the close callback runs")

	pollUntil(t, l, func() bool { return closed })
	require.NoError(t, l.Close())
}

func TestLoopStopFromAnotherGoroutine(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	// A listener keeps the loop alive, so Run blocks in the poller until
	// the cross-goroutine Stop wakes it.
	listener, err := NewTCP(l)
	require.NoError(t, err)
	require.NoError(t, listener.Bind(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}))
	require.NoError(t, listener.Listen(1, func(*TCP, error) {}))

	go func() {
		time.Sleep(50 * time.Millisecond)
		l.Stop()
	}()

	start := time.Now()
	require.NoError(t, l.Run())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.True(t, l.Alive(), "stopping does not drain the loop")

	drainClose(t, l, listener)
}

func TestFailedConnectLeavesPollerQuiet(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)

	// A listener keeps the loop alive so a blocking turn has something to
	// wait on.
	listener, err := NewTCP(l)
	require.NoError(t, err)
	require.NoError(t, listener.Bind(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}))
	require.NoError(t, listener.Listen(1, func(*TCP, error) {}))

	// Grab a loopback port that is guaranteed to refuse connections.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := probe.Addr().(*net.TCPAddr)
	require.NoError(t, probe.Close())

	client, err := NewTCP(l)
	require.NoError(t, err)
	refused := false
	client.Connect(dead, func(cerr error) {
		require.ErrorIs(t, cerr, errorx.ErrConnectionRefused)
		refused = true
	})
	pollUntil(t, l, func() bool { return refused })

	// The failed socket sits on the idle handle with no interest armed.
	// It must be gone from the poller: epoll would otherwise level-trigger
	// HUP on it forever and this blocking turn would return immediately
	// instead of sitting until the wakeup.
	go func() {
		time.Sleep(50 * time.Millisecond)
		l.Stop()
	}()
	start := time.Now()
	alive, err := l.RunOnce()
	require.NoError(t, err)
	assert.True(t, alive)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	drainClose(t, l, client, listener)
}

func TestLoopRunReturnsWhenDrained(t *testing.T) {
	l, err := NewLoop()
	require.NoError(t, err)
	client, server, listener := connectedPair(t, l)

	// With every handle closed the loop has nothing left to wait on, so a
	// blocking Run must come back on its own.
	closes := 0
	for _, h := range []*TCP{client, server, listener} {
		require.NoError(t, h.Close(func() { closes++ }))
	}
	require.NoError(t, l.Run())
	assert.Equal(t, 3, closes)
	assert.False(t, l.Alive())

	require.NoError(t, l.Close())
}

func TestLoopReadBufferCapOption(t *testing.T) {
	l, err := NewLoop(WithReadBufferCap(8 << 10))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(l.readBuf), 8<<10)

	client, server, listener := connectedPair(t, l)
	got := 0
	require.NoError(t, server.ReadStart(func(buf Buffer, n int, rerr error) {
		require.NoError(t, rerr)
		require.LessOrEqual(t, n, len(l.readBuf))
		got += n
	}))
	payload := make([]byte, 64<<10)
	client.Write(Buffers{payload}, nil)
	pollUntil(t, l, func() bool { return got == len(payload) })

	drainClose(t, l, client, server, listener)
}
