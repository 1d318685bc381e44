// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/eclrun/pkg/support/xsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Saturate(t *testing.T) {
	const units = 3
	pool := New(units)
	require.Equal(t, units, pool.MaxParallelism())

	release := xsync.NewLatch()
	var started atomic.Int32
	for range units {
		pool.WaitToStart(func() {
			started.Add(1)
			release.Wait()
		})
	}
	// All workers are busy: nothing else can start.
	assert.False(t, pool.StartIfAvailable(func() {}))
	assert.Equal(t, units, pool.NumRunning())

	// A blocked WaitToStart proceeds once a worker is freed.
	extraDone := xsync.NewLatch()
	go pool.WaitToStart(extraDone.Trigger)
	release.Trigger()
	require.True(t, extraDone.WaitTimeout(time.Second), "Timeout before extra task was executed")
	pool.WaitIdle()
	assert.Equal(t, int32(units), started.Load())
	assert.Equal(t, 0, pool.NumRunning())
}

func TestPool_Unlimited(t *testing.T) {
	pool := New(0)
	require.True(t, pool.IsUnlimited())
	release := xsync.NewLatch()
	for range 10 {
		require.True(t, pool.StartIfAvailable(release.Wait))
	}
	release.Trigger()
	pool.WaitIdle()
}

func TestPool_PanicFreesWorker(t *testing.T) {
	pool := New(1)
	done := xsync.NewLatch()
	pool.WaitToStart(func() {
		defer done.Trigger()
		defer func() { _ = recover() }()
		panic("kernel fault")
	})
	done.Wait()
	pool.WaitIdle()
	assert.True(t, pool.StartIfAvailable(func() {}))
}
