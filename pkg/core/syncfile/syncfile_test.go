// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package syncfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/eclrun/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ready")
	Signal(context.Background(), path)
	assert.True(t, must.M1(fsutil.FileExists(path)))
	info := must.M1(os.Stat(path))
	assert.Zero(t, info.Size())
}

func TestSignalFailureIsNotFatal(t *testing.T) {
	// A directory that doesn't exist: touch fails, Signal only logs it.
	path := filepath.Join(t.TempDir(), "missing", "ready")
	require.NotPanics(t, func() { Signal(context.Background(), path) })
	assert.False(t, must.M1(fsutil.FileExists(path)))
}

func TestWaitResumesAfterCreation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ready")
	const createAfter = 30 * time.Millisecond

	start := time.Now()
	createdAt := make(chan time.Time, 1)
	go func() {
		time.Sleep(createAfter)
		// Taken before the file exists, so no resume can precede it.
		createdAt <- time.Now()
		assert.NoError(t, os.WriteFile(path, nil, 0o644))
	}()

	result := Wait(context.Background(), path, WaitOptions{Timeout: 5 * time.Second})
	resumedAt := time.Now()
	require.Equal(t, Ready, result)
	created := <-createdAt

	// Never before the file exists.
	assert.False(t, resumedAt.Before(created), "resumed before the file was created")
	assert.GreaterOrEqual(t, resumedAt.Sub(start), createAfter)
	// Within one polling interval, plus generous scheduling slack for loaded test machines.
	assert.Less(t, resumedAt.Sub(created), PollInterval+100*time.Millisecond)
}

func TestWaitExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ready")
	require.NoError(t, os.WriteFile(path, []byte("content is ignored"), 0o644))
	assert.Equal(t, Ready, Wait(context.Background(), path, WaitOptions{Interval: time.Millisecond}))
}

func TestWaitTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never")
	start := time.Now()
	result := Wait(context.Background(), path, WaitOptions{Timeout: 20 * time.Millisecond})
	assert.Equal(t, TimedOut, result)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	assert.Equal(t, Cancelled, Wait(ctx, path, WaitOptions{}))
	assert.Equal(t, "Cancelled", Cancelled.String())
}
