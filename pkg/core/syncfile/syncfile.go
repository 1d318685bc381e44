// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package syncfile coordinates the startup order of independent processes through the filesystem.
//
// One process calls Signal once it finished its initialization; other processes Wait for the file to
// appear before they start their kernels. Only the existence of the file matters, never its content.
//
// Wait polls: a file that is created and removed again within one polling interval may be missed.
package syncfile

import (
	"context"
	"os"
	"os/exec"
	"time"

	"k8s.io/klog/v2"
)

// PollInterval is the default interval between attempts to open the waited file.
const PollInterval = 2 * time.Millisecond

// TouchCommand is the external command used by Signal to create the marker file.
var TouchCommand = "touch"

// Signal creates an empty marker file at path, by running TouchCommand.
//
// It is fire-and-forget: it doesn't verify the file was created, failures are only logged.
func Signal(ctx context.Context, path string) {
	cmd := exec.CommandContext(ctx, TouchCommand, path)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		klog.Warningf("syncfile.Signal(%q): %s failed: %v", path, TouchCommand, err)
		return
	}
	klog.V(1).Infof("syncfile: signaled %q", path)
}

// Result of Wait.
type Result int

const (
	// Ready means the file was opened successfully.
	Ready Result = iota

	// TimedOut means WaitOptions.Timeout elapsed before the file could be opened.
	TimedOut

	// Cancelled means the context was done before the file could be opened.
	Cancelled
)

// String implements fmt.Stringer.
func (r Result) String() string {
	switch r {
	case Ready:
		return "Ready"
	case TimedOut:
		return "TimedOut"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// WaitOptions configure Wait. The zero value polls every PollInterval, forever.
type WaitOptions struct {
	// Interval between attempts. If <= 0, PollInterval is used.
	Interval time.Duration

	// Timeout after which Wait gives up. If <= 0, Wait never times out.
	Timeout time.Duration
}

// Wait blocks until path can be opened for reading, ctx is done, or the timeout elapses.
//
// It sleeps one interval before every open attempt, including the first one, so it returns Ready
// at most one interval (plus scheduling latency) after the file appears, and never before.
func Wait(ctx context.Context, path string, opts WaitOptions) Result {
	interval := opts.Interval
	if interval <= 0 {
		interval = PollInterval
	}
	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			klog.V(1).Infof("syncfile: wait for %q cancelled after %d attempts", path, attempts)
			return Cancelled
		case <-deadline:
			klog.V(1).Infof("syncfile: wait for %q timed out after %d attempts", path, attempts)
			return TimedOut
		case <-ticker.C:
		}
		attempts++
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		_ = f.Close()
		klog.V(1).Infof("syncfile: %q ready after %d attempts", path, attempts)
		return Ready
	}
}
