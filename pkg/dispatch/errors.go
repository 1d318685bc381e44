// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import "github.com/pkg/errors"

var (
	// ErrIO is returned (wrapped) when a kernel binary is missing or can't be read.
	ErrIO = errors.New("I/O error")

	// ErrConfig is returned (wrapped) for an invalid launch configuration.
	ErrConfig = errors.New("invalid configuration")

	// ErrSync is returned (wrapped) when waiting for the sync file timed out or was cancelled.
	ErrSync = errors.New("sync wait aborted")
)
