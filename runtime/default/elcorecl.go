// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build elcorecl

package _default

import (
	// ElcoreCL hardware runtime. Its import path sorts before the simulated one, so it is registered
	// first and is the default runtime of builds with the "elcorecl" tag. Select the simulated one with
	// ECLRUN_RUNTIME=sim or --runtime=sim.
	_ "github.com/gomlx/eclrun/runtime/elcorecl"
)
