// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default runtimes, namely the simulated one and, when built with the
// "elcorecl" tag, the ElcoreCL library binding.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/eclrun/runtime/default"
package _default

import (
	// Simulated runtime, always available.
	_ "github.com/gomlx/eclrun/runtime/simulated"
)
