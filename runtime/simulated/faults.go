// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simulated

import (
	"sync"

	"github.com/gomlx/eclrun/runtime"
)

// Names of the simulated operations, as reported in runtime.Error.Op and used as keys for Faults.
const (
	OpGetPlatformIDs          = "eclGetPlatformIDs"
	OpGetDeviceIDs            = "eclGetDeviceIDs"
	OpCreateContext           = "eclCreateContext"
	OpCreateProgramWithBinary = "eclCreateProgramWithBinary"
	OpCreateKernel            = "eclCreateKernel"
	OpCreateBuffer            = "eclCreateBuffer"
	OpSetDestructor           = "eclSetMemObjectDestructorCallback"
	OpCreateCommandQueue      = "eclCreateCommandQueueWithProperties"
	OpSetKernelArg            = "eclSetKernelArg"
	OpSetKernelArgMem         = "eclSetKernelArgELcoreMem"
	OpEnqueueTask             = "eclEnqueueNDRangeKernel"
	OpEnqueueMapBuffer        = "eclEnqueueMapBuffer"
	OpWaitForEvents           = "eclWaitForEvents"
	OpReleaseMemObject        = "eclReleaseMemObject"
	OpReleaseCommandQueue     = "eclReleaseCommandQueue"
	OpReleaseKernel           = "eclReleaseKernel"
	OpReleaseProgram          = "eclReleaseProgram"
	OpReleaseContext          = "eclReleaseContext"
	OpAllocHost               = "posix_memalign"
)

// Faults is a plan of injected failures: the n-th call to an operation fails with a given code,
// without any side effect.
type Faults struct {
	mu      sync.Mutex
	calls   map[string]int
	planned map[string]map[int]runtime.Code
}

func newFaults() *Faults {
	return &Faults{
		calls:   make(map[string]int),
		planned: make(map[string]map[int]runtime.Code),
	}
}

// Inject makes the nth (starting from 1) call of op fail with code.
// Calls already made count: if nth <= Calls(op), the fault never triggers.
func (f *Faults) Inject(op string, nth int, code runtime.Code) *Faults {
	f.mu.Lock()
	defer f.mu.Unlock()
	byCall, found := f.planned[op]
	if !found {
		byCall = make(map[int]runtime.Code)
		f.planned[op] = byCall
	}
	byCall[nth] = code
	return f
}

// Calls returns how many times op was called so far, counting the failed calls.
func (f *Faults) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// check counts one call of op, and returns the injected error for it, if any.
func (f *Faults) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if code, found := f.planned[op][f.calls[op]]; found {
		return runtime.NewError(op, code)
	}
	return nil
}
