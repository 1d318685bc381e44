// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is a numeric runtime status code. The numbering follows ElcoreCL/OpenCL.
type Code int

const (
	Success                            Code = 0
	DeviceNotFound                     Code = -1
	OutOfResources                     Code = -5
	OutOfHostMemory                    Code = -6
	ExecStatusErrorForEventsInWaitList Code = -14
	InvalidValue                       Code = -30
	InvalidPlatform                    Code = -32
	InvalidDevice                      Code = -33
	InvalidContext                     Code = -34
	InvalidCommandQueue                Code = -36
	InvalidHostPtr                     Code = -37
	InvalidMemObject                   Code = -38
	InvalidBinary                      Code = -42
	InvalidProgram                     Code = -44
	InvalidKernelName                  Code = -46
	InvalidKernel                      Code = -48
	InvalidArgIndex                    Code = -49
	InvalidArgValue                    Code = -50
	InvalidEvent                       Code = -58
)

var codeNames = map[Code]string{
	Success:                            "SUCCESS",
	DeviceNotFound:                     "DEVICE_NOT_FOUND",
	OutOfResources:                     "OUT_OF_RESOURCES",
	OutOfHostMemory:                    "OUT_OF_HOST_MEMORY",
	ExecStatusErrorForEventsInWaitList: "EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST",
	InvalidValue:                       "INVALID_VALUE",
	InvalidPlatform:                    "INVALID_PLATFORM",
	InvalidDevice:                      "INVALID_DEVICE",
	InvalidContext:                     "INVALID_CONTEXT",
	InvalidCommandQueue:                "INVALID_COMMAND_QUEUE",
	InvalidHostPtr:                     "INVALID_HOST_PTR",
	InvalidMemObject:                   "INVALID_MEM_OBJECT",
	InvalidBinary:                      "INVALID_BINARY",
	InvalidProgram:                     "INVALID_PROGRAM",
	InvalidKernelName:                  "INVALID_KERNEL_NAME",
	InvalidKernel:                      "INVALID_KERNEL",
	InvalidArgIndex:                    "INVALID_ARG_INDEX",
	InvalidArgValue:                    "INVALID_ARG_VALUE",
	InvalidEvent:                       "INVALID_EVENT",
}

// String implements fmt.Stringer.
func (c Code) String() string {
	if name, found := codeNames[c]; found {
		return name
	}
	return fmt.Sprintf("ECL_ERROR(%d)", int(c))
}

var (
	// ErrResource is matched (with errors.Is) by any *Error: a runtime object creation, binding or release failure.
	ErrResource = errors.New("runtime resource error")

	// ErrDeviceEnumeration is returned (wrapped) when platforms or devices can't be queried, or when a requested
	// device doesn't exist.
	ErrDeviceEnumeration = errors.New("device enumeration error")
)

// Error is a failure reported by the runtime, with its numeric code.
type Error struct {
	// Op is the runtime operation that failed, e.g. "eclCreateBuffer".
	Op   string
	Code Code
}

// NewError returns an *Error for op with the given code.
func NewError(op string, code Code) *Error {
	return &Error{Op: op, Code: code}
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("function %s failed. Error code: %d (%s)", e.Op, int(e.Code), e.Code)
}

// Is makes *Error match ErrResource.
func (e *Error) Is(target error) bool {
	return target == ErrResource
}

// CodeOf returns the numeric code of the first *Error in err's chain, or Success if there is none.
func CodeOf(err error) Code {
	var rtErr *Error
	if errors.As(err, &rtErr) {
		return rtErr.Code
	}
	return Success
}
