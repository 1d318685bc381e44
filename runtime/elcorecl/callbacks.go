// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build elcorecl

package elcorecl

/*
#include <elcorecl/elcorecl.h>
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"
)

// eclrunMemDestructor is registered as the destructor callback of every buffer with a destructor.
// userData is the cgo.Handle of the Go function to call.
//
//export eclrunMemDestructor
func eclrunMemDestructor(_ C.ecl_mem, userData unsafe.Pointer) {
	handle := cgo.Handle(uintptr(userData))
	fn := handle.Value().(func())
	handle.Delete()
	fn()
}
