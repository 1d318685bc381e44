// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simulated

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/eclrun/pkg/core/kernelargs"
	"github.com/gomlx/eclrun/runtime"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// binaryMagic prefixes every simulated binary, and is followed by the image name and a newline.
const binaryMagic = "SIMIMG "

// Symbols registered by MainImage.
const (
	// MainSymbol is the entry of programs launched without shared memory.
	MainSymbol = "_elcore_main_wrapper"

	// SharedMainSymbol is the entry of programs launched with a shared memory region.
	SharedMainSymbol = "_elcorecl_run_wrapper"

	// StartSymbol is started automatically when a program is loaded on a companion platform.
	StartSymbol = "_start"
)

// KernelFunc is the Go implementation of a kernel symbol. It runs once per enqueued task.
//
// Errors returned, and panics, fail the task: they are reported by Runtime.WaitForEvents.
type KernelFunc func(call *Call) error

// MainFunc is a C-like main function. Its return value is written to the retval buffer by the wrappers
// created with MainImage.
type MainFunc func(argv []string, call *Call) int

// Call gives a KernelFunc access to its device and arguments.
type Call struct {
	// Device the kernel is running on.
	Device runtime.DeviceID

	args []callArg
}

type callArg struct {
	mem    *mem
	scalar []byte
}

// Core is the index of the device running the kernel.
func (c *Call) Core() int { return c.Device.Index }

// NumArgs returns the number of positional arguments bound.
func (c *Call) NumArgs() int { return len(c.args) }

// Mem returns the host bytes of the buffer bound to argument index.
// It panics if the argument is not a buffer.
func (c *Call) Mem(index int) []byte {
	if index < 0 || index >= len(c.args) || c.args[index].mem == nil {
		exceptions.Panicf("kernel argument #%d is not a buffer (%d arguments bound)", index, len(c.args))
	}
	return c.args[index].mem.host.Bytes()
}

// Scalar returns the raw bytes of the scalar bound to argument index.
// It panics if the argument is not a scalar.
func (c *Call) Scalar(index int) []byte {
	if index < 0 || index >= len(c.args) || c.args[index].scalar == nil {
		exceptions.Panicf("kernel argument #%d is not a scalar (%d arguments bound)", index, len(c.args))
	}
	return c.args[index].scalar
}

// Uint32 returns the scalar argument index decoded as a little-endian uint32.
func (c *Call) Uint32(index int) uint32 {
	value := c.Scalar(index)
	if len(value) != 4 {
		exceptions.Panicf("kernel argument #%d has %d bytes, expected 4", index, len(value))
	}
	return binary.LittleEndian.Uint32(value)
}

// Shared returns the shared memory region, if the call was made through SharedMainSymbol, or nil otherwise.
// Its length is the size passed as the last argument.
func (c *Call) Shared() []byte {
	if len(c.args) < 4 || c.args[2].mem == nil {
		return nil
	}
	shared := c.Mem(2)
	size := int(c.Uint32(3))
	if size > len(shared) {
		exceptions.Panicf("shared memory size %d larger than buffer (%d bytes)", size, len(shared))
	}
	return shared[:size]
}

var (
	imagesMu sync.RWMutex
	images   = make(map[string]map[string]KernelFunc)
)

// RegisterImage makes the kernel symbols available to binaries created with Binary(name).
// Registering the same name again replaces the image.
func RegisterImage(name string, symbols map[string]KernelFunc) {
	copied := make(map[string]KernelFunc, len(symbols))
	for symbol, fn := range symbols {
		copied[symbol] = fn
	}
	imagesMu.Lock()
	defer imagesMu.Unlock()
	images[name] = copied
}

// MainImage registers an image with MainSymbol, SharedMainSymbol and StartSymbol, all running main.
//
// The wrappers decode the packed arguments (argument #0) into argv, and write main's return value as
// a little-endian uint32 into the first 4 bytes of the retval buffer (argument #1).
// StartSymbol runs main with no arguments and discards its result.
func MainImage(name string, main MainFunc) {
	wrapper := func(call *Call) error {
		argv, err := kernelargs.Decode(call.Mem(0))
		if err != nil {
			return err
		}
		retval := call.Mem(1)
		if len(retval) < 4 {
			return errors.Errorf("retval buffer has only %d bytes", len(retval))
		}
		binary.LittleEndian.PutUint32(retval, uint32(main(argv, call)))
		return nil
	}
	RegisterImage(name, map[string]KernelFunc{
		MainSymbol:       wrapper,
		SharedMainSymbol: wrapper,
		StartSymbol: func(call *Call) error {
			main(nil, call)
			return nil
		},
	})
}

// Binary returns the contents of a binary file loading the image name.
func Binary(name string) []byte {
	return []byte(binaryMagic + name + "\n")
}

// parseBinary returns the image name and its symbols.
func parseBinary(binary []byte) (string, map[string]KernelFunc, error) {
	if !bytes.HasPrefix(binary, []byte(binaryMagic)) {
		return "", nil, errors.WithMessage(runtime.NewError(OpCreateProgramWithBinary, runtime.InvalidBinary),
			"not a simulated binary")
	}
	name, _, _ := strings.Cut(string(binary[len(binaryMagic):]), "\n")
	name = strings.TrimSpace(name)
	imagesMu.RLock()
	defer imagesMu.RUnlock()
	symbols, found := images[name]
	if !found {
		return "", nil, errors.WithMessagef(runtime.NewError(OpCreateProgramWithBinary, runtime.InvalidBinary),
			"unknown simulated image %q", name)
	}
	return name, symbols, nil
}

// runKernel runs fn and converts panics into errors.
func runKernel(fn KernelFunc, call *Call) (err error) {
	exception := exceptions.Try(func() {
		err = fn(call)
	})
	if exception != nil {
		if excErr, ok := exception.(error); ok {
			return errors.WithMessagef(excErr, "kernel panicked on core %d", call.Core())
		}
		return errors.Errorf("kernel panicked on core %d: %v", call.Core(), exception)
	}
	return err
}

func init() {
	// "exit": argv[1] is a comma-separated list of return values indexed by core, the last one
	// repeated for the remaining cores. Without arguments it returns 0.
	MainImage("exit", func(argv []string, call *Call) int {
		if len(argv) < 2 {
			return 0
		}
		values := strings.Split(argv[1], ",")
		idx := min(call.Core(), len(values)-1)
		value, err := strconv.Atoi(strings.TrimSpace(values[idx]))
		if err != nil {
			exceptions.Panicf("exit: invalid return value %q", values[idx])
		}
		return value
	})

	// "spin": sleeps for the duration in argv[1] (default 10ms), and returns 0.
	MainImage("spin", func(argv []string, call *Call) int {
		duration := 10 * time.Millisecond
		if len(argv) >= 2 {
			var err error
			duration, err = time.ParseDuration(argv[1])
			if err != nil {
				exceptions.Panicf("spin: invalid duration %q", argv[1])
			}
		}
		time.Sleep(duration)
		return 0
	})

	// "mark": each core writes core+1 at the byte offset of its index in the shared memory, and returns 0.
	MainImage("mark", func(argv []string, call *Call) int {
		shared := call.Shared()
		if call.Core() < len(shared) {
			shared[call.Core()] = byte(call.Core() + 1)
		}
		return 0
	})

	// "panic": fails every task.
	MainImage("panic", func(argv []string, call *Call) int {
		exceptions.Panicf("panic image called on core %d", call.Core())
		return 0
	})
}
