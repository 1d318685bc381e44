// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

// Context scopes a set of devices: programs, buffers and queues are always created within a context.
type Context interface {
	// CreateProgramWithBinary loads the same binary onto every given device.
	CreateProgramWithBinary(devices []DeviceID, binary []byte) (Program, error)

	// CreateBuffer registers the host region as device-visible memory ("use host pointer" semantics):
	// the device reads and writes the host bytes directly.
	//
	// The host region must not be read or written by the host while a kernel holding it is running,
	// except through Queue.MapRead.
	CreateBuffer(host *HostRegion) (Mem, error)

	// CreateQueue creates an independent in-order command queue bound to the device.
	CreateQueue(device DeviceID) (Queue, error)

	// Release the context.
	Release() error
}

// Program is a binary loaded onto one or more devices.
type Program interface {
	// CreateKernel looks up the entry symbol in the program.
	CreateKernel(symbol string) (Kernel, error)

	// Release the program.
	Release() error
}

// Kernel is an entry point of a Program plus its current argument bindings.
//
// Arguments are captured by Queue.EnqueueTask, so the same Kernel can be re-bound and enqueued
// for the next device right after.
type Kernel interface {
	// SetArgMem binds a buffer to the positional argument index.
	SetArgMem(index int, mem Mem) error

	// SetArgScalar binds a scalar, given by its raw little-endian bytes, to the positional argument index.
	SetArgScalar(index int, value []byte) error

	// Release the kernel.
	Release() error
}

// Mem is a device-visible buffer backed by a HostRegion.
type Mem interface {
	// Size in bytes.
	Size() int

	// SetDestructor registers fn to be called exactly once, after the buffer is released and
	// the runtime no longer uses it.
	SetDestructor(fn func()) error

	// Release the buffer.
	Release() error
}

// Queue is a per-device, in-order command submission channel.
type Queue interface {
	// EnqueueTask launches a single work-item of kernel, with its current argument bindings,
	// and returns the event that completes when the launch finishes.
	EnqueueTask(kernel Kernel) (Event, error)

	// MapRead blocks until all prior commands of the queue completed and returns a read-only view
	// of the first size bytes of the buffer.
	MapRead(mem Mem, size int) ([]byte, error)

	// Release the queue. Commands already enqueued still complete.
	Release() error
}

// Event signals the completion of an enqueued command. It is waited for with Runtime.WaitForEvents.
type Event interface {
	// Done returns a channel closed when the command completes, successfully or not.
	Done() <-chan struct{}
}
