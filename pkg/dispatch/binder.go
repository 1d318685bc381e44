// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"github.com/gomlx/eclrun/runtime"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Binder allocates page-aligned host memory and registers it with a runtime context as device buffers.
type Binder struct {
	rt  runtime.Runtime
	ctx runtime.Context
}

// NewBinder returns a Binder creating buffers in ctx.
func NewBinder(rt runtime.Runtime, ctx runtime.Context) *Binder {
	return &Binder{rt: rt, ctx: ctx}
}

// Allocate host memory of at least size bytes, rounded up to the runtime page size (at least one page).
// The memory is not initialized.
//
// It implements kernelargs.Allocator.
func (b *Binder) Allocate(size int) (*runtime.HostRegion, error) {
	aligned := runtime.AlignSize(max(size, 1), b.rt.PageSize())
	region, err := b.rt.AllocHost(aligned)
	if err != nil {
		return nil, errors.WithMessagef(err, "memory allocation of %d bytes failed", aligned)
	}
	return region, nil
}

// Bind registers host as a device buffer, whose destructor frees the host memory.
//
// From here on the host memory is owned by the returned DeviceBuffer. If Bind fails, the host memory is freed.
func (b *Binder) Bind(host *runtime.HostRegion) (*DeviceBuffer, error) {
	mem, err := b.ctx.CreateBuffer(host)
	if err != nil {
		host.Free()
		return nil, errors.WithMessagef(err, "failed to create buffer of %d bytes", host.Size())
	}
	if err = mem.SetDestructor(host.Free); err != nil {
		if releaseErr := mem.Release(); releaseErr != nil {
			klog.Warningf("failed to release buffer without destructor: %v", releaseErr)
		}
		host.Free()
		return nil, errors.WithMessagef(err, "failed to set destructor of buffer of %d bytes", host.Size())
	}
	return &DeviceBuffer{Host: host, Mem: mem}, nil
}

// Create allocates and binds a new buffer of at least size bytes. If zero is set, the memory is zero-filled
// before being bound.
func (b *Binder) Create(size int, zero bool) (*DeviceBuffer, error) {
	host, err := b.Allocate(size)
	if err != nil {
		return nil, err
	}
	if zero {
		clear(host.Bytes())
	}
	return b.Bind(host)
}

// DeviceBuffer is host memory registered with the runtime. Its host memory is freed, exactly once, when the
// device buffer is released and the runtime no longer uses it.
type DeviceBuffer struct {
	Host *runtime.HostRegion
	Mem  runtime.Mem

	released bool
}

// Size in bytes, a multiple of the page size.
func (d *DeviceBuffer) Size() int {
	return d.Mem.Size()
}

// Released returns whether Release succeeded.
func (d *DeviceBuffer) Released() bool {
	return d.released
}

// Release the device buffer. Releasing it again is a no-op.
func (d *DeviceBuffer) Release() error {
	if d.released {
		return nil
	}
	if err := d.Mem.Release(); err != nil {
		return err
	}
	d.released = true
	return nil
}
