// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gomlx/eclrun/runtime"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RetvalSize is the number of bytes of a retval buffer holding the kernel result: a little-endian uint32.
const RetvalSize = 4

// LaunchRecord is the state of one selected core, from its launch to its teardown.
type LaunchRecord struct {
	// Core index, and its device.
	Core   int
	Device runtime.DeviceID

	// Queue and Event of the launch: nil if the launch didn't happen.
	Queue runtime.Queue
	Event runtime.Event

	// Retval buffer, initialized to 0 before the launch.
	Retval *DeviceBuffer

	// Value read back from Retval by Collect.
	Value     uint32
	Collected bool

	queueReleased bool
}

// releaseQueue releases the queue, if it was created and not released yet.
func (r *LaunchRecord) releaseQueue() error {
	if r.Queue == nil || r.queueReleased {
		return nil
	}
	if err := r.Queue.Release(); err != nil {
		return err
	}
	r.queueReleased = true
	return nil
}

// Launcher fans one kernel out to a set of cores.
type Launcher struct {
	Binder *Binder
	Ctx    runtime.Context
	Kernel runtime.Kernel

	// Args is the packed kernel arguments buffer, passed as argument #0.
	Args *DeviceBuffer

	// Shared is the optional shared memory buffer, passed as argument #2 followed by SharedSize (argument #3).
	// SharedSize is the page-aligned size of the shared buffer.
	Shared     *DeviceBuffer
	SharedSize int

	// Stdout receives the "run ..." progress line. If nil, it is discarded.
	Stdout io.Writer
}

// Launch creates the retval buffers of all cores, and then, for each core in order: creates its queue,
// binds the kernel arguments and enqueues a single work-item launch.
//
// cores and devices are parallel slices: devices[ii] is the device of cores[ii].
//
// If any step fails, the queues already created and all retval buffers are released before the error,
// naming the failing core and the runtime code, is returned.
func (l *Launcher) Launch(cores []int, devices []runtime.DeviceID) ([]*LaunchRecord, error) {
	if len(cores) != len(devices) {
		return nil, errors.Errorf("Launch got %d cores but %d devices", len(cores), len(devices))
	}
	stdout := l.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	records := make([]*LaunchRecord, len(cores))
	for ii, core := range cores {
		retval, err := l.Binder.Create(RetvalSize, true)
		if err != nil {
			UnwindRecords(records[:ii])
			return nil, errors.WithMessagef(err, "failed to create retval buffer for core %d", core)
		}
		records[ii] = &LaunchRecord{Core: core, Device: devices[ii], Retval: retval}
	}

	_, _ = fmt.Fprint(stdout, "run")
	for _, record := range records {
		_, _ = fmt.Fprintf(stdout, " %d", record.Core)
		if err := l.launchOne(record); err != nil {
			_, _ = fmt.Fprintln(stdout)
			UnwindRecords(records)
			return nil, err
		}
		klog.V(1).Infof("launched kernel on core %d (device %d.%d)", record.Core, record.Device.Platform,
			record.Device.Index)
	}
	_, _ = fmt.Fprintf(stdout, " and wait all %d cores\n", len(records))
	return records, nil
}

func (l *Launcher) launchOne(record *LaunchRecord) error {
	queue, err := l.Ctx.CreateQueue(record.Device)
	if err != nil {
		return errors.WithMessagef(err, "failed to create queue for device %d", record.Core)
	}
	record.Queue = queue

	argIdx := 0
	bindMem := func(mem runtime.Mem) error {
		if err := l.Kernel.SetArgMem(argIdx, mem); err != nil {
			return errors.WithMessagef(err, "failed to set %d arg for device %d", argIdx, record.Core)
		}
		argIdx++
		return nil
	}
	if err = bindMem(l.Args.Mem); err != nil {
		return err
	}
	if err = bindMem(record.Retval.Mem); err != nil {
		return err
	}
	if l.Shared != nil {
		if err = bindMem(l.Shared.Mem); err != nil {
			return err
		}
		size := make([]byte, 4)
		binary.LittleEndian.PutUint32(size, uint32(int32(l.SharedSize)))
		if err = l.Kernel.SetArgScalar(argIdx, size); err != nil {
			return errors.WithMessagef(err, "failed to set %d arg for device %d", argIdx, record.Core)
		}
	}

	record.Event, err = queue.EnqueueTask(l.Kernel)
	if err != nil {
		return errors.WithMessagef(err, "failed to enqueue kernel for device %d", record.Core)
	}
	return nil
}

// UnwindRecords releases the queues and the retval buffers of the records, skipping what was already
// released. Release failures are only logged. Nil records are ignored.
func UnwindRecords(records []*LaunchRecord) {
	for _, record := range records {
		if record == nil {
			continue
		}
		if err := record.releaseQueue(); err != nil {
			klog.Warningf("while unwinding: failed to release queue of core %d: %v", record.Core, err)
		}
	}
	for _, record := range records {
		if record == nil || record.Retval == nil {
			continue
		}
		if err := record.Retval.Release(); err != nil {
			klog.Warningf("while unwinding: failed to release retval buffer of core %d: %v", record.Core, err)
		}
	}
}
