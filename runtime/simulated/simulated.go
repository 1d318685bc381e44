// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simulated implements a pure Go accelerator runtime, used for tests and for dry-runs of launch plans
// on machines without the accelerator.
//
// Each platform has a configurable number of devices. Kernels are Go functions registered as "images"
// (see RegisterImage and MainImage), loaded from binaries created with Binary. Every enqueued task runs in its
// own goroutine, bounded by an execution-unit pool with one unit per device, and commands of one queue run
// in order.
//
// Programs loaded on platforms other than the first have their StartSymbol started immediately on every
// device, as the companion control cores do with their firmware.
//
// It registers itself as "sim". The configuration is a comma-separated list of the number of devices per
// platform, e.g. "sim:8,2". The default is DefaultConfig.
package simulated

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/gomlx/eclrun/internal/workerspool"
	"github.com/gomlx/eclrun/runtime"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RuntimeName to be used in ECLRUN_RUNTIME to select this runtime.
const RuntimeName = "sim"

// DefaultConfig used when the configuration is empty: 4 DSP cores and 1 companion control core.
const DefaultConfig = "4,1"

// PageSize of the simulated host memory.
const PageSize = 4096

// MaxKernelArgs is the number of positional arguments a kernel accepts.
const MaxKernelArgs = 8

// garbage fills newly allocated host memory, so nobody relies on it being zero.
const garbage = 0xA5

func init() {
	runtime.Register(RuntimeName, func(config string) (runtime.Runtime, error) {
		return New(config)
	})
}

// Runtime implements runtime.Runtime with simulated devices.
type Runtime struct {
	config             string
	devicesPerPlatform []int
	pool               *workerspool.Pool
	faults             *Faults

	mu                    sync.Mutex
	nextID                map[string]int
	journal               []string
	autostarted           []string
	hostAllocs, hostFrees int
	liveContexts          int
	finalized             bool
}

// Compile-time check that simulated.Runtime implements runtime.Runtime.
var _ runtime.Runtime = &Runtime{}

// New creates a simulated runtime. See package documentation for the config format.
func New(config string) (*Runtime, error) {
	if config == "" {
		config = DefaultConfig
	}
	var counts []int
	total := 0
	for _, part := range strings.Split(config, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return nil, errors.Errorf("simulated: invalid number of devices %q in config %q", part, config)
		}
		counts = append(counts, n)
		total += n
	}
	if total == 0 {
		// Still allow kernels to be scheduled, enumeration will fail anyway.
		total = 1
	}
	klog.V(2).Infof("simulated: created runtime with devices per platform %v", counts)
	return &Runtime{
		config:             config,
		devicesPerPlatform: counts,
		pool:               workerspool.New(total),
		faults:             newFaults(),
		nextID:             make(map[string]int),
	}, nil
}

// Name implements runtime.Runtime.
func (rt *Runtime) Name() string { return RuntimeName }

// Description implements runtime.Runtime.
func (rt *Runtime) Description() string {
	return fmt.Sprintf("Simulated ElcoreCL runtime (devices per platform: %s)", rt.config)
}

// PageSize implements runtime.Runtime.
func (rt *Runtime) PageSize() int { return PageSize }

// Faults returns the fault injection plan of this runtime.
func (rt *Runtime) Faults() *Faults { return rt.faults }

// Journal returns the release events so far, in order. Entries are "queue@<device index>",
// "mem#<id>", "kernel#<id>", "program#<id>" and "context#<id>", where ids count objects of the
// same kind in creation order, starting from 0.
func (rt *Runtime) Journal() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]string(nil), rt.journal...)
}

// Autostarted returns the "<image>@<platform>.<device>" of every StartSymbol started so far.
func (rt *Runtime) Autostarted() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]string(nil), rt.autostarted...)
}

// HostStats returns the number of host regions allocated and freed so far.
func (rt *Runtime) HostStats() (allocated, freed int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.hostAllocs, rt.hostFrees
}

// WaitIdle blocks until no kernel is running, including autostarted ones.
func (rt *Runtime) WaitIdle() {
	rt.pool.WaitIdle()
}

// newID returns the next id for objects of the given kind.
func (rt *Runtime) newID(kind string) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	id := rt.nextID[kind]
	rt.nextID[kind] = id + 1
	return id
}

func (rt *Runtime) record(entry string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.journal = append(rt.journal, entry)
	klog.V(2).Infof("simulated: released %s", entry)
}

func (rt *Runtime) checkFinalized(op string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.finalized {
		return errors.WithMessage(runtime.NewError(op, runtime.InvalidPlatform), "simulated runtime already finalized")
	}
	return nil
}

// Platforms implements runtime.Runtime.
func (rt *Runtime) Platforms() ([]runtime.PlatformID, error) {
	if err := rt.faults.check(OpGetPlatformIDs); err != nil {
		return nil, err
	}
	if err := rt.checkFinalized(OpGetPlatformIDs); err != nil {
		return nil, err
	}
	platforms := make([]runtime.PlatformID, len(rt.devicesPerPlatform))
	for ii := range platforms {
		platforms[ii] = runtime.PlatformID(ii)
	}
	return platforms, nil
}

// Devices implements runtime.Runtime.
func (rt *Runtime) Devices(platform runtime.PlatformID) ([]runtime.DeviceID, error) {
	if err := rt.faults.check(OpGetDeviceIDs); err != nil {
		return nil, err
	}
	if err := rt.checkFinalized(OpGetDeviceIDs); err != nil {
		return nil, err
	}
	if platform < 0 || int(platform) >= len(rt.devicesPerPlatform) {
		return nil, runtime.NewError(OpGetDeviceIDs, runtime.InvalidPlatform)
	}
	n := rt.devicesPerPlatform[platform]
	if n == 0 {
		return nil, runtime.NewError(OpGetDeviceIDs, runtime.DeviceNotFound)
	}
	devices := make([]runtime.DeviceID, n)
	for ii := range devices {
		devices[ii] = runtime.DeviceID{Platform: platform, Index: ii}
	}
	return devices, nil
}

func (rt *Runtime) validDevice(device runtime.DeviceID) bool {
	return device.Platform >= 0 && int(device.Platform) < len(rt.devicesPerPlatform) &&
		device.Index >= 0 && device.Index < rt.devicesPerPlatform[device.Platform]
}

// CreateContext implements runtime.Runtime.
func (rt *Runtime) CreateContext(devices []runtime.DeviceID) (runtime.Context, error) {
	if err := rt.faults.check(OpCreateContext); err != nil {
		return nil, err
	}
	if err := rt.checkFinalized(OpCreateContext); err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, runtime.NewError(OpCreateContext, runtime.InvalidValue)
	}
	c := &simContext{rt: rt, id: rt.newID("context"), devices: make(map[runtime.DeviceID]bool, len(devices))}
	for _, device := range devices {
		if !rt.validDevice(device) {
			return nil, runtime.NewError(OpCreateContext, runtime.InvalidDevice)
		}
		c.devices[device] = true
	}
	rt.mu.Lock()
	rt.liveContexts++
	rt.mu.Unlock()
	return c, nil
}

// AllocHost implements runtime.Runtime. The memory is filled with garbage.
func (rt *Runtime) AllocHost(size int) (*runtime.HostRegion, error) {
	if err := rt.faults.check(OpAllocHost); err != nil {
		return nil, err
	}
	if size <= 0 || size%PageSize != 0 {
		return nil, errors.WithMessagef(runtime.NewError(OpAllocHost, runtime.InvalidValue),
			"size %d is not a positive multiple of the page size %d", size, PageSize)
	}
	raw := make([]byte, size+PageSize)
	offset := (PageSize - int(uintptr(unsafe.Pointer(&raw[0]))%PageSize)) % PageSize
	data := raw[offset : offset+size : offset+size]
	for ii := range data {
		data[ii] = garbage
	}
	rt.mu.Lock()
	rt.hostAllocs++
	rt.mu.Unlock()
	return runtime.NewHostRegion(data, func() {
		rt.mu.Lock()
		rt.hostFrees++
		rt.mu.Unlock()
	}), nil
}

// WaitForEvents implements runtime.Runtime.
//
// If any of the kernels failed (returned an error or panicked), it returns an error with code
// runtime.ExecStatusErrorForEventsInWaitList, after all events completed.
func (rt *Runtime) WaitForEvents(events []runtime.Event) error {
	if err := rt.faults.check(OpWaitForEvents); err != nil {
		return err
	}
	if len(events) == 0 {
		return runtime.NewError(OpWaitForEvents, runtime.InvalidValue)
	}
	var firstErr error
	for _, e := range events {
		ev, ok := e.(*event)
		if !ok || ev == nil {
			return runtime.NewError(OpWaitForEvents, runtime.InvalidEvent)
		}
		if err := ev.latch.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return errors.WithMessagef(runtime.NewError(OpWaitForEvents, runtime.ExecStatusErrorForEventsInWaitList),
			"%v", firstErr)
	}
	return nil
}

// Finalize implements runtime.Runtime.
func (rt *Runtime) Finalize() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.liveContexts > 0 {
		klog.V(1).Infof("simulated: finalized with %d contexts not released", rt.liveContexts)
	}
	rt.finalized = true
}
