// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build elcorecl

// Package elcorecl implements the runtime.Runtime interface on top of the ElcoreCL C library (libelcorecl),
// available on the ELcore-50/RISC1 systems-on-chip.
//
// It is only built with the "elcorecl" build tag, and requires the ElcoreCL headers and library: see
// CGO_CFLAGS and CGO_LDFLAGS to point to non-standard locations.
//
// It registers itself as "elcorecl". There are no configurations, the string is ignored.
package elcorecl

/*
#cgo LDFLAGS: -lelcorecl
#include <stdint.h>
#include <stdlib.h>
#include <elcorecl/elcorecl.h>

extern void eclrunMemDestructor(ecl_mem mem, void *userData);

static ecl_int eclrunSetDestructor(ecl_mem mem, uintptr_t handle) {
	return eclSetMemObjectDestructorCallback(mem, eclrunMemDestructor, (void *)handle);
}

static void *eclrunAllocAlign(size_t align, size_t size) {
	void *p = NULL;
	if (posix_memalign(&p, align, size) != 0) {
		return NULL;
	}
	return p;
}
*/
import "C"

import (
	"os"
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/gomlx/eclrun/runtime"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RuntimeName to be used in ECLRUN_RUNTIME to select this runtime.
const RuntimeName = "elcorecl"

func init() {
	runtime.Register(RuntimeName, New)
}

// New returns the ElcoreCL runtime. The config is ignored.
func New(_ string) (runtime.Runtime, error) {
	return &Runtime{pageSize: os.Getpagesize(), devices: make(map[runtime.PlatformID][]C.ecl_device_id)}, nil
}

// Runtime implements runtime.Runtime with libelcorecl.
type Runtime struct {
	pageSize int

	mu        sync.Mutex
	platforms []C.ecl_platform_id
	devices   map[runtime.PlatformID][]C.ecl_device_id
}

var _ runtime.Runtime = &Runtime{}

func check(op string, code C.ecl_int) error {
	if code != C.ECL_SUCCESS {
		return runtime.NewError(op, runtime.Code(code))
	}
	return nil
}

// Name implements runtime.Runtime.
func (rt *Runtime) Name() string { return RuntimeName }

// Description implements runtime.Runtime.
func (rt *Runtime) Description() string { return "ElcoreCL (libelcorecl)" }

// PageSize implements runtime.Runtime.
func (rt *Runtime) PageSize() int { return rt.pageSize }

// Platforms implements runtime.Runtime.
func (rt *Runtime) Platforms() ([]runtime.PlatformID, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.lockedLoadPlatforms(); err != nil {
		return nil, err
	}
	ids := make([]runtime.PlatformID, len(rt.platforms))
	for ii := range ids {
		ids[ii] = runtime.PlatformID(ii)
	}
	return ids, nil
}

func (rt *Runtime) lockedLoadPlatforms() error {
	if rt.platforms != nil {
		return nil
	}
	var n C.ecl_uint
	if err := check("eclGetPlatformIDs", C.eclGetPlatformIDs(0, nil, &n)); err != nil {
		return err
	}
	if n == 0 {
		return runtime.NewError("eclGetPlatformIDs", runtime.InvalidPlatform)
	}
	platforms := make([]C.ecl_platform_id, n)
	if err := check("eclGetPlatformIDs", C.eclGetPlatformIDs(n, &platforms[0], nil)); err != nil {
		return err
	}
	rt.platforms = platforms
	return nil
}

// Devices implements runtime.Runtime.
func (rt *Runtime) Devices(platform runtime.PlatformID) ([]runtime.DeviceID, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	devices, err := rt.lockedDevices(platform)
	if err != nil {
		return nil, err
	}
	ids := make([]runtime.DeviceID, len(devices))
	for ii := range ids {
		ids[ii] = runtime.DeviceID{Platform: platform, Index: ii}
	}
	return ids, nil
}

func (rt *Runtime) lockedDevices(platform runtime.PlatformID) ([]C.ecl_device_id, error) {
	if devices, found := rt.devices[platform]; found {
		return devices, nil
	}
	if err := rt.lockedLoadPlatforms(); err != nil {
		return nil, err
	}
	if platform < 0 || int(platform) >= len(rt.platforms) {
		return nil, runtime.NewError("eclGetDeviceIDs", runtime.InvalidPlatform)
	}
	var n C.ecl_uint
	err := check("eclGetDeviceIDs", C.eclGetDeviceIDs(rt.platforms[platform], C.ECL_DEVICE_TYPE_CUSTOM, 0, nil, &n))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, runtime.NewError("eclGetDeviceIDs", runtime.DeviceNotFound)
	}
	devices := make([]C.ecl_device_id, n)
	err = check("eclGetDeviceIDs", C.eclGetDeviceIDs(rt.platforms[platform], C.ECL_DEVICE_TYPE_CUSTOM, n, &devices[0], nil))
	if err != nil {
		return nil, err
	}
	rt.devices[platform] = devices
	return devices, nil
}

func (rt *Runtime) cDevices(op string, ids []runtime.DeviceID) ([]C.ecl_device_id, error) {
	if len(ids) == 0 {
		return nil, runtime.NewError(op, runtime.InvalidValue)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	cDevices := make([]C.ecl_device_id, len(ids))
	for ii, id := range ids {
		devices, err := rt.lockedDevices(id.Platform)
		if err != nil {
			return nil, err
		}
		if id.Index < 0 || id.Index >= len(devices) {
			return nil, runtime.NewError(op, runtime.InvalidDevice)
		}
		cDevices[ii] = devices[id.Index]
	}
	return cDevices, nil
}

// CreateContext implements runtime.Runtime.
func (rt *Runtime) CreateContext(ids []runtime.DeviceID) (runtime.Context, error) {
	devices, err := rt.cDevices("eclCreateContext", ids)
	if err != nil {
		return nil, err
	}
	var result C.ecl_int
	c := C.eclCreateContext(nil, C.ecl_uint(len(devices)), &devices[0], nil, nil, &result)
	if c == nil || result != C.ECL_SUCCESS {
		return nil, runtime.NewError("eclCreateContext", runtime.Code(result))
	}
	return &eclContext{rt: rt, c: c}, nil
}

// AllocHost implements runtime.Runtime, with posix_memalign.
func (rt *Runtime) AllocHost(size int) (*runtime.HostRegion, error) {
	if size <= 0 || size%rt.pageSize != 0 {
		return nil, runtime.NewError("posix_memalign", runtime.InvalidValue)
	}
	p := C.eclrunAllocAlign(C.size_t(rt.pageSize), C.size_t(size))
	if p == nil {
		return nil, errors.WithMessage(runtime.NewError("posix_memalign", runtime.OutOfHostMemory),
			"memory allocation failed")
	}
	return runtime.NewHostRegion(unsafe.Slice((*byte)(p), size), func() { C.free(p) }), nil
}

// WaitForEvents implements runtime.Runtime.
func (rt *Runtime) WaitForEvents(events []runtime.Event) error {
	if len(events) == 0 {
		return runtime.NewError("eclWaitForEvents", runtime.InvalidValue)
	}
	cEvents := make([]C.ecl_event, len(events))
	for ii, e := range events {
		ev, ok := e.(*eclEvent)
		if !ok {
			return runtime.NewError("eclWaitForEvents", runtime.InvalidEvent)
		}
		cEvents[ii] = ev.e
	}
	return check("eclWaitForEvents", C.eclWaitForEvents(C.ecl_uint(len(cEvents)), &cEvents[0]))
}

// Finalize implements runtime.Runtime. The library has no global state to release.
func (rt *Runtime) Finalize() {
	klog.V(2).Infof("elcorecl: finalized")
}

type eclContext struct {
	rt *Runtime
	c  C.ecl_context
}

func (c *eclContext) CreateProgramWithBinary(ids []runtime.DeviceID, binary []byte) (runtime.Program, error) {
	devices, err := c.rt.cDevices("eclCreateProgramWithBinary", ids)
	if err != nil {
		return nil, err
	}
	if len(binary) == 0 {
		return nil, runtime.NewError("eclCreateProgramWithBinary", runtime.InvalidBinary)
	}
	// The binary pointers handed to C must live in C memory.
	cBinary := C.CBytes(binary)
	defer C.free(cBinary)
	n := len(devices)
	sizes := make([]C.size_t, n)
	binaries := make([]*C.uchar, n)
	for ii := range devices {
		sizes[ii] = C.size_t(len(binary))
		binaries[ii] = (*C.uchar)(cBinary)
	}
	var result C.ecl_int
	p := C.eclCreateProgramWithBinary(c.c, C.ecl_uint(n), &devices[0], &sizes[0], &binaries[0], nil, &result)
	if p == nil || result != C.ECL_SUCCESS {
		return nil, runtime.NewError("eclCreateProgramWithBinary", runtime.Code(result))
	}
	return &eclProgram{p: p}, nil
}

func (c *eclContext) CreateBuffer(host *runtime.HostRegion) (runtime.Mem, error) {
	if host == nil || host.Freed() || host.Size() == 0 {
		return nil, runtime.NewError("eclCreateBuffer", runtime.InvalidHostPtr)
	}
	var result C.ecl_int
	m := C.eclCreateBuffer(c.c, C.ECL_MEM_USE_HOST_PTR, C.size_t(host.Size()), unsafe.Pointer(&host.Bytes()[0]), &result)
	if m == nil || result != C.ECL_SUCCESS {
		return nil, runtime.NewError("eclCreateBuffer", runtime.Code(result))
	}
	return &eclMem{m: m, size: host.Size()}, nil
}

func (c *eclContext) CreateQueue(id runtime.DeviceID) (runtime.Queue, error) {
	devices, err := c.rt.cDevices("eclCreateCommandQueueWithProperties", []runtime.DeviceID{id})
	if err != nil {
		return nil, err
	}
	var result C.ecl_int
	q := C.eclCreateCommandQueueWithProperties(c.c, devices[0], nil, &result)
	if q == nil || result != C.ECL_SUCCESS {
		return nil, runtime.NewError("eclCreateCommandQueueWithProperties", runtime.Code(result))
	}
	return &eclQueue{q: q}, nil
}

func (c *eclContext) Release() error {
	return check("eclReleaseContext", C.eclReleaseContext(c.c))
}

type eclProgram struct {
	p C.ecl_program
}

func (p *eclProgram) CreateKernel(symbol string) (runtime.Kernel, error) {
	cSymbol := C.CString(symbol)
	defer C.free(unsafe.Pointer(cSymbol))
	var result C.ecl_int
	k := C.eclCreateKernel(p.p, cSymbol, &result)
	if k == nil || result != C.ECL_SUCCESS {
		return nil, runtime.NewError("eclCreateKernel", runtime.Code(result))
	}
	return &eclKernel{k: k}, nil
}

func (p *eclProgram) Release() error {
	return check("eclReleaseProgram", C.eclReleaseProgram(p.p))
}

type eclKernel struct {
	k C.ecl_kernel
}

func (k *eclKernel) SetArgMem(index int, mem runtime.Mem) error {
	m, ok := mem.(*eclMem)
	if !ok {
		return runtime.NewError("eclSetKernelArgELcoreMem", runtime.InvalidMemObject)
	}
	return check("eclSetKernelArgELcoreMem", C.eclSetKernelArgELcoreMem(k.k, C.ecl_uint(index), m.m))
}

func (k *eclKernel) SetArgScalar(index int, value []byte) error {
	if len(value) == 0 {
		return runtime.NewError("eclSetKernelArg", runtime.InvalidArgValue)
	}
	return check("eclSetKernelArg",
		C.eclSetKernelArg(k.k, C.ecl_uint(index), C.size_t(len(value)), unsafe.Pointer(&value[0])))
}

func (k *eclKernel) Release() error {
	return check("eclReleaseKernel", C.eclReleaseKernel(k.k))
}

type eclMem struct {
	m    C.ecl_mem
	size int
}

func (m *eclMem) Size() int { return m.size }

// SetDestructor implements runtime.Mem. fn is called from the library's thread.
func (m *eclMem) SetDestructor(fn func()) error {
	handle := cgo.NewHandle(fn)
	if err := check("eclSetMemObjectDestructorCallback", C.eclrunSetDestructor(m.m, C.uintptr_t(handle))); err != nil {
		handle.Delete()
		return err
	}
	return nil
}

func (m *eclMem) Release() error {
	return check("eclReleaseMemObject", C.eclReleaseMemObject(m.m))
}

type eclQueue struct {
	q C.ecl_command_queue
}

func (q *eclQueue) EnqueueTask(kernel runtime.Kernel) (runtime.Event, error) {
	k, ok := kernel.(*eclKernel)
	if !ok {
		return nil, runtime.NewError("eclEnqueueNDRangeKernel", runtime.InvalidKernel)
	}
	globalWorkSize := [1]C.size_t{1}
	var e C.ecl_event
	err := check("eclEnqueueNDRangeKernel",
		C.eclEnqueueNDRangeKernel(q.q, k.k, 1, nil, &globalWorkSize[0], nil, 0, nil, &e))
	if err != nil {
		return nil, err
	}
	return &eclEvent{e: e}, nil
}

func (q *eclQueue) MapRead(mem runtime.Mem, size int) ([]byte, error) {
	m, ok := mem.(*eclMem)
	if !ok {
		return nil, runtime.NewError("eclEnqueueMapBuffer", runtime.InvalidMemObject)
	}
	var result C.ecl_int
	p := C.eclEnqueueMapBuffer(q.q, m.m, C.ECL_TRUE, C.ECL_MAP_READ, 0, C.size_t(size), 0, nil, nil, &result)
	if p == nil || result != C.ECL_SUCCESS {
		return nil, runtime.NewError("eclEnqueueMapBuffer", runtime.Code(result))
	}
	return unsafe.Slice((*byte)(p), size), nil
}

func (q *eclQueue) Release() error {
	return check("eclReleaseCommandQueue", C.eclReleaseCommandQueue(q.q))
}

type eclEvent struct {
	e    C.ecl_event
	once sync.Once
	done chan struct{}
}

// Done implements runtime.Event. The first call starts a goroutine blocked on the event.
func (e *eclEvent) Done() <-chan struct{} {
	e.once.Do(func() {
		e.done = make(chan struct{})
		go func() {
			events := [1]C.ecl_event{e.e}
			if err := check("eclWaitForEvents", C.eclWaitForEvents(1, &events[0])); err != nil {
				klog.Warningf("elcorecl: waiting for event: %v", err)
			}
			close(e.done)
		}()
	})
	return e.done
}
