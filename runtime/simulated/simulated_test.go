// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simulated

import (
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/eclrun/pkg/core/kernelargs"
	"github.com/gomlx/eclrun/runtime"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBuffer allocates a page and registers it, with a destructor that frees the host region.
func newBuffer(t *testing.T, rt *Runtime, ctx runtime.Context) (runtime.Mem, *runtime.HostRegion) {
	host := must.M1(rt.AllocHost(PageSize))
	m := must.M1(ctx.CreateBuffer(host))
	require.NoError(t, m.SetDestructor(host.Free))
	return m, host
}

func TestNew(t *testing.T) {
	rt := must.M1(New(""))
	assert.Equal(t, RuntimeName, rt.Name())
	assert.Contains(t, rt.Description(), DefaultConfig)
	assert.Equal(t, []runtime.PlatformID{0, 1}, must.M1(rt.Platforms()))
	assert.Len(t, must.M1(rt.Devices(0)), 4)
	assert.Len(t, must.M1(rt.Devices(1)), 1)

	_, err := rt.Devices(2)
	assert.Equal(t, runtime.InvalidPlatform, runtime.CodeOf(err))

	rt = must.M1(New("2,0"))
	_, err = rt.Devices(1)
	assert.Equal(t, runtime.DeviceNotFound, runtime.CodeOf(err))

	_, err = New("2,x")
	require.Error(t, err)

	assert.True(t, runtime.Registered(RuntimeName))
	rtIface := must.M1(runtime.NewWithConfig("sim:3"))
	assert.Len(t, must.M1(rtIface.Devices(0)), 3)
}

func TestAllocHost(t *testing.T) {
	rt := must.M1(New(""))
	host := must.M1(rt.AllocHost(2 * PageSize))
	assert.Equal(t, 2*PageSize, host.Size())
	assert.Equal(t, byte(garbage), host.Bytes()[0], "memory is not zero-initialized")

	_, err := rt.AllocHost(100)
	assert.Equal(t, runtime.InvalidValue, runtime.CodeOf(err))

	host.Free()
	allocated, freed := rt.HostStats()
	assert.Equal(t, 1, allocated)
	assert.Equal(t, 1, freed)
}

func TestLaunch(t *testing.T) {
	rt := must.M1(New("4"))
	devices := must.M1(rt.Devices(0))
	ctx := must.M1(rt.CreateContext(devices))
	program := must.M1(ctx.CreateProgramWithBinary(devices, Binary("exit")))
	kernel := must.M1(program.CreateKernel(MainSymbol))

	argsMem, argsHost := newBuffer(t, rt, ctx)
	kernelargs.Encode(argsHost.Bytes(), []string{"k.elf", "0,7"})
	require.NoError(t, kernel.SetArgMem(0, argsMem))

	var events []runtime.Event
	var retvals []runtime.Mem
	var queues []runtime.Queue
	for _, device := range devices[:2] {
		retval, retvalHost := newBuffer(t, rt, ctx)
		clear(retvalHost.Bytes())
		queue := must.M1(ctx.CreateQueue(device))
		require.NoError(t, kernel.SetArgMem(1, retval))
		events = append(events, must.M1(queue.EnqueueTask(kernel)))
		retvals = append(retvals, retval)
		queues = append(queues, queue)
	}
	require.NoError(t, rt.WaitForEvents(events))
	for ii, queue := range queues {
		value := binary.LittleEndian.Uint32(must.M1(queue.MapRead(retvals[ii], 4)))
		assert.Equal(t, []uint32{0, 7}[ii], value)
		require.NoError(t, queue.Release())
	}
	require.NoError(t, argsMem.Release())
	assert.True(t, argsHost.Freed())
	require.NoError(t, kernel.Release())
	require.NoError(t, program.Release())
	require.NoError(t, ctx.Release())
	for _, retval := range retvals {
		require.NoError(t, retval.Release())
	}
	assert.Equal(t, []string{"queue@0", "queue@1", "mem#0", "kernel#0", "program#0", "context#0", "mem#1", "mem#2"},
		rt.Journal())
	allocated, freed := rt.HostStats()
	assert.Equal(t, 3, allocated)
	assert.Equal(t, 3, freed)

	// Double release.
	assert.Equal(t, runtime.InvalidContext, runtime.CodeOf(ctx.Release()))
}

func TestDestructorWaitsForRunningTasks(t *testing.T) {
	rt := must.M1(New("1"))
	devices := must.M1(rt.Devices(0))
	ctx := must.M1(rt.CreateContext(devices))
	program := must.M1(ctx.CreateProgramWithBinary(devices, Binary("spin")))
	kernel := must.M1(program.CreateKernel(MainSymbol))
	argsMem, argsHost := newBuffer(t, rt, ctx)
	kernelargs.Encode(argsHost.Bytes(), []string{"spin", "50ms"})
	retval, _ := newBuffer(t, rt, ctx)
	require.NoError(t, kernel.SetArgMem(0, argsMem))
	require.NoError(t, kernel.SetArgMem(1, retval))
	queue := must.M1(ctx.CreateQueue(devices[0]))
	ev := must.M1(queue.EnqueueTask(kernel))

	require.NoError(t, argsMem.Release())
	assert.False(t, argsHost.Freed(), "destructor must wait for the running task")
	require.NoError(t, rt.WaitForEvents([]runtime.Event{ev}))
	assert.True(t, argsHost.Freed())
}

func TestKernelFailures(t *testing.T) {
	rt := must.M1(New("2"))
	devices := must.M1(rt.Devices(0))
	ctx := must.M1(rt.CreateContext(devices))

	_, err := ctx.CreateProgramWithBinary(devices, []byte("\x7fELF"))
	assert.Equal(t, runtime.InvalidBinary, runtime.CodeOf(err))
	_, err = ctx.CreateProgramWithBinary(devices, Binary("no-such-image"))
	assert.Equal(t, runtime.InvalidBinary, runtime.CodeOf(err))

	program := must.M1(ctx.CreateProgramWithBinary(devices, Binary("panic")))
	_, err = program.CreateKernel("main")
	assert.Equal(t, runtime.InvalidKernelName, runtime.CodeOf(err))

	kernel := must.M1(program.CreateKernel(MainSymbol))
	argsMem, argsHost := newBuffer(t, rt, ctx)
	kernelargs.Encode(argsHost.Bytes(), nil)
	retval, _ := newBuffer(t, rt, ctx)
	require.NoError(t, kernel.SetArgMem(0, argsMem))

	queue := must.M1(ctx.CreateQueue(devices[1]))
	// Argument #1 missing while #2 set.
	require.NoError(t, kernel.SetArgScalar(2, []byte{1, 0, 0, 0}))
	_, err = queue.EnqueueTask(kernel)
	assert.Equal(t, runtime.InvalidArgValue, runtime.CodeOf(err))

	require.NoError(t, kernel.SetArgMem(1, retval))
	ev := must.M1(queue.EnqueueTask(kernel))
	err = rt.WaitForEvents([]runtime.Event{ev})
	require.Error(t, err)
	assert.Equal(t, runtime.ExecStatusErrorForEventsInWaitList, runtime.CodeOf(err))
	assert.Contains(t, err.Error(), "panic image called on core 1")

	assert.Equal(t, runtime.InvalidArgIndex, runtime.CodeOf(kernel.SetArgMem(MaxKernelArgs, retval)))
	require.NoError(t, retval.Release())
	assert.Equal(t, runtime.InvalidMemObject, runtime.CodeOf(kernel.SetArgMem(1, retval)))
}

func TestFaults(t *testing.T) {
	rt := must.M1(New("2"))
	rt.Faults().Inject(OpCreateCommandQueue, 2, runtime.OutOfResources)
	devices := must.M1(rt.Devices(0))
	ctx := must.M1(rt.CreateContext(devices))
	_ = must.M1(ctx.CreateQueue(devices[0]))
	_, err := ctx.CreateQueue(devices[1])
	require.Error(t, err)
	assert.True(t, errors.Is(err, runtime.ErrResource))
	assert.Equal(t, runtime.OutOfResources, runtime.CodeOf(err))
	assert.Contains(t, err.Error(), "function eclCreateCommandQueueWithProperties failed. Error code: -5")
	_ = must.M1(ctx.CreateQueue(devices[1]))
	assert.Equal(t, 3, rt.Faults().Calls(OpCreateCommandQueue))
}

func TestCompanionAutostart(t *testing.T) {
	var started atomic.Int32
	done := make(chan struct{})
	RegisterImage("companion-test", map[string]KernelFunc{
		StartSymbol: func(call *Call) error {
			started.Add(1)
			close(done)
			return nil
		},
	})
	rt := must.M1(New("2,1"))
	primary := must.M1(rt.Devices(0))
	companion := must.M1(rt.Devices(1))
	ctx := must.M1(rt.CreateContext(companion))

	// Loading on DSP cores doesn't start anything.
	dspCtx := must.M1(rt.CreateContext(primary))
	_ = must.M1(dspCtx.CreateProgramWithBinary(primary, Binary("companion-test")))
	assert.Empty(t, rt.Autostarted())

	_ = must.M1(ctx.CreateProgramWithBinary(companion, Binary("companion-test")))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("companion program was not started")
	}
	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, []string{"companion-test@1.0"}, rt.Autostarted())
}

func TestSharedMemory(t *testing.T) {
	rt := must.M1(New("3"))
	devices := must.M1(rt.Devices(0))
	ctx := must.M1(rt.CreateContext(devices))
	program := must.M1(ctx.CreateProgramWithBinary(devices, Binary("mark")))
	kernel := must.M1(program.CreateKernel(SharedMainSymbol))
	argsMem, argsHost := newBuffer(t, rt, ctx)
	kernelargs.Encode(argsHost.Bytes(), []string{"mark"})
	sharedMem, sharedHost := newBuffer(t, rt, ctx)
	clear(sharedHost.Bytes())
	size := make([]byte, 4)
	binary.LittleEndian.PutUint32(size, PageSize)
	require.NoError(t, kernel.SetArgMem(0, argsMem))
	require.NoError(t, kernel.SetArgMem(2, sharedMem))
	require.NoError(t, kernel.SetArgScalar(3, size))
	var events []runtime.Event
	for _, device := range devices {
		retval, _ := newBuffer(t, rt, ctx)
		require.NoError(t, kernel.SetArgMem(1, retval))
		queue := must.M1(ctx.CreateQueue(device))
		events = append(events, must.M1(queue.EnqueueTask(kernel)))
	}
	require.NoError(t, rt.WaitForEvents(events))
	assert.Equal(t, []byte{1, 2, 3, 0}, sharedHost.Bytes()[:4])
}
