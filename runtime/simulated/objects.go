// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simulated

import (
	"fmt"
	"sync"

	"github.com/gomlx/eclrun/pkg/support/xsync"
	"github.com/gomlx/eclrun/runtime"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// simContext implements runtime.Context.
type simContext struct {
	rt       *Runtime
	id       int
	devices  map[runtime.DeviceID]bool
	mu       sync.Mutex
	released bool
}

func (c *simContext) isReleased() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

func (c *simContext) CreateProgramWithBinary(devices []runtime.DeviceID, binary []byte) (runtime.Program, error) {
	if err := c.rt.faults.check(OpCreateProgramWithBinary); err != nil {
		return nil, err
	}
	if c.isReleased() {
		return nil, runtime.NewError(OpCreateProgramWithBinary, runtime.InvalidContext)
	}
	if len(devices) == 0 {
		return nil, runtime.NewError(OpCreateProgramWithBinary, runtime.InvalidValue)
	}
	for _, device := range devices {
		if !c.devices[device] {
			return nil, runtime.NewError(OpCreateProgramWithBinary, runtime.InvalidDevice)
		}
	}
	image, symbols, err := parseBinary(binary)
	if err != nil {
		return nil, err
	}
	p := &program{ctx: c, id: c.rt.newID("program"), image: image, symbols: symbols}
	if start, found := symbols[StartSymbol]; found {
		for _, device := range devices {
			if device.Platform > 0 {
				c.rt.autostart(image, start, device)
			}
		}
	}
	return p, nil
}

// autostart runs the start symbol of a program on device, without an event: nobody waits for it.
func (rt *Runtime) autostart(image string, start KernelFunc, device runtime.DeviceID) {
	rt.mu.Lock()
	rt.autostarted = append(rt.autostarted, fmt.Sprintf("%s@%d.%d", image, device.Platform, device.Index))
	rt.mu.Unlock()
	go rt.pool.WaitToStart(func() {
		if err := runKernel(start, &Call{Device: device}); err != nil {
			klog.Warningf("simulated: %s of image %q on device %d.%d failed: %+v",
				StartSymbol, image, device.Platform, device.Index, err)
		}
	})
}

func (c *simContext) CreateBuffer(host *runtime.HostRegion) (runtime.Mem, error) {
	if err := c.rt.faults.check(OpCreateBuffer); err != nil {
		return nil, err
	}
	if c.isReleased() {
		return nil, runtime.NewError(OpCreateBuffer, runtime.InvalidContext)
	}
	if host == nil || host.Freed() {
		return nil, runtime.NewError(OpCreateBuffer, runtime.InvalidHostPtr)
	}
	if host.Size() == 0 {
		return nil, runtime.NewError(OpCreateBuffer, runtime.InvalidValue)
	}
	return &mem{rt: c.rt, id: c.rt.newID("mem"), host: host, size: host.Size()}, nil
}

func (c *simContext) CreateQueue(device runtime.DeviceID) (runtime.Queue, error) {
	if err := c.rt.faults.check(OpCreateCommandQueue); err != nil {
		return nil, err
	}
	if c.isReleased() {
		return nil, runtime.NewError(OpCreateCommandQueue, runtime.InvalidContext)
	}
	if !c.devices[device] {
		return nil, runtime.NewError(OpCreateCommandQueue, runtime.InvalidDevice)
	}
	return &queue{rt: c.rt, device: device}, nil
}

func (c *simContext) Release() error {
	if err := c.rt.faults.check(OpReleaseContext); err != nil {
		return err
	}
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return runtime.NewError(OpReleaseContext, runtime.InvalidContext)
	}
	c.released = true
	c.mu.Unlock()
	c.rt.mu.Lock()
	c.rt.liveContexts--
	c.rt.mu.Unlock()
	c.rt.record(fmt.Sprintf("context#%d", c.id))
	return nil
}

// program implements runtime.Program.
type program struct {
	ctx      *simContext
	id       int
	image    string
	symbols  map[string]KernelFunc
	mu       sync.Mutex
	released bool
}

func (p *program) CreateKernel(symbol string) (runtime.Kernel, error) {
	if err := p.ctx.rt.faults.check(OpCreateKernel); err != nil {
		return nil, err
	}
	p.mu.Lock()
	released := p.released
	p.mu.Unlock()
	if released {
		return nil, runtime.NewError(OpCreateKernel, runtime.InvalidProgram)
	}
	fn, found := p.symbols[symbol]
	if !found {
		return nil, errors.WithMessagef(runtime.NewError(OpCreateKernel, runtime.InvalidKernelName),
			"symbol %q not found in image %q", symbol, p.image)
	}
	return &kernel{rt: p.ctx.rt, id: p.ctx.rt.newID("kernel"), symbol: symbol, fn: fn}, nil
}

func (p *program) Release() error {
	if err := p.ctx.rt.faults.check(OpReleaseProgram); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return runtime.NewError(OpReleaseProgram, runtime.InvalidProgram)
	}
	p.released = true
	p.ctx.rt.record(fmt.Sprintf("program#%d", p.id))
	return nil
}

// kernel implements runtime.Kernel.
type kernel struct {
	rt       *Runtime
	id       int
	symbol   string
	fn       KernelFunc
	mu       sync.Mutex
	args     [MaxKernelArgs]callArg
	released bool
}

func (k *kernel) setArg(op string, index int, arg callArg) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return runtime.NewError(op, runtime.InvalidKernel)
	}
	if index < 0 || index >= MaxKernelArgs {
		return runtime.NewError(op, runtime.InvalidArgIndex)
	}
	k.args[index] = arg
	return nil
}

func (k *kernel) SetArgMem(index int, m runtime.Mem) error {
	if err := k.rt.faults.check(OpSetKernelArgMem); err != nil {
		return err
	}
	simMem, ok := m.(*mem)
	if !ok || simMem == nil || simMem.isReleased() {
		return runtime.NewError(OpSetKernelArgMem, runtime.InvalidMemObject)
	}
	return k.setArg(OpSetKernelArgMem, index, callArg{mem: simMem})
}

func (k *kernel) SetArgScalar(index int, value []byte) error {
	if err := k.rt.faults.check(OpSetKernelArg); err != nil {
		return err
	}
	if len(value) == 0 {
		return runtime.NewError(OpSetKernelArg, runtime.InvalidArgValue)
	}
	return k.setArg(OpSetKernelArg, index, callArg{scalar: append([]byte(nil), value...)})
}

// capture the bound arguments: they must be contiguous from index 0.
func (k *kernel) capture() ([]callArg, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return nil, runtime.NewError(OpEnqueueTask, runtime.InvalidKernel)
	}
	n := 0
	for n < MaxKernelArgs && (k.args[n].mem != nil || k.args[n].scalar != nil) {
		n++
	}
	for ii := n; ii < MaxKernelArgs; ii++ {
		if k.args[ii].mem != nil || k.args[ii].scalar != nil {
			return nil, errors.WithMessagef(runtime.NewError(OpEnqueueTask, runtime.InvalidArgValue),
				"kernel argument #%d not set", n)
		}
	}
	return append([]callArg(nil), k.args[:n]...), nil
}

func (k *kernel) Release() error {
	if err := k.rt.faults.check(OpReleaseKernel); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return runtime.NewError(OpReleaseKernel, runtime.InvalidKernel)
	}
	k.released = true
	k.rt.record(fmt.Sprintf("kernel#%d", k.id))
	return nil
}

// mem implements runtime.Mem.
//
// Its destructor runs when it is released and no running task uses it anymore.
type mem struct {
	rt   *Runtime
	id   int
	host *runtime.HostRegion
	size int

	mu         sync.Mutex
	users      int
	released   bool
	destructor func()
}

func (m *mem) Size() int { return m.size }

func (m *mem) isReleased() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

func (m *mem) SetDestructor(fn func()) error {
	if err := m.rt.faults.check(OpSetDestructor); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return runtime.NewError(OpSetDestructor, runtime.InvalidMemObject)
	}
	if fn == nil {
		return runtime.NewError(OpSetDestructor, runtime.InvalidValue)
	}
	m.destructor = fn
	return nil
}

func (m *mem) use() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users++
}

func (m *mem) unuse() {
	m.mu.Lock()
	m.users--
	destructor := m.takeDestructorLocked()
	m.mu.Unlock()
	if destructor != nil {
		destructor()
	}
}

// takeDestructorLocked returns the destructor if it is time to run it, and clears it so it runs only once.
func (m *mem) takeDestructorLocked() func() {
	if !m.released || m.users > 0 {
		return nil
	}
	destructor := m.destructor
	m.destructor = nil
	return destructor
}

func (m *mem) Release() error {
	if err := m.rt.faults.check(OpReleaseMemObject); err != nil {
		return err
	}
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return runtime.NewError(OpReleaseMemObject, runtime.InvalidMemObject)
	}
	m.released = true
	destructor := m.takeDestructorLocked()
	m.mu.Unlock()
	m.rt.record(fmt.Sprintf("mem#%d", m.id))
	if destructor != nil {
		destructor()
	}
	return nil
}

// queue implements runtime.Queue.
type queue struct {
	rt     *Runtime
	device runtime.DeviceID

	mu       sync.Mutex
	last     *event
	released bool
}

func (q *queue) EnqueueTask(k runtime.Kernel) (runtime.Event, error) {
	if err := q.rt.faults.check(OpEnqueueTask); err != nil {
		return nil, err
	}
	simKernel, ok := k.(*kernel)
	if !ok || simKernel == nil {
		return nil, runtime.NewError(OpEnqueueTask, runtime.InvalidKernel)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return nil, runtime.NewError(OpEnqueueTask, runtime.InvalidCommandQueue)
	}
	args, err := simKernel.capture()
	if err != nil {
		return nil, err
	}
	for _, arg := range args {
		if arg.mem != nil {
			arg.mem.use()
		}
	}
	ev := &event{latch: xsync.NewLatchWithValue[error]()}
	previous := q.last
	q.last = ev
	call := &Call{Device: q.device, args: args}
	go func() {
		if previous != nil {
			previous.latch.Wait()
		}
		q.rt.pool.WaitToStart(func() {
			err := runKernel(simKernel.fn, call)
			if err != nil {
				klog.V(1).Infof("simulated: task %q on device %d.%d failed: %v",
					simKernel.symbol, q.device.Platform, q.device.Index, err)
			}
			for _, arg := range args {
				if arg.mem != nil {
					arg.mem.unuse()
				}
			}
			ev.latch.Trigger(err)
		})
	}()
	return ev, nil
}

func (q *queue) MapRead(m runtime.Mem, size int) ([]byte, error) {
	if err := q.rt.faults.check(OpEnqueueMapBuffer); err != nil {
		return nil, err
	}
	simMem, ok := m.(*mem)
	if !ok || simMem == nil || simMem.isReleased() {
		return nil, runtime.NewError(OpEnqueueMapBuffer, runtime.InvalidMemObject)
	}
	if size < 0 || size > simMem.size {
		return nil, runtime.NewError(OpEnqueueMapBuffer, runtime.InvalidValue)
	}
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return nil, runtime.NewError(OpEnqueueMapBuffer, runtime.InvalidCommandQueue)
	}
	last := q.last
	q.mu.Unlock()
	if last != nil {
		last.latch.Wait()
	}
	return simMem.host.Bytes()[:size:size], nil
}

func (q *queue) Release() error {
	if err := q.rt.faults.check(OpReleaseCommandQueue); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return runtime.NewError(OpReleaseCommandQueue, runtime.InvalidCommandQueue)
	}
	q.released = true
	q.rt.record(fmt.Sprintf("queue@%d", q.device.Index))
	return nil
}

// event implements runtime.Event. Its latch holds the error of the task, if any.
type event struct {
	latch *xsync.LatchWithValue[error]
}

func (e *event) Done() <-chan struct{} {
	return e.latch.WaitChan()
}
