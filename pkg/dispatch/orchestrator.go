// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dispatch launches one kernel concurrently on a set of accelerator cores and aggregates the
// per-core results into a single exit status.
//
// The flow of Orchestrator.Run is: read binaries, enumerate devices and resolve the cores, create
// context, program, kernel and buffers, signal and/or wait for sync files, fan-out the launches
// (Launcher), load companion programs, join and read back results (Collect), and release everything
// in a fixed order (Reaper).
//
// Failures during setup and fan-out release what was acquired so far. Failures during teardown are
// terminal: the remaining objects are left to the process exit.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gomlx/eclrun/internal/scoped"
	"github.com/gomlx/eclrun/pkg/core/kernelargs"
	"github.com/gomlx/eclrun/pkg/core/syncfile"
	"github.com/gomlx/eclrun/pkg/support/fsutil"
	"github.com/gomlx/eclrun/runtime"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Report of a completed run.
type Report struct {
	RunID   uuid.UUID
	Runtime string

	// NDevs is the number of devices of the primary platform.
	NDevs int

	// Cores launched, and their returned values, in the same order.
	Cores  []int
	Values []uint32

	// Entry symbol of the kernel.
	Entry string

	// ArgsSize and SharedSize are the page-aligned sizes of the buffers. ArgsLogicalSize is the size
	// of the packed arguments.
	ArgsSize, ArgsLogicalSize, SharedSize int

	// Companions are the binaries loaded on companion device classes.
	Companions []string

	Elapsed time.Duration
}

// ExitStatus is the first nonzero value returned, in core order, or 0.
func (r *Report) ExitStatus() int {
	for _, value := range r.Values {
		if value != 0 {
			return int(value)
		}
	}
	return 0
}

// FailedCore returns the first core that returned a nonzero value.
func (r *Report) FailedCore() (core int, found bool) {
	for ii, value := range r.Values {
		if value != 0 {
			return r.Cores[ii], true
		}
	}
	return 0, false
}

// Orchestrator runs a launch plan on a runtime.
type Orchestrator struct {
	rt     runtime.Runtime
	cfg    Config
	stdout io.Writer
}

// New validates the configuration and returns an Orchestrator for it.
func New(rt runtime.Runtime, cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	return &Orchestrator{rt: rt, cfg: cfg, stdout: stdout}, nil
}

// readBinary reads a whole kernel binary.
func readBinary(path string) ([]byte, error) {
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "failed to open %s: %v", path, err)
	}
	if !exists {
		return nil, errors.Wrapf(ErrIO, "failed to open %s: file does not exist", path)
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "failed to read %s: %v", path, err)
	}
	return contents, nil
}

// devicesOf returns the devices of the platform, after checking the platform is enumerated.
func devicesOf(rt runtime.Runtime, platforms []runtime.PlatformID, platform runtime.PlatformID) ([]runtime.DeviceID, error) {
	found := false
	for _, p := range platforms {
		found = found || p == platform
	}
	if !found {
		return nil, errors.Wrapf(runtime.ErrDeviceEnumeration, "failed platform number %d (%d platforms available)",
			platform, len(platforms))
	}
	devices, err := rt.Devices(platform)
	if err != nil {
		return nil, errors.Wrapf(runtime.ErrDeviceEnumeration, "failed to get device id of platform %d: %v", platform, err)
	}
	return devices, nil
}

type companion struct {
	class   *ClassConfig
	binary  []byte
	devices []runtime.DeviceID
	ctx     runtime.Context
}

// Run the launch plan.
//
// It returns a Report when all cores were launched, joined and the teardown succeeded, even if some
// cores returned nonzero values: see Report.ExitStatus. Any other failure is returned as an error,
// matching (with errors.Is) one of coreset.ErrParse, runtime.ErrDeviceEnumeration, runtime.ErrResource,
// ErrIO, ErrConfig or ErrSync.
//
// The context only interrupts the wait for the sync file.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	cfg := &o.cfg
	report := &Report{RunID: uuid.New(), Runtime: o.rt.Name(), Entry: cfg.Entry()}
	klog.V(1).Infof("run %s: runtime %q, entry %q", report.RunID, report.Runtime, report.Entry)

	// Binaries are read before any runtime object is created.
	primaryBinary, err := readBinary(cfg.Primary().Binary)
	if err != nil {
		return nil, err
	}
	companions := make([]*companion, 0, len(cfg.Classes)-1)
	for ii := 1; ii < len(cfg.Classes); ii++ {
		c := &companion{class: &cfg.Classes[ii]}
		if c.binary, err = readBinary(c.class.Binary); err != nil {
			return nil, err
		}
		companions = append(companions, c)
	}

	// Devices and cores.
	platforms, err := o.rt.Platforms()
	if err != nil {
		return nil, errors.Wrapf(runtime.ErrDeviceEnumeration, "failed to get platform id: %v", err)
	}
	allDevices, err := devicesOf(o.rt, platforms, cfg.Primary().Platform)
	if err != nil {
		return nil, err
	}
	report.NDevs = len(allDevices)
	cores, err := cfg.Cores.Resolve(len(allDevices))
	if err != nil {
		return nil, err
	}
	for _, c := range companions {
		if c.devices, err = devicesOf(o.rt, platforms, c.class.Platform); err != nil {
			return nil, err
		}
		c.devices = c.devices[:1]
	}
	selected := make([]runtime.DeviceID, len(cores))
	for ii, core := range cores {
		selected[ii] = allDevices[core]
	}
	report.Cores = cores
	_, _ = fmt.Fprintf(o.stdout, "ncores=%d ndevs=%d\n", len(cores), len(allDevices))

	// Runtime objects, released in reverse order if anything fails before the launches are joined.
	var scope scoped.Releaser
	defer scope.Unwind()

	rtCtx, err := o.rt.CreateContext(selected)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create context")
	}
	scope.Push("context", rtCtx.Release)
	for _, c := range companions {
		// Companion contexts are never released: their programs keep running after the process exits.
		if c.ctx, err = o.rt.CreateContext(c.devices); err != nil {
			return nil, errors.WithMessagef(err, "failed to create context for platform %d", c.class.Platform)
		}
	}
	program, err := rtCtx.CreateProgramWithBinary(selected, primaryBinary)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create program")
	}
	scope.Push("program", program.Release)
	kernel, err := program.CreateKernel(report.Entry)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create kernel %q", report.Entry)
	}
	scope.Push("kernel", kernel.Release)

	binder := NewBinder(o.rt, rtCtx)
	var shared *DeviceBuffer
	if cfg.SharedSize > 0 {
		if shared, err = binder.Create(cfg.SharedSize, true); err != nil {
			return nil, errors.WithMessage(err, "failed to create shared buffer")
		}
		scope.Push("shared buffer", shared.Release)
		report.SharedSize = shared.Size()
	}
	argv := append([]string{cfg.Primary().Binary}, cfg.KernelArgs...)
	argsHost, argsLogicalSize, err := kernelargs.PackInto(binder, argv)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to allocate buffer for argc/argv")
	}
	args, err := binder.Bind(argsHost)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create buffer for argc/argv")
	}
	scope.Push("arguments buffer", args.Release)
	report.ArgsSize, report.ArgsLogicalSize = args.Size(), argsLogicalSize

	// Startup ordering with other processes.
	if cfg.InitSyncFile != "" {
		syncfile.Signal(ctx, cfg.InitSyncFile)
	}
	if cfg.WaitForFile != "" {
		_, _ = fmt.Fprintln(o.stdout, "wait_for_sync: waiting for sync")
		result := syncfile.Wait(ctx, cfg.WaitForFile, syncfile.WaitOptions{Timeout: cfg.WaitTimeout})
		if result != syncfile.Ready {
			return nil, errors.Wrapf(ErrSync, "waiting for %q: %s", cfg.WaitForFile, result)
		}
	}
	if cfg.OnSynced != nil {
		cfg.OnSynced()
	}

	// Fan-out: on failure the launcher releases the queues and retval buffers itself.
	launcher := &Launcher{
		Binder: binder, Ctx: rtCtx, Kernel: kernel,
		Args: args, Shared: shared, SharedSize: report.SharedSize,
		Stdout: o.stdout,
	}
	records, err := launcher.Launch(cores, selected)
	if err != nil {
		return nil, err
	}
	scope.Push("launches", func() error {
		UnwindRecords(records)
		return nil
	})

	// Companions run concurrently with the primary kernels, and are not joined.
	for _, c := range companions {
		if _, err = c.ctx.CreateProgramWithBinary(c.devices, c.binary); err != nil {
			return nil, errors.WithMessagef(err, "failed to create program for platform %d", c.class.Platform)
		}
		report.Companions = append(report.Companions, c.class.Binary)
		klog.V(1).Infof("loaded companion %q on platform %d", c.class.Binary, c.class.Platform)
	}

	// Join: a failed kernel still releases everything.
	if err = Join(o.rt, records, cfg.Progress); err != nil {
		return nil, err
	}

	// Teardown, starting with the queues released while draining the results: from here on failures
	// are terminal and nothing else is released.
	scope.Commit()
	if err = Drain(records); err != nil {
		return nil, err
	}
	report.Values = make([]uint32, len(records))
	for ii, record := range records {
		report.Values[ii] = record.Value
	}
	var reaper Reaper
	if shared != nil {
		reaper.Add("shared buffer", shared.Release)
	}
	reaper.Add("arguments buffer", args.Release)
	reaper.Add("kernel", kernel.Release)
	reaper.Add("program", program.Release)
	reaper.Add("context", rtCtx.Release)
	if err = reaper.Run(); err != nil {
		return nil, err
	}
	if err = ReleaseRetvals(records, cfg.RetvalPolicy); err != nil {
		return nil, err
	}
	report.Elapsed = time.Since(start)
	klog.V(1).Infof("run %s finished in %s with exit status %d", report.RunID, report.Elapsed, report.ExitStatus())
	return report, nil
}
