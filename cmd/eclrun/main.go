// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// eclrun launches a kernel concurrently on a set of accelerator cores, and exits with the first nonzero
// value returned by a core (in core order), 0 if all cores returned 0, or 1 on any setup, resource or
// parse error.
//
// Usage:
//
//	eclrun -e <kernel.elf> [-e <companion.elf>] [flags] [-- <kernel arguments>]
//
// See "eclrun -h" for the flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gomlx/eclrun/pkg/core/coreset"
	"github.com/gomlx/eclrun/pkg/dispatch"
	"github.com/gomlx/eclrun/runtime"
	_ "github.com/gomlx/eclrun/runtime/default"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	status := runCLI(ctx, os.Args[1:], os.Stdout, os.Stderr, stop)
	stop()
	klog.Flush()
	os.Exit(status)
}

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

// cliFlags holds the parsed command line.
type cliFlags struct {
	help        bool
	binaries    stringList
	entry       string
	platform    int
	sharedSize  int
	cores       coreset.Spec
	initSync    string
	waitFor     string
	runtime     string
	config      string
	waitTimeout time.Duration
	releaseAll  bool
	progress    bool
	summary     bool

	kernelArgs []string
	set        map[string]bool
}

func newFlagSet(f *cliFlags, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("eclrun", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f.cores = coreset.Default()
	fs.BoolVar(&f.help, "h", false, "Print this help and exit.")
	fs.Var(&f.binaries, "e", "Kernel binary file. A second -e sets the companion binary, loaded on the other device class.")
	fs.StringVar(&f.entry, "f", "", fmt.Sprintf("Kernel entry symbol. Default %q, or %q with -s.",
		dispatch.DefaultEntry, dispatch.DefaultSharedEntry))
	fs.IntVar(&f.platform, "p", 0, "Device class (platform) of the kernel: 0 or 1. The companion uses the other one.")
	fs.IntVar(&f.sharedSize, "s", 0, "Size in bytes of the memory shared by all cores, rounded up to the page size.")
	fs.Var(&f.cores, "core", `Cores to run on: comma-separated indices or ranges (e.g. "0,4-6,9"), or "all".`)
	fs.StringVar(&f.initSync, "init-sync-file", "", "Create this file once buffers are created, before launching.")
	fs.StringVar(&f.waitFor, "wait-for-file", "", "Wait for this file to exist before launching.")
	fs.DurationVar(&f.waitTimeout, "wait-timeout", 0, "Give up waiting for --wait-for-file after this time. 0 waits forever.")
	fs.StringVar(&f.runtime, "runtime", "", fmt.Sprintf(`Runtime configuration "<name>:<config>", e.g. "sim:4,1". `+
		"Defaults to $%s, or the first runtime available.", runtime.ECLRUN_RUNTIME))
	fs.StringVar(&f.config, "config", "", "YAML launch plan. Command-line flags take precedence over it.")
	fs.BoolVar(&f.releaseAll, "release-all-retvals", false,
		"Release every retval buffer at exit, also after a core returned nonzero.")
	fs.BoolVar(&f.progress, "progress", false, "Display a progress bar while waiting for the cores.")
	fs.BoolVar(&f.summary, "summary", false, "Print a summary table of the run.")
	klog.InitFlags(fs)
	return fs
}

func printHelp(w io.Writer, fs *flag.FlagSet) {
	_, _ = fmt.Fprintln(w, "Usage: eclrun -e <kernel.elf> [-e <companion.elf>] [flags] [-- <list of arguments>]")
	_, _ = fmt.Fprintln(w, "\nThe list of arguments after \"--\" is passed to main() in the kernel.\n\nFlags:")
	fs.SetOutput(w)
	fs.PrintDefaults()
}

// parseFlags parses the command line. It returns help=true if only the help should be printed.
func parseFlags(args []string, stdout, stderr io.Writer) (f *cliFlags, help bool, err error) {
	f = &cliFlags{set: make(map[string]bool)}
	fs := newFlagSet(f, stderr)
	if err = fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, errors.WithMessage(dispatch.ErrConfig, err.Error())
	}
	if f.help {
		printHelp(stdout, fs)
		return nil, true, nil
	}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	f.kernelArgs = fs.Args()
	return f, false, nil
}

// buildConfig merges the YAML plan, if any, with the flags.
func (f *cliFlags) buildConfig(stdout io.Writer) (*dispatch.Config, error) {
	cfg := &dispatch.Config{}
	if f.config != "" {
		var err error
		if cfg, err = dispatch.LoadConfig(f.config); err != nil {
			return nil, err
		}
	}
	if f.set["p"] && f.platform != 0 && f.platform != 1 {
		return nil, errors.Wrapf(dispatch.ErrConfig, "failed platform number %d: it must be 0 or 1", f.platform)
	}
	if f.set["s"] && f.sharedSize < 0 {
		return nil, errors.Wrapf(dispatch.ErrConfig, "invalid shared memory size %d", f.sharedSize)
	}
	if len(f.binaries) > 0 {
		primary := runtime.PlatformID(f.platform)
		cfg.Classes = []dispatch.ClassConfig{{Platform: primary, Binary: f.binaries[0]}}
		for _, companion := range f.binaries[1:] {
			cfg.Classes = append(cfg.Classes, dispatch.ClassConfig{Platform: 1 - primary, Binary: companion})
		}
	} else if f.set["p"] && len(cfg.Classes) > 0 {
		cfg.Classes[0].Platform = runtime.PlatformID(f.platform)
	}
	if len(cfg.Classes) == 0 {
		return nil, errors.Wrap(dispatch.ErrConfig, "Elf file is not specified")
	}
	if f.set["f"] {
		cfg.Classes[0].Entry = f.entry
	}
	if f.set["s"] {
		cfg.SharedSize = f.sharedSize
	}
	if f.set["core"] {
		cfg.Cores = f.cores
	}
	if f.set["init-sync-file"] {
		cfg.InitSyncFile = f.initSync
	}
	if f.set["wait-for-file"] {
		cfg.WaitForFile = f.waitFor
	}
	if f.set["wait-timeout"] {
		cfg.WaitTimeout = f.waitTimeout
	}
	if f.releaseAll {
		cfg.RetvalPolicy = dispatch.ReleaseAll
	}
	if len(f.kernelArgs) > 0 {
		cfg.KernelArgs = f.kernelArgs
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	cfg.Stdout = stdout
	return cfg, nil
}

func newRuntime(config string) (runtime.Runtime, error) {
	if config == "" {
		return runtime.New()
	}
	return runtime.NewWithConfig(config)
}

// runCLI runs eclrun with the given arguments (without the program name) and returns the exit status.
//
// ctx only interrupts the wait for --wait-for-file. Once the kernels are about to be launched stopSignals
// is called (if not nil), so an interrupt during the join terminates the process with the default behavior.
func runCLI(ctx context.Context, args []string, stdout, stderr io.Writer, stopSignals func()) int {
	f, help, err := parseFlags(args, stdout, stderr)
	if help {
		return 0
	}
	if err != nil {
		klog.Errorf("%v. Try eclrun -h for help.", err)
		return 1
	}
	cfg, err := f.buildConfig(stdout)
	if err != nil {
		klog.Errorf("%v", err)
		return 1
	}
	rt, err := newRuntime(f.runtime)
	if err != nil {
		klog.Errorf("%v", err)
		return 1
	}
	defer rt.Finalize()
	klog.V(1).Infof("using runtime %s", rt.Description())

	var bar *progressBar
	if f.progress {
		bar = newProgressBar(stderr)
		cfg.Progress = bar
	}
	cfg.OnSynced = stopSignals
	o, err := dispatch.New(rt, *cfg)
	if err != nil {
		klog.Errorf("%v", err)
		return 1
	}
	report, err := o.Run(ctx)
	if err != nil {
		klog.Errorf("%v", err)
		return 1
	}
	if f.summary {
		printSummary(stdout, report)
	}
	if core, failed := report.FailedCore(); failed {
		klog.V(1).Infof("core %d returned %d", core, report.ExitStatus())
	}
	return report.ExitStatus()
}
