// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runtime defines the interface an accelerator runtime needs to implement to be driven by eclrun.
//
// It is modeled after the ElcoreCL API (itself a variant of OpenCL): platforms group devices of one class,
// a Context scopes a set of devices, programs are loaded from binaries, and kernels are launched
// on per-device queues, each launch producing an Event.
//
// Unlike the C API, every fallible method returns an error. Errors that come from the runtime itself are
// of type *Error and carry the numeric runtime code.
package runtime

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// PlatformID identifies a device class (e.g. the DSP cores or the companion control cores).
type PlatformID int

// DeviceID identifies one independent execution unit within a platform.
type DeviceID struct {
	Platform PlatformID
	Index    int
}

// Runtime is the API that needs to be implemented by an accelerator runtime.
type Runtime interface {
	// Name returns the short name of the runtime. E.g.: "sim" for the simulated runtime.
	Name() string

	// Description is a longer description of the Runtime that can be used to pretty-print.
	Description() string

	// PageSize is the allocation granularity of host memory shared with devices.
	PageSize() int

	// Platforms enumerates the available device classes.
	Platforms() ([]PlatformID, error)

	// Devices enumerates the devices of the given platform, in index order.
	Devices(platform PlatformID) ([]DeviceID, error)

	// CreateContext creates a context scoping the given devices.
	CreateContext(devices []DeviceID) (Context, error)

	// AllocHost allocates page-aligned host memory that can be handed to CreateBuffer.
	// The size must be a multiple of PageSize. The returned memory is not guaranteed to be zero-initialized.
	AllocHost(size int) (*HostRegion, error)

	// WaitForEvents blocks until all the given events have completed. There is no timeout.
	WaitForEvents(events []Event) error

	// Finalize releases all the associated resources immediately, and makes the runtime invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Runtime.
type Constructor func(config string) (Runtime, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register runtime with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the runtime constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Registered returns whether a runtime with the given name was registered.
func Registered(name string) bool {
	_, found := registeredConstructors[name]
	return found
}

// DefaultName returns the name of the runtime used when a configuration has no runtime name: the first one
// registered. It is empty if no runtime was registered.
//
// Registration happens in package initialization, which follows the import path order of the runtime
// packages: "github.com/gomlx/eclrun/runtime/elcorecl" registers before "github.com/gomlx/eclrun/runtime/simulated".
func DefaultName() string {
	return firstRegistered
}

// DefaultConfig is the name of the default runtime configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ECLRUN_RUNTIME is the environment variable with the default runtime configuration to use.
//
// The format of config is "<runtime_name>:<runtime_configuration>".
const ECLRUN_RUNTIME = "ECLRUN_RUNTIME"

// New returns a new default Runtime.
//
// The default is:
//
// 1. The environment ECLRUN_RUNTIME is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered runtime is used with an empty configuration.
func New() (Runtime, error) {
	config, found := os.LookupEnv(ECLRUN_RUNTIME)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as "<runtime_name>:<runtime_configuration>".
// The "<runtime_name>" is the name of a registered runtime (e.g.: "sim") and
// "<runtime_configuration>" is runtime specific (e.g.: for "sim" the number of devices per platform).
// If there is no ":", the whole string is taken as the runtime name.
func NewWithConfig(config string) (Runtime, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.Errorf(`no registered runtimes -- maybe import the default ones with import _ "github.com/gomlx/eclrun/runtime/default"?`)
	}
	runtimeName := firstRegistered
	runtimeConfig := ""
	if config != "" {
		runtimeName = config
		if idx := strings.Index(config, ":"); idx != -1 {
			runtimeName = config[:idx]
			runtimeConfig = config[idx+1:]
		}
	}
	constructor, found := registeredConstructors[runtimeName]
	if !found {
		return nil, errors.Errorf("can't find runtime %q for configuration %q given", runtimeName, config)
	}
	rt, err := constructor(runtimeConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create runtime %q", runtimeName)
	}
	return rt, nil
}
