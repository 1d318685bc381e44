// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gomlx/eclrun/pkg/core/coreset"
	"github.com/gomlx/eclrun/pkg/support/fsutil"
	"github.com/gomlx/eclrun/runtime"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Default entry symbols of the primary kernel.
const (
	DefaultEntry       = "_elcore_main_wrapper"
	DefaultSharedEntry = "_elcorecl_run_wrapper"
)

// RetvalPolicy selects which retval buffers are released at teardown.
type RetvalPolicy int

const (
	// StopAtFirstFailure releases retval buffers in core order up to, and excluding, the first core
	// that returned a nonzero value.
	StopAtFirstFailure RetvalPolicy = iota

	// ReleaseAll releases every collected retval buffer.
	ReleaseAll
)

var retvalPolicyNames = []string{"stop-at-first-failure", "release-all"}

// String implements fmt.Stringer.
func (p RetvalPolicy) String() string {
	if p < 0 || int(p) >= len(retvalPolicyNames) {
		return fmt.Sprintf("RetvalPolicy(%d)", int(p))
	}
	return retvalPolicyNames[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p RetvalPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *RetvalPolicy) UnmarshalText(text []byte) error {
	for ii, name := range retvalPolicyNames {
		if string(text) == name {
			*p = RetvalPolicy(ii)
			return nil
		}
	}
	return errors.Wrapf(ErrConfig, "unknown retval policy %q, valid values are %q", text, retvalPolicyNames)
}

// ClassConfig configures one device class.
type ClassConfig struct {
	// Platform of the device class.
	Platform runtime.PlatformID `yaml:"platform"`

	// Binary is the path to the program loaded on the class.
	Binary string `yaml:"binary"`

	// Entry symbol of the kernel. Only used by the primary class: if empty, DefaultEntry or
	// DefaultSharedEntry is used, depending on whether shared memory is requested.
	Entry string `yaml:"entry,omitempty"`
}

// Config of a launch.
type Config struct {
	// Classes of devices: the first one is the primary class, whose kernel is launched on the selected cores
	// and joined. Other classes are companions: their programs are loaded on device 0 of their platforms
	// after the primary launches, and never joined.
	Classes []ClassConfig `yaml:"classes"`

	// Cores of the primary class to launch on. The zero value selects core 0.
	Cores coreset.Spec `yaml:"cores"`

	// SharedSize in bytes of the shared memory region passed to every core. 0 for none.
	SharedSize int `yaml:"shared_size,omitempty"`

	// KernelArgs are passed to the kernel after the program name (the primary binary path).
	KernelArgs []string `yaml:"args,omitempty"`

	// InitSyncFile, if set, is created after buffers are created and before kernels are launched.
	InitSyncFile string `yaml:"init_sync_file,omitempty"`

	// WaitForFile, if set, is waited for before kernels are launched.
	WaitForFile string `yaml:"wait_for_file,omitempty"`

	// WaitTimeout bounds the wait for WaitForFile. 0 waits forever.
	WaitTimeout time.Duration `yaml:"wait_timeout,omitempty"`

	// RetvalPolicy for the teardown of the retval buffers.
	RetvalPolicy RetvalPolicy `yaml:"retval_policy,omitempty"`

	// Stdout receives the progress lines ("ncores=...", "run ..."). If nil, os.Stdout is used.
	Stdout io.Writer `yaml:"-"`

	// Progress, if set, is informed of core completions while waiting.
	Progress Progress `yaml:"-"`

	// OnSynced, if set, is called once the sync files are handled, right before the kernels are launched.
	// Run doesn't observe ctx after that point.
	OnSynced func() `yaml:"-"`
}

// Primary returns the primary class configuration.
func (c *Config) Primary() *ClassConfig {
	return &c.Classes[0]
}

// Entry returns the entry symbol of the primary kernel.
func (c *Config) Entry() string {
	if entry := c.Primary().Entry; entry != "" {
		return entry
	}
	if c.SharedSize > 0 {
		return DefaultSharedEntry
	}
	return DefaultEntry
}

// Validate the configuration.
func (c *Config) Validate() error {
	if len(c.Classes) == 0 || c.Classes[0].Binary == "" {
		return errors.Wrap(ErrConfig, "Elf file is not specified")
	}
	for ii, class := range c.Classes {
		if class.Binary == "" {
			return errors.Wrapf(ErrConfig, "binary of device class #%d is not specified", ii)
		}
		if class.Platform < 0 {
			return errors.Wrapf(ErrConfig, "invalid platform %d for device class #%d", class.Platform, ii)
		}
	}
	if c.SharedSize < 0 {
		return errors.Wrapf(ErrConfig, "invalid shared memory size %d", c.SharedSize)
	}
	if c.WaitTimeout < 0 {
		return errors.Wrapf(ErrConfig, "invalid wait timeout %s", c.WaitTimeout)
	}
	return nil
}

// ExpandPaths replaces a leading "~" by the user home directory in every path of the configuration.
func (c *Config) ExpandPaths() error {
	paths := []*string{&c.InitSyncFile, &c.WaitForFile}
	for ii := range c.Classes {
		paths = append(paths, &c.Classes[ii].Binary)
	}
	return fsutil.ReplaceTildeInPaths(paths...)
}

// LoadConfig reads a YAML launch plan. Unknown fields are an error.
//
// Example:
//
//	classes:
//	  - binary: ~/kernels/k.elf
//	  - binary: ~/kernels/companion.elf
//	    platform: 1
//	cores: 0-3
//	shared_size: 8192
//	args: [--iterations, "10"]
//	wait_timeout: 30s
func LoadConfig(path string) (*Config, error) {
	if err := fsutil.ReplaceTildeInPaths(&path); err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "failed to read configuration %q: %v", path, err)
	}
	return ParseConfig(contents)
}

// ParseConfig parses a YAML launch plan. See LoadConfig.
func ParseConfig(contents []byte) (*Config, error) {
	cfg := &Config{}
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(ErrConfig, "failed to parse configuration: %v", err)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}
