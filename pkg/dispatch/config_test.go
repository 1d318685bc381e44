// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"os"
	"os/user"
	"path"
	"path/filepath"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	home := must.M1(user.Current()).HomeDir
	cfg, err := ParseConfig([]byte(`
classes:
  - binary: ~/kernels/k.elf
  - binary: /opt/companion.elf
    platform: 1
cores: 0,2-3
shared_size: 8192
args: [--iterations, "10"]
wait_for_file: /tmp/ready
wait_timeout: 30s
retval_policy: release-all
`))
	require.NoError(t, err)
	require.Len(t, cfg.Classes, 2)
	assert.Equal(t, path.Join(home, "kernels/k.elf"), cfg.Primary().Binary)
	assert.EqualValues(t, 1, cfg.Classes[1].Platform)
	assert.Equal(t, []int{0, 2, 3}, cfg.Cores.Cores())
	assert.Equal(t, 8192, cfg.SharedSize)
	assert.Equal(t, []string{"--iterations", "10"}, cfg.KernelArgs)
	assert.Equal(t, 30*time.Second, cfg.WaitTimeout)
	assert.Equal(t, ReleaseAll, cfg.RetvalPolicy)
	assert.Equal(t, DefaultSharedEntry, cfg.Entry())
	require.NoError(t, cfg.Validate())

	// Defaults.
	cfg, err = ParseConfig([]byte("classes: [{binary: k.elf}]\n"))
	require.NoError(t, err)
	assert.Equal(t, []int{0}, cfg.Cores.Cores())
	assert.Equal(t, StopAtFirstFailure, cfg.RetvalPolicy)
	assert.Equal(t, DefaultEntry, cfg.Entry())

	for _, bad := range []string{
		"classes: [{binary: k.elf}]\nunknown: 1\n",
		"classes: [{binary: k.elf}]\ncores: 3-1\n",
		"classes: [{binary: k.elf}]\nretval_policy: sometimes\n",
	} {
		_, err = ParseConfig([]byte(bad))
		assert.Errorf(t, err, "config %q", bad)
	}
}

func TestLoadConfig(t *testing.T) {
	planPath := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(planPath, []byte("classes: [{binary: /k.elf}]\ncores: all\n"), 0o644))
	cfg := must.M1(LoadConfig(planPath))
	assert.True(t, cfg.Cores.IsAll())

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, ErrIO))
}

func TestValidate(t *testing.T) {
	for _, cfg := range []Config{
		{},
		{Classes: []ClassConfig{{Binary: "k.elf"}, {Platform: 1}}},
		{Classes: []ClassConfig{{Binary: "k.elf", Platform: -1}}},
		{Classes: []ClassConfig{{Binary: "k.elf"}}, SharedSize: -1},
		{Classes: []ClassConfig{{Binary: "k.elf"}}, WaitTimeout: -time.Second},
	} {
		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConfig))
	}
	assert.Equal(t, "release-all", ReleaseAll.String())
	assert.Equal(t, "RetvalPolicy(7)", RetvalPolicy(7).String())
}
