// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaper(t *testing.T) {
	var released []string
	release := func(name string, fail bool) func() error {
		return func() error {
			if fail {
				return errors.Errorf("%s is busy", name)
			}
			released = append(released, name)
			return nil
		}
	}

	var r Reaper
	r.Add("kernel", release("kernel", false))
	r.Add("program", release("program", true))
	r.Add("context", release("context", false))
	err := r.Run()
	require.Error(t, err)
	assert.Equal(t, "failed to release program: program is busy", err.Error())
	assert.Equal(t, []string{"kernel"}, released)

	released = nil
	require.NoError(t, (&Reaper{}).Run())
	assert.Empty(t, released)
}

func TestExitStatus(t *testing.T) {
	records := []*LaunchRecord{
		{Core: 0, Value: 0, Collected: true},
		{Core: 2, Value: 3, Collected: true},
		{Core: 5, Value: 1, Collected: true},
	}
	status, index := ExitStatus(records)
	assert.Equal(t, 3, status)
	assert.Equal(t, 1, index)

	status, index = ExitStatus(records[:1])
	assert.Equal(t, 0, status)
	assert.Equal(t, -1, index)

	// Records not collected don't count.
	status, _ = ExitStatus([]*LaunchRecord{{Core: 1, Value: 7}})
	assert.Equal(t, 0, status)
}
