// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scoped_test

import (
	"testing"

	"github.com/gomlx/eclrun/internal/scoped"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestUnwind(t *testing.T) {
	var released []string
	releaser := func(name string, err error) func() error {
		return func() error {
			released = append(released, name)
			return err
		}
	}
	var scope scoped.Releaser
	scope.Push("context", releaser("context", nil))
	scope.Push("program", releaser("program", errors.New("busy")))
	scope.Push("kernel", releaser("kernel", nil))
	assert.Equal(t, 3, scope.Len())

	errs := scope.Unwind()
	assert.Equal(t, []string{"kernel", "program", "context"}, released)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "releasing program: busy")
	assert.Zero(t, scope.Len())

	// Unwinding twice is a no-op.
	assert.Empty(t, scope.Unwind())
	assert.Len(t, released, 3)
}

func TestCommit(t *testing.T) {
	var count int
	var scope scoped.Releaser
	scope.Push("buffer", func() error { count++; return nil })
	scope.Commit()
	assert.Empty(t, scope.Unwind())
	assert.Zero(t, count)
}
