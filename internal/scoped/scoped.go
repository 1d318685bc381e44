// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scoped tracks acquired resources, so they can be released in reverse order of acquisition
// if a later step fails.
//
// Example:
//
//	var scope scoped.Releaser
//	defer scope.Unwind() // No-op after Commit.
//	ctx, err := rt.CreateContext(devices)
//	if err != nil {
//		return err
//	}
//	scope.Push("context", ctx.Release)
//	...
//	scope.Commit() // Ownership passed on.
package scoped

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type step struct {
	name    string
	release func() error
}

// Releaser is a stack of release functions. The zero value is ready to use.
type Releaser struct {
	steps []step
}

// Push a resource, identified by name in logs, and the function that releases it.
func (r *Releaser) Push(name string, release func() error) {
	r.steps = append(r.steps, step{name: name, release: release})
}

// Len returns the number of resources held.
func (r *Releaser) Len() int {
	return len(r.steps)
}

// Commit forgets all the resources held, without releasing them: their ownership is passed on.
func (r *Releaser) Commit() {
	r.steps = nil
}

// Unwind releases all resources held, in reverse order of Push.
//
// Release errors don't stop the unwinding: they are logged as warnings and returned, in the order
// they happened. The Releaser is empty afterwards.
func (r *Releaser) Unwind() []error {
	var errs []error
	for ii := len(r.steps) - 1; ii >= 0; ii-- {
		s := r.steps[ii]
		if err := s.release(); err != nil {
			err = errors.WithMessagef(err, "releasing %s", s.name)
			klog.Warningf("while unwinding: %v", err)
			errs = append(errs, err)
		} else {
			klog.V(2).Infof("unwound %s", s.name)
		}
	}
	r.steps = nil
	return errs
}
