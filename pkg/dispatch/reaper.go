// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Reaper releases runtime objects in the order they were added. The first release failure is terminal:
// the remaining objects are left alone.
type Reaper struct {
	steps []reapStep
}

type reapStep struct {
	name    string
	release func() error
}

// Add an object to release, identified by name in errors.
func (r *Reaper) Add(name string, release func() error) {
	r.steps = append(r.steps, reapStep{name: name, release: release})
}

// Run releases all objects in order. It returns the error of the first release that failed.
func (r *Reaper) Run() error {
	for _, s := range r.steps {
		if err := s.release(); err != nil {
			return errors.WithMessagef(err, "failed to release %s", s.name)
		}
		klog.V(2).Infof("released %s", s.name)
	}
	return nil
}

// ReleaseRetvals releases the retval buffers of the collected records, in order.
//
// With StopAtFirstFailure it stops at the first record with a nonzero value: that buffer and the ones after
// it are not released. With ReleaseAll every collected buffer is released.
func ReleaseRetvals(records []*LaunchRecord, policy RetvalPolicy) error {
	for _, record := range records {
		if !record.Collected {
			continue
		}
		if record.Value != 0 && policy == StopAtFirstFailure {
			klog.V(1).Infof("core %d returned %d: remaining retval buffers not released", record.Core, record.Value)
			return nil
		}
		if err := record.Retval.Release(); err != nil {
			return errors.WithMessagef(err, "failed to release retval buffer of core %d", record.Core)
		}
	}
	return nil
}
