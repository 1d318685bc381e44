// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"encoding/binary"
	"sync"

	"github.com/gomlx/eclrun/runtime"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Progress observes the completion of the cores while Collect waits for them.
// Its methods may be called from different goroutines, but never concurrently for the same core.
type Progress interface {
	// Start is called before waiting, with the cores launched.
	Start(cores []int)

	// CoreDone is called when the launch on core completed, in completion order.
	CoreDone(core int)

	// Finish is called once all launches completed.
	Finish()
}

// Collect waits for all the launches to complete (Join), and then reads back each retval value and releases
// the queue of its core (Drain).
//
// Values are stored in the records; use ExitStatus to aggregate them.
func Collect(rt runtime.Runtime, records []*LaunchRecord, progress Progress) error {
	if err := Join(rt, records, progress); err != nil {
		return err
	}
	return Drain(records)
}

// Join waits for all the launches to complete. There is no timeout: a hung core blocks Join forever.
func Join(rt runtime.Runtime, records []*LaunchRecord, progress Progress) error {
	events := make([]runtime.Event, len(records))
	for ii, record := range records {
		events[ii] = record.Event
	}

	var wg sync.WaitGroup
	if progress != nil {
		cores := make([]int, len(records))
		for ii, record := range records {
			cores[ii] = record.Core
		}
		progress.Start(cores)
		for _, record := range records {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-record.Event.Done()
				progress.CoreDone(record.Core)
			}()
		}
	}
	err := rt.WaitForEvents(events)
	wg.Wait()
	if progress != nil {
		progress.Finish()
	}
	if err != nil {
		return errors.WithMessage(err, "failed to wait for event")
	}
	return nil
}

// Drain reads back the retval value of each record, and releases its queue, in record order (ascending
// core index). It must be called after Join.
//
// A release failure is returned immediately: the queues of the following records are not released.
func Drain(records []*LaunchRecord) error {
	for _, record := range records {
		value, err := record.Queue.MapRead(record.Retval.Mem, RetvalSize)
		if err != nil {
			return errors.WithMessagef(err, "failed to map retval buffer of core %d", record.Core)
		}
		record.Value = binary.LittleEndian.Uint32(value)
		record.Collected = true
		if err = record.releaseQueue(); err != nil {
			return errors.WithMessage(err, "failed to release queue")
		}
		klog.V(1).Infof("core %d returned %d", record.Core, record.Value)
	}
	return nil
}

// ExitStatus returns the first nonzero value of the collected records, in record order, and the index of its
// record. If all values are zero it returns (0, -1).
func ExitStatus(records []*LaunchRecord) (status int, index int) {
	for ii, record := range records {
		if record.Collected && record.Value != 0 {
			return int(record.Value), ii
		}
	}
	return 0, -1
}
