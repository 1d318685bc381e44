// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import "sync"

// HostRegion is a block of host memory that can be shared with devices through Context.CreateBuffer.
//
// It is created by Runtime.AllocHost. Its memory is given back with Free, which is safe to call
// more than once: only the first call frees. Usually Free is registered as the destructor of the
// Mem that uses the region, and never called directly.
type HostRegion struct {
	data []byte
	free func()

	mu    sync.Mutex
	freed bool
}

// NewHostRegion wraps data, and the function that gives it back, into a HostRegion.
// It is meant to be used by Runtime implementations.
func NewHostRegion(data []byte, free func()) *HostRegion {
	return &HostRegion{data: data, free: free}
}

// Bytes returns the host view of the memory. The view is invalid after Free.
func (r *HostRegion) Bytes() []byte {
	return r.data
}

// Size in bytes.
func (r *HostRegion) Size() int {
	return len(r.data)
}

// Free gives the memory back. Only the first call has an effect.
func (r *HostRegion) Free() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return
	}
	r.freed = true
	r.data = nil
	if r.free != nil {
		r.free()
	}
}

// Freed returns whether Free was called.
func (r *HostRegion) Freed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.freed
}

// AlignSize rounds size up to the next multiple of pageSize.
// A zero size stays zero.
func AlignSize(size, pageSize int) int {
	if pageSize <= 0 {
		return size
	}
	return ((size + pageSize - 1) / pageSize) * pageSize
}
