// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernelargs serializes the host command-line arguments into the buffer a kernel reads its
// argc/argv from.
//
// The packed form is each argument followed by one NUL byte, and then one extra NUL (an empty string)
// marking the end of the list: ["a", "bb"] is packed as "a\x00bb\x00\x00".
// Arguments must not contain NUL bytes themselves; this is not checked.
package kernelargs

import (
	"bytes"

	"github.com/gomlx/eclrun/runtime"
	"github.com/pkg/errors"
)

// Allocator of host memory for device buffers. The returned region may be larger than requested
// (rounded up to the page size) and is not guaranteed to be zeroed.
type Allocator interface {
	Allocate(size int) (*runtime.HostRegion, error)
}

// LogicalSize is the number of bytes used by the packed form of args, before any page rounding.
func LogicalSize(args []string) int {
	size := 1 // Final empty string.
	for _, arg := range args {
		size += len(arg) + 1
	}
	return size
}

// Encode writes the packed form of args into dst and returns the number of bytes written.
// It panics if dst is smaller than LogicalSize(args). Bytes of dst after the returned size are left untouched.
func Encode(dst []byte, args []string) int {
	if len(dst) < LogicalSize(args) {
		panic(errors.Errorf("kernelargs.Encode: buffer of %d bytes can't hold %d bytes of arguments",
			len(dst), LogicalSize(args)))
	}
	offset := 0
	for _, arg := range args {
		offset += copy(dst[offset:], arg)
		dst[offset] = 0
		offset++
	}
	dst[offset] = 0
	return offset + 1
}

// Pack returns the packed form of args, with exactly LogicalSize(args) bytes.
func Pack(args []string) []byte {
	buf := make([]byte, LogicalSize(args))
	Encode(buf, args)
	return buf
}

// PackInto allocates a region with alloc, packs args into it and returns the region with the logical size.
// The region size is whatever alloc rounded it to; the padding beyond the logical size is unspecified.
func PackInto(alloc Allocator, args []string) (region *runtime.HostRegion, logicalSize int, err error) {
	logicalSize = LogicalSize(args)
	region, err = alloc.Allocate(logicalSize)
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "failed to allocate %d bytes for kernel arguments", logicalSize)
	}
	if region.Size() < logicalSize {
		region.Free()
		return nil, 0, errors.Errorf("allocator returned %d bytes for kernel arguments, %d requested",
			region.Size(), logicalSize)
	}
	Encode(region.Bytes(), args)
	return region, logicalSize, nil
}

// Decode is the inverse of Encode: it reads NUL-terminated strings from buf until the empty
// terminator string. Bytes after the terminator are ignored.
//
// It returns an error if buf ends before the terminator.
func Decode(buf []byte) ([]string, error) {
	var args []string
	for {
		end := bytes.IndexByte(buf, 0)
		if end == -1 {
			return nil, errors.Errorf("kernel arguments are not terminated: %d bytes left after %d arguments",
				len(buf), len(args))
		}
		if end == 0 {
			return args, nil
		}
		args = append(args, string(buf[:end]))
		buf = buf[end+1:]
	}
}
