// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernelargs

import (
	"testing"

	"github.com/gomlx/eclrun/runtime"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPack(t *testing.T) {
	assert.Equal(t, []byte("a\x00bb\x00\x00"), Pack([]string{"a", "bb"}))
	assert.Equal(t, 6, LogicalSize([]string{"a", "bb"}))

	// No arguments: a single empty terminator.
	assert.Equal(t, []byte{0}, Pack(nil))
	assert.Equal(t, 1, LogicalSize(nil))

	// Empty arguments in the middle of the list are preserved in the packed form.
	assert.Equal(t, []byte("k.elf\x00\x00x\x00\x00"), Pack([]string{"k.elf", "", "x"}))
}

func TestEncodeLeavesPadding(t *testing.T) {
	dst := []byte("XXXXXXXXXX")
	n := Encode(dst, []string{"ab"})
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("ab\x00\x00XXXXXX"), dst)

	assert.Panics(t, func() { Encode(make([]byte, 3), []string{"ab"}) })
}

type pageAllocator struct {
	pageSize int
	fail     bool
}

func (a pageAllocator) Allocate(size int) (*runtime.HostRegion, error) {
	if a.fail {
		return nil, runtime.NewError("posix_memalign", runtime.OutOfHostMemory)
	}
	data := make([]byte, runtime.AlignSize(size, a.pageSize))
	for ii := range data {
		data[ii] = 0xAA // Allocations are not zero-initialized.
	}
	return runtime.NewHostRegion(data, nil), nil
}

func TestPackInto(t *testing.T) {
	region, logical, err := PackInto(pageAllocator{pageSize: 4096}, []string{"k.elf", "7"})
	require.NoError(t, err)
	assert.Equal(t, 9, logical)
	assert.Equal(t, 4096, region.Size())
	assert.Equal(t, []byte("k.elf\x007\x00\x00"), region.Bytes()[:logical])
	assert.Equal(t, byte(0xAA), region.Bytes()[logical])

	args, err := Decode(region.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []string{"k.elf", "7"}, args)

	_, _, err = PackInto(pageAllocator{pageSize: 4096, fail: true}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, runtime.ErrResource))
}

func TestDecode(t *testing.T) {
	args, err := Decode([]byte{0})
	require.NoError(t, err)
	assert.Empty(t, args)

	_, err = Decode([]byte("a\x00b"))
	require.Error(t, err)
}
