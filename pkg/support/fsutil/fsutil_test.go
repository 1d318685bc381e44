// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"os/user"
	"path"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	exists, err := FileExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, exists)

	fileName := filepath.Join(dir, "present")
	require.NoError(t, os.WriteFile(fileName, nil, 0o644))
	exists, err = FileExists(fileName)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestReplaceTildeInPaths(t *testing.T) {
	usr, err := user.Current()
	if err != nil {
		t.Skipf("no current user: %v", err)
	}
	a, b, empty := "~/sync/ready", "/tmp/x", ""
	require.NoError(t, ReplaceTildeInPaths(&a, &b, &empty, nil))
	assert.Equal(t, path.Join(usr.HomeDir, "sync/ready"), a)
	assert.Equal(t, "/tmp/x", b)
	assert.Equal(t, "", empty)

	bad := "~no_such_user_for_eclrun/x"
	require.Error(t, ReplaceTildeInPaths(&bad))
}
