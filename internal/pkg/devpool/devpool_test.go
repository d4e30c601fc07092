// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package devpool_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salzg/attestation-level-manager/internal/pkg/devpool"
)

func TestAcquireRelease(t *testing.T) {
	devRoot := t.TempDir()
	sysRoot := t.TempDir()

	for _, name := range []string{"nbd0", "nbd1", "nbd2", "nbd3"} {
		require.NoError(t, os.WriteFile(filepath.Join(devRoot, name), nil, 0o600))
		require.NoError(t, os.MkdirAll(filepath.Join(sysRoot, name), 0o755))
	}

	// nbd1 is connected by somebody else
	require.NoError(t, os.WriteFile(filepath.Join(sysRoot, "nbd1", "pid"), []byte("42\n"), 0o644))

	pool := devpool.New(
		devpool.WithSlots(4),
		devpool.WithDevRoot(devRoot),
		devpool.WithSysRoot(sysRoot),
	)

	d0, err := pool.Acquire()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(devRoot, "nbd0"), d0.Path())
	assert.Equal(t, filepath.Join(devRoot, "nbd0p2"), d0.Partition(2))

	d2, err := pool.Acquire()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(devRoot, "nbd2"), d2.Path())

	d3, err := pool.Acquire()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(devRoot, "nbd3"), d3.Path())

	_, err = pool.Acquire()
	require.ErrorIs(t, err, devpool.ErrExhausted)

	pool.Release(d2)

	again, err := pool.Acquire()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(devRoot, "nbd2"), again.Path())
}

func TestAcquireNoDevices(t *testing.T) {
	pool := devpool.New(
		devpool.WithSlots(8),
		devpool.WithDevRoot(t.TempDir()),
		devpool.WithSysRoot(t.TempDir()),
	)

	_, err := pool.Acquire()
	require.ErrorIs(t, err, devpool.ErrExhausted)
}
