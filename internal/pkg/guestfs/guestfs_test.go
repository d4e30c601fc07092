// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package guestfs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salzg/attestation-level-manager/internal/pkg/artifacts"
	"github.com/salzg/attestation-level-manager/internal/pkg/bootguard"
	"github.com/salzg/attestation-level-manager/internal/pkg/guestfs"
	"github.com/salzg/attestation-level-manager/pkg/alevel"
	"github.com/salzg/attestation-level-manager/pkg/constants"
)

func TestInstallGate(t *testing.T) {
	root := t.TempDir()

	binary := filepath.Join(t.TempDir(), "alman-gate")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o644))

	require.NoError(t, guestfs.InstallGate(root, binary))

	installed := filepath.Join(root, constants.GateBinaryGuestPath)

	st, err := os.Stat(installed)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), st.Mode().Perm())
}

func TestBootGuardRoundTrip(t *testing.T) {
	root := t.TempDir()

	cfg := &bootguard.Config{
		ExpectedKernelSHA256: "aa",
		RootPartition:        "/dev/vda2",
		UpperMode:            alevel.UpperModeTmpfs,
		TmpfsSize:            "512m",
	}

	require.NoError(t, guestfs.WriteBootGuard(root, cfg))

	loaded, err := bootguard.Load(filepath.Join(root, constants.BootGuardConfigPath))
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	require.NoError(t, guestfs.RemoveBootGuard(root))
	assert.NoFileExists(t, filepath.Join(root, constants.BootGuardConfigPath))

	// removing an absent config is not an error
	require.NoError(t, guestfs.RemoveBootGuard(root))
}

func TestKernelVersion(t *testing.T) {
	root := t.TempDir()
	bootDir := filepath.Join(root, "boot")
	require.NoError(t, os.MkdirAll(bootDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(bootDir, "vmlinuz-6.8.9-200.fc40.x86_64"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(bootDir, "vmlinuz-6.8.10-300.fc40.x86_64"), []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(bootDir, "initramfs-6.8.10-300.fc40.x86_64.img"), []byte("initrd"), 0o644))

	version, err := guestfs.KernelVersion(root)
	require.NoError(t, err)
	assert.Equal(t, "6.8.10-300.fc40.x86_64", version)
}

func TestKernelVersionMissing(t *testing.T) {
	_, err := guestfs.KernelVersion(t.TempDir())

	require.Error(t, err)
	assert.ErrorIs(t, err, artifacts.ErrArtifactNotFound)
}

func TestInstallDracutModuleWithVerity(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, guestfs.InstallDracutModule(root, true))

	dir := filepath.Join(root, constants.DracutModuleDir)

	setup, err := os.ReadFile(filepath.Join(dir, "module-setup.sh"))
	require.NoError(t, err)
	assert.Contains(t, string(setup), "inst_multiple "+constants.GateBinaryGuestPath)
	assert.Contains(t, string(setup), "inst_simple "+constants.BootGuardConfigPath)
	assert.Contains(t, string(setup), "inst_multiple veritysetup mkfs.ext4")
	assert.Contains(t, string(setup), `inst_hook pre-pivot 10 "$moddir/alman-overlay.sh"`)
	assert.Contains(t, string(setup), "echo dm")

	gateScript, err := os.ReadFile(filepath.Join(dir, "alman-gate.sh"))
	require.NoError(t, err)
	assert.Contains(t, string(gateScript), constants.GateBinaryGuestPath+" check")
	assert.Contains(t, string(gateScript), constants.GateBinaryGuestPath+" verity")

	overlayHook, err := os.ReadFile(filepath.Join(dir, "alman-overlay.sh"))
	require.NoError(t, err)
	assert.Contains(t, string(overlayHook), constants.GateBinaryGuestPath+" overlay")

	for _, name := range []string{"module-setup.sh", "parse-alman.sh", "alman-gate.sh", "alman-overlay.sh"} {
		st, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o755), st.Mode().Perm(), name)
	}
}

func TestInstallDracutModuleCheckOnly(t *testing.T) {
	root := t.TempDir()

	// a later install without verity must drop the stale overlay hook
	require.NoError(t, guestfs.InstallDracutModule(root, true))
	require.NoError(t, guestfs.InstallDracutModule(root, false))

	dir := filepath.Join(root, constants.DracutModuleDir)

	setup, err := os.ReadFile(filepath.Join(dir, "module-setup.sh"))
	require.NoError(t, err)
	assert.NotContains(t, string(setup), "veritysetup")
	assert.NotContains(t, string(setup), "pre-pivot")
	assert.NotContains(t, string(setup), "echo dm")

	gateScript, err := os.ReadFile(filepath.Join(dir, "alman-gate.sh"))
	require.NoError(t, err)
	assert.Contains(t, string(gateScript), constants.GateBinaryGuestPath+" check")
	assert.NotContains(t, string(gateScript), constants.GateBinaryGuestPath+" verity")

	assert.NoFileExists(t, filepath.Join(dir, "alman-overlay.sh"))
}

func TestRemoveDracutModule(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, guestfs.InstallDracutModule(root, true))
	require.NoError(t, guestfs.RemoveDracutModule(root))

	assert.NoDirExists(t, filepath.Join(root, constants.DracutModuleDir))

	// removing an absent module is not an error
	require.NoError(t, guestfs.RemoveDracutModule(root))
}
