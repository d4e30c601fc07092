// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package makefs_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salzg/attestation-level-manager/pkg/makefs"
)

// installFakeTools drops argument-recording stand-ins for the mkfs tools on
// PATH.
func installFakeTools(t *testing.T, names ...string) string {
	t.Helper()

	dir := t.TempDir()

	for _, name := range names {
		script := "#!/bin/sh\necho \"$@\" >> \"$(dirname \"$0\")/" + name + ".args\"\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(script), 0o755))
	}

	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))

	return dir
}

func recordedArgs(t *testing.T, dir, name string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(dir, name+".args"))
	require.NoError(t, err)

	return strings.TrimSpace(string(data))
}

func TestExt4(t *testing.T) {
	dir := installFakeTools(t, "mkfs.ext4")

	err := makefs.Ext4(t.Context(), "/dev/nbd0p2",
		makefs.WithLabel("ROOT"),
		makefs.WithForce(true),
		makefs.WithPrintf(t.Logf),
	)
	require.NoError(t, err)

	assert.Equal(t, "-L ROOT -F /dev/nbd0p2", recordedArgs(t, dir, "mkfs.ext4"))
}

func TestExt4MissingDevice(t *testing.T) {
	t.Parallel()

	assert.Error(t, makefs.Ext4(t.Context(), ""))
}

func TestVFAT(t *testing.T) {
	dir := installFakeTools(t, "mkfs.vfat")

	err := makefs.VFAT(t.Context(), "/dev/nbd0p1", makefs.WithLabel("EFI"))
	require.NoError(t, err)

	assert.Equal(t, "-F 32 -n EFI /dev/nbd0p1", recordedArgs(t, dir, "mkfs.vfat"))
}

func TestExt4Resize(t *testing.T) {
	dir := installFakeTools(t, "e2fsck", "resize2fs")

	require.NoError(t, makefs.Ext4Resize(t.Context(), "/dev/nbd0p2"))

	assert.Equal(t, "-f -p /dev/nbd0p2", recordedArgs(t, dir, "e2fsck"))
	assert.Equal(t, "/dev/nbd0p2", recordedArgs(t, dir, "resize2fs"))
}
