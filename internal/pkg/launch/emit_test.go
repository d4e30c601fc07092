// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package launch_test

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salzg/attestation-level-manager/internal/pkg/launch"
	"github.com/salzg/attestation-level-manager/pkg/alevel"
)

const testRootHash = "4392712ba01368efdf14b05c76f9e4df0d53664630b5d48632ed17a137f39076"

func baseSpec(t *testing.T, level alevel.Level) launch.Spec {
	t.Helper()

	policy, err := alevel.Resolve(level)
	require.NoError(t, err)

	return launch.Spec{
		Name:            "vm1",
		Policy:          policy,
		Overlay:         alevel.OverlayPolicy{UpperMode: alevel.UpperModeDisk},
		MemoryBytes:     4 * 1024 * 1024 * 1024,
		VCPUs:           4,
		DiskImage:       "/state/vms/vm1/disk.qcow2",
		Firmware:        "/fw/OVMF.snp.fd",
		SNPPolicy:       0x30000,
		CBitPos:         51,
		ReducedPhysBits: 1,
	}
}

func TestEmitLevel2(t *testing.T) {
	t.Parallel()

	domain, err := launch.Emit(baseSpec(t, alevel.Level2))
	require.NoError(t, err)

	// SNP enabled, but the firmware does not measure kernel hashes
	require.NotNil(t, domain.LaunchSecurity)
	assert.Equal(t, "sev-snp", domain.LaunchSecurity.Type)
	assert.Empty(t, domain.LaunchSecurity.KernelHashes)
	assert.Equal(t, uint(51), domain.LaunchSecurity.CBitPos)
	assert.Equal(t, uint(1), domain.LaunchSecurity.ReducedPhysBits)
	assert.Equal(t, "0x30000", domain.LaunchSecurity.Policy)

	// disk boot only
	assert.Empty(t, domain.OS.Kernel)
	assert.Empty(t, domain.OS.Initrd)
	assert.Empty(t, domain.OS.Cmdline)
	require.NotNil(t, domain.OS.Boot)
	assert.Equal(t, "hd", domain.OS.Boot.Dev)

	// measured firmware is mapped as ROM
	require.NotNil(t, domain.OS.Loader)
	assert.Equal(t, "rom", domain.OS.Loader.Type)
	assert.Empty(t, domain.OS.NVRAM)

	require.Len(t, domain.Devices.Disks, 1)
	assert.Equal(t, "vda", domain.Devices.Disks[0].Target.Dev)

	assert.EqualValues(t, 4*1024*1024, domain.Memory.Value)
	assert.Equal(t, "KiB", domain.Memory.Unit)
}

func TestEmitLevel0(t *testing.T) {
	t.Parallel()

	spec := baseSpec(t, alevel.Level0)
	spec.Firmware = "/usr/share/edk2/ovmf/OVMF_CODE.fd"
	spec.NVRAM = "/state/vms/vm1/nvram.fd"

	domain, err := launch.Emit(spec)
	require.NoError(t, err)

	assert.Nil(t, domain.LaunchSecurity)

	require.NotNil(t, domain.OS.Loader)
	assert.Equal(t, "pflash", domain.OS.Loader.Type)
	assert.Equal(t, "/state/vms/vm1/nvram.fd", domain.OS.NVRAM)

	// without the per-VM variable store pflash boot must be refused
	spec.NVRAM = ""

	_, err = launch.Emit(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nvram")
}

func TestEmitLevel3(t *testing.T) {
	t.Parallel()

	spec := baseSpec(t, alevel.Level3)
	spec.Firmware = "/fw/OVMF.snp-kernel-hashes.fd"
	spec.Kernel = "/state/vms/vm1/boot/vmlinuz"
	spec.Initrd = "/state/vms/vm1/boot/initramfs.img"
	spec.Cmdline = "root=/dev/vda2 rw rootwait console=ttyS0"

	domain, err := launch.Emit(spec)
	require.NoError(t, err)

	require.NotNil(t, domain.LaunchSecurity)
	assert.Equal(t, "yes", domain.LaunchSecurity.KernelHashes)

	assert.Equal(t, spec.Kernel, domain.OS.Kernel)
	assert.Equal(t, spec.Initrd, domain.OS.Initrd)
	assert.Equal(t, spec.Cmdline, domain.OS.Cmdline)
	assert.Nil(t, domain.OS.Boot)

	// no verity devices below AL4
	require.Len(t, domain.Devices.Disks, 1)
}

func TestEmitLevel3MissingKernel(t *testing.T) {
	t.Parallel()

	spec := baseSpec(t, alevel.Level3)

	_, err := launch.Emit(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "direct-kernel boot requires")
}

func TestEmitLevel4DiskBackedOverlay(t *testing.T) {
	t.Parallel()

	spec := baseSpec(t, alevel.Level4)
	spec.Kernel = "/state/vms/vm1/boot/vmlinuz"
	spec.Initrd = "/state/vms/vm1/boot/initramfs.img"
	spec.Cmdline = "root=/dev/mapper/vroot ro rootwait rootfstype=ext4 console=ttyS0 fsck.mode=skip alman_roothash=" + testRootHash
	spec.HashImage = "/state/vms/vm1/verity-hash.raw"
	spec.UpperImage = "/state/vms/vm1/overlay-upper.raw"

	domain, err := launch.Emit(spec)
	require.NoError(t, err)

	require.Len(t, domain.Devices.Disks, 3)

	assert.Equal(t, "vdb", domain.Devices.Disks[1].Target.Dev)
	assert.Equal(t, "/state/vms/vm1/verity-hash.raw", domain.Devices.Disks[1].Source.File)
	assert.NotNil(t, domain.Devices.Disks[1].ReadOnly)

	assert.Equal(t, "vdc", domain.Devices.Disks[2].Target.Dev)
	assert.Equal(t, "/state/vms/vm1/overlay-upper.raw", domain.Devices.Disks[2].Source.File)
}

func TestEmitLevel4TmpfsOverlay(t *testing.T) {
	t.Parallel()

	spec := baseSpec(t, alevel.Level4)
	spec.Overlay = alevel.OverlayPolicy{UpperMode: alevel.UpperModeTmpfs, TmpfsSize: 512 * 1024 * 1024}
	spec.Kernel = "/state/vms/vm1/boot/vmlinuz"
	spec.Initrd = "/state/vms/vm1/boot/initramfs.img"
	spec.Cmdline = "root=/dev/mapper/vroot ro alman_roothash=" + testRootHash
	spec.HashImage = "/state/vms/vm1/verity-hash.raw"

	domain, err := launch.Emit(spec)
	require.NoError(t, err)

	// hash device is attached, the upper device is not
	require.Len(t, domain.Devices.Disks, 2)
	assert.Equal(t, "vdb", domain.Devices.Disks[1].Target.Dev)

	// while the disk-backed mode without an upper image is an error
	spec.Overlay = alevel.OverlayPolicy{UpperMode: alevel.UpperModeDisk}

	_, err = launch.Emit(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upper device")
}

func TestEmitLevel4MissingHashImage(t *testing.T) {
	t.Parallel()

	spec := baseSpec(t, alevel.Level4)
	spec.Kernel = "/k"
	spec.Initrd = "/i"
	spec.Cmdline = "root=/dev/mapper/vroot"

	_, err := launch.Emit(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash device")
}

func TestMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	spec := baseSpec(t, alevel.Level2)

	domain, err := launch.Emit(spec)
	require.NoError(t, err)

	data, err := domain.Marshal()
	require.NoError(t, err)

	assert.Contains(t, string(data), `<launchSecurity type="sev-snp">`)
	assert.Contains(t, string(data), `<loader readonly="yes" type="rom">/fw/OVMF.snp.fd</loader>`)

	var decoded launch.Domain

	require.NoError(t, xml.Unmarshal(data, &decoded))
	assert.Equal(t, "vm1", decoded.Name)
	require.NotNil(t, decoded.LaunchSecurity)
	assert.Equal(t, "0x30000", decoded.LaunchSecurity.Policy)
}

func TestWriteFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "domain.xml")

	require.NoError(t, launch.WriteFile(path, baseSpec(t, alevel.Level2)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<domain type=\"kvm\">")
}

func TestPrepareNVRAM(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	template := filepath.Join(dir, "OVMF_VARS.fd")
	require.NoError(t, os.WriteFile(template, []byte("pristine vars"), 0o644))

	path := filepath.Join(dir, "nvram.fd")

	require.NoError(t, launch.PrepareNVRAM(template, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "pristine vars", string(data))

	// existing variable store is preserved
	require.NoError(t, os.WriteFile(path, []byte("customized"), 0o644))
	require.NoError(t, launch.PrepareNVRAM(template, path))

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "customized", string(data))

	// missing template is an error
	require.Error(t, launch.PrepareNVRAM(filepath.Join(dir, "missing.fd"), filepath.Join(dir, "other.fd")))
}
