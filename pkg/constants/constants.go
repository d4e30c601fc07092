// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package constants defines names shared between the host-side CLI and the
// guest-side boot gate.
package constants

const (
	// VerityMapperName is the device-mapper name of the verified root device.
	VerityMapperName = "vroot"

	// VerityMappedDevice is the device path of the opened verity mapping.
	VerityMappedDevice = "/dev/mapper/" + VerityMapperName

	// VerityRootHashParam is the kernel command line parameter carrying the
	// dm-verity root hash consumed by the boot gate.
	VerityRootHashParam = "alman_roothash"

	// VerityDefaultSalt is the default salt passed to veritysetup format.
	//
	// A fixed salt keeps the root hash reproducible across rebuilds of
	// identical content; overridable via the profile.
	VerityDefaultSalt = "a11a5d3b8d0f4c2e9b7f6a1d0c3e5f7a9b1d3f5a7c9e1b3d5f7a9c1e3b5d7f9a"

	// BootGuardConfigPath is the location of the boot guard configuration
	// inside the guest root filesystem.
	BootGuardConfigPath = "/etc/alman/boot-guard.conf"

	// GateBinaryGuestPath is where the gate binary is installed inside the
	// guest root filesystem.
	GateBinaryGuestPath = "/usr/libexec/alman/alman-gate"

	// DracutModuleDir is the boot gate dracut module directory inside the
	// guest root filesystem.
	DracutModuleDir = "/usr/lib/dracut/modules.d/90alman"

	// DefaultRootPartition is the root partition device as seen by the guest.
	DefaultRootPartition = "/dev/vda2"

	// DefaultHashDevice is the verity hash device as seen by the guest.
	DefaultHashDevice = "/dev/vdb"

	// DefaultUpperDevice is the overlay upper device as seen by the guest.
	DefaultUpperDevice = "/dev/vdc"

	// DefaultTmpfsSize is the default size of the memory-backed overlay upper
	// layer.
	DefaultTmpfsSize = "512M"

	// DefaultConsole is the serial console appended to the kernel command line.
	DefaultConsole = "ttyS0"
)

const (
	// MeasurementsFile is the reference-value store file name.
	MeasurementsFile = "expected-measurements.json"

	// CPUTypesFile is the configured CPU type table file name.
	CPUTypesFile = "cpu-types.json"

	// LegalCPUTypesFile is the allow-list for named CPU types.
	LegalCPUTypesFile = "legal-cpu-types.json"

	// VerityRecordFile is the per-VM verity metadata file name.
	VerityRecordFile = "verity.json"

	// DomainFile is the per-VM launch descriptor file name.
	DomainFile = "domain.xml"

	// MeasureTool is the external launch measurement calculator.
	MeasureTool = "sev-snp-measure"
)

const (
	// EFIPartitionLabel is the label of the EFI system partition of built
	// images.
	EFIPartitionLabel = "EFI"

	// RootPartitionLabel is the label of the root partition of built images.
	RootPartitionLabel = "ROOT"

	// RootFilesystemType is the filesystem of the root partition.
	RootFilesystemType = "ext4"

	// EFIPartitionIndex is the 1-based index of the EFI system partition.
	EFIPartitionIndex = 1

	// RootPartitionIndex is the 1-based index of the root partition.
	RootPartitionIndex = 2

	// EFIPartitionSize is the size of the EFI system partition.
	EFIPartitionSize = 512 * 1024 * 1024

	// EFIPartitionType is the GPT type GUID of the EFI system partition.
	EFIPartitionType = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"

	// LinuxFilesystemType is the GPT type GUID of a Linux filesystem
	// partition.
	LinuxFilesystemType = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
)

const (
	// SNPDefaultPolicy is the default SEV-SNP guest policy bitmask (bit 16
	// reserved-one, bit 17 SMT allowed).
	SNPDefaultPolicy = 0x30000

	// SNPDefaultCBitPos is the default C-bit position for EPYC class hosts.
	SNPDefaultCBitPos = 51

	// SNPDefaultReducedPhysBits is the default physical address reduction.
	SNPDefaultReducedPhysBits = 1
)
