// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package alevel maps an attestation level to its boot chain policy.
//
// An attestation level (AL) is an ordinal in 0..4 classifying how much of the
// guest boot chain is covered by the hardware launch measurement. Everything
// else the builder does (firmware selection, boot mode, dm-verity, the guest
// boot gate, the launch descriptor and the expected measurement inputs) is
// derived from the policy resolved here, and only here.
package alevel

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidLevel is returned for levels outside of 0..4.
var ErrInvalidLevel = errors.New("invalid attestation level")

// Level is the attestation level.
type Level int

// Supported attestation levels.
const (
	// Level0: plain VM, no launch security, disk boot.
	Level0 Level = iota
	// Level1: SEV-SNP memory encryption, disk boot, no reference measurement.
	Level1
	// Level2: SEV-SNP, disk boot, firmware covered by the reference measurement.
	Level2
	// Level3: SEV-SNP with direct kernel boot, kernel/initrd/cmdline measured.
	Level3
	// Level4: Level3 plus dm-verity protected read-only root with overlay.
	Level4

	// MaxLevel is the highest supported level.
	MaxLevel = Level4
)

// ParseLevel parses a level from its decimal string form.
func ParseLevel(s string) (Level, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}

	l := Level(n)
	if !l.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLevel, n)
	}

	return l, nil
}

// Valid reports whether the level is in the supported range.
func (l Level) Valid() bool {
	return l >= Level0 && l <= MaxLevel
}

// Measurable reports whether a reference launch measurement is computed and
// stored for the level. Levels 0 and 1 have no launch measurement by
// definition.
func (l Level) Measurable() bool {
	return l >= Level2
}

func (l Level) String() string {
	return "AL" + strconv.Itoa(int(l))
}

// BootMode selects how the guest is booted.
type BootMode int

const (
	// BootModeDisk boots the firmware from the VM disk (bootloader path).
	BootModeDisk BootMode = iota
	// BootModeDirectKernel boots kernel/initrd/cmdline supplied by the host.
	BootModeDirectKernel
)

func (m BootMode) String() string {
	if m == BootModeDirectKernel {
		return "direct-kernel"
	}

	return "disk"
}

// FirmwareSelector picks one of the two guest firmware builds.
type FirmwareSelector int

const (
	// FirmwarePlain is the build without kernel hashing support.
	FirmwarePlain FirmwareSelector = iota
	// FirmwareKernelHashes is the build with kernel hashing support.
	FirmwareKernelHashes
)

func (f FirmwareSelector) String() string {
	if f == FirmwareKernelHashes {
		return "kernel-hashes"
	}

	return "plain"
}

// BootPolicy is the boot chain policy derived from an attestation level.
//
// It is recomputed on demand and never persisted; its effects (cmdline, guest
// config, launch descriptor, measurement inputs) are.
type BootPolicy struct {
	Level          Level
	BootMode       BootMode
	Firmware       FirmwareSelector
	SNP            bool
	KernelHashes   bool
	VerityRequired bool
}

// Resolve maps a level to its boot policy.
//
//	AL | boot mode     | launch security | kernel hashes | verity
//	 0 | disk          | none            | no            | no
//	 1 | disk          | snp             | no            | no
//	 2 | disk          | snp             | no            | no
//	 3 | direct-kernel | snp             | yes           | no
//	 4 | direct-kernel | snp             | yes           | yes
func Resolve(l Level) (BootPolicy, error) {
	if !l.Valid() {
		return BootPolicy{}, fmt.Errorf("%w: %d", ErrInvalidLevel, int(l))
	}

	policy := BootPolicy{
		Level:          l,
		BootMode:       BootModeDisk,
		Firmware:       FirmwarePlain,
		SNP:            l >= Level1,
		KernelHashes:   l >= Level3,
		VerityRequired: l == Level4,
	}

	if l >= Level3 {
		// kernel hash launch measurement requires the firmware build with
		// hashing support, and that firmware is only exercised with direct
		// kernel boot
		policy.BootMode = BootModeDirectKernel
		policy.Firmware = FirmwareKernelHashes
	}

	return policy, nil
}

// Component names a boot chain element covered by the launch measurement.
type Component string

// Boot chain components.
const (
	ComponentFirmware Component = "firmware"
	ComponentKernel   Component = "kernel"
	ComponentInitrd   Component = "initrd"
	ComponentCmdline  Component = "cmdline"
	ComponentRootFS   Component = "rootfs"
)

// MeasuredComponents lists the components covered by the launch measurement at
// the given level. Coverage grows monotonically with the level.
func (l Level) MeasuredComponents() []Component {
	var components []Component

	if l >= Level2 {
		components = append(components, ComponentFirmware)
	}

	if l >= Level3 {
		components = append(components, ComponentKernel, ComponentInitrd, ComponentCmdline)
	}

	if l >= Level4 {
		// the root filesystem is covered transitively: its verity root hash
		// is part of the measured command line
		components = append(components, ComponentRootFS)
	}

	return components
}
