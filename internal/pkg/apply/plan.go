// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package apply

import (
	"strconv"

	"github.com/salzg/attestation-level-manager/internal/pkg/bootguard"
	"github.com/salzg/attestation-level-manager/internal/pkg/launch"
	"github.com/salzg/attestation-level-manager/internal/pkg/statedir"
	"github.com/salzg/attestation-level-manager/internal/pkg/verity"
	"github.com/salzg/attestation-level-manager/pkg/alevel"
	"github.com/salzg/attestation-level-manager/pkg/constants"
	"github.com/salzg/attestation-level-manager/pkg/profile"
)

// guardConfig assembles the guest boot guard configuration for a resolved
// policy.
//
// An empty digest leaves the corresponding check disabled. The verity and
// overlay fields are only populated when the level uses them, so a level
// transition cannot leave a stale device reference behind.
func guardConfig(p *profile.Profile, policy alevel.BootPolicy, overlay alevel.OverlayPolicy, kernelSHA256, initrdSHA256 string) *bootguard.Config {
	cfg := &bootguard.Config{
		ExpectedKernelSHA256: kernelSHA256,
		ExpectedInitrdSHA256: initrdSHA256,
		RootPartition:        p.VM.RootPartition,
	}

	if !policy.VerityRequired {
		return cfg
	}

	cfg.HashDevice = constants.DefaultHashDevice
	cfg.UpperMode = overlay.UpperMode

	if overlay.DiskBacked() {
		cfg.UpperDevice = constants.DefaultUpperDevice
	} else {
		// tmpfs size= accepts a plain byte count
		cfg.TmpfsSize = strconv.FormatUint(overlay.TmpfsSize, 10)
	}

	return cfg
}

// verityRecord assembles the per-VM verity record for a fresh format run.
func verityRecord(p *profile.Profile, vm *statedir.VMState, rootHash string) *verity.Record {
	record := &verity.Record{
		VM:         vm.Name(),
		RootHash:   rootHash,
		RootDevice: p.VM.RootPartition,
		HashDevice: constants.DefaultHashDevice,
		HashImage:  vm.HashImage(),
	}

	if p.OverlayPolicy().DiskBacked() {
		record.UpperDevice = constants.DefaultUpperDevice
	}

	return record
}

// launchSpec assembles the descriptor emission spec from the apply outcome.
func launchSpec(p *profile.Profile, vm *statedir.VMState, policy alevel.BootPolicy, overlay alevel.OverlayPolicy, outcome *Outcome) launch.Spec {
	spec := launch.Spec{
		Name:            vm.Name(),
		Policy:          policy,
		Overlay:         overlay,
		MemoryBytes:     p.VM.Memory.Value(),
		VCPUs:           p.VM.VCPUs,
		DiskImage:       vm.Disk(),
		Firmware:        p.FirmwareFor(policy),
		SNPPolicy:       uint32(p.VM.SNPPolicy),
		CBitPos:         p.VM.CBitPos,
		ReducedPhysBits: p.VM.ReducedPhysBits,
	}

	if !policy.SNP {
		spec.NVRAM = vm.NVRAM()
	}

	if policy.BootMode == alevel.BootModeDirectKernel {
		spec.Kernel = outcome.Artifacts.KernelPath
		spec.Initrd = outcome.Artifacts.InitrdPath
		spec.Cmdline = outcome.Cmdline
	}

	if policy.VerityRequired {
		spec.HashImage = vm.HashImage()

		if overlay.DiskBacked() {
			spec.UpperImage = vm.UpperImage()
		}
	}

	return spec
}
