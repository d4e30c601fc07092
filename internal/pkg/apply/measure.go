// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package apply

import (
	"context"
	"fmt"

	"github.com/salzg/attestation-level-manager/internal/pkg/artifacts"
	"github.com/salzg/attestation-level-manager/internal/pkg/measurement"
	"github.com/salzg/attestation-level-manager/internal/pkg/statedir"
	"github.com/salzg/attestation-level-manager/internal/pkg/verity"
	"github.com/salzg/attestation-level-manager/pkg/alevel"
)

// Measure recomputes the expected launch measurements for a VM from its
// cached boot artifacts and merges them into the reference value store.
//
// The cache is filled by apply; measuring a VM whose artifacts were never
// extracted fails. Note that the cache may lag behind the disk image, apply
// is the only operation that refreshes it.
func (a *Applier) Measure(ctx context.Context, name string, level alevel.Level) (*Outcome, error) {
	policy, err := alevel.Resolve(level)
	if err != nil {
		return nil, err
	}

	if !policy.Level.Measurable() {
		return nil, fmt.Errorf("%s has no launch measurement", level)
	}

	vm, err := a.state.VM(name)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{
		Level:  level,
		Policy: policy,
	}

	if policy.BootMode == alevel.BootModeDirectKernel {
		kernel, initrd, locateErr := artifacts.Locate(vm.Root())
		if locateErr != nil {
			return nil, fmt.Errorf("no cached boot artifacts, run apply-al first: %w", locateErr)
		}

		outcome.Artifacts = &artifacts.BootArtifacts{KernelPath: kernel, InitrdPath: initrd}

		if policy.VerityRequired {
			record, recordErr := verity.LoadRecord(vm.VerityRecordFile())
			if recordErr != nil {
				return nil, fmt.Errorf("no verity record, run apply-al or make-verity first: %w", recordErr)
			}

			outcome.RootHash = record.RootHash
		}

		if outcome.Cmdline, err = a.deriveCmdline(policy, outcome.RootHash); err != nil {
			return nil, err
		}
	}

	if err = a.computeExpected(ctx, vm, policy, outcome); err != nil {
		return nil, err
	}

	return outcome, nil
}

// cpuSpecPaths resolves the CPU type table and allow-list locations; profile
// overrides take precedence over the state directory defaults.
func (a *Applier) cpuSpecPaths() (specsPath, allowPath string) {
	specsPath = a.profile.Measurement.CPUTypes
	if specsPath == "" {
		specsPath = a.state.CPUTypesFile()
	}

	allowPath = a.profile.Measurement.LegalCPUTypes
	if allowPath == "" {
		allowPath = a.state.LegalCPUTypesFile()
	}

	return specsPath, allowPath
}

// loadCPUSpecs loads the configured CPU type table and validates its named
// entries against the allow-list. The allow-list is only consulted when the
// table actually names CPU types.
func (a *Applier) loadCPUSpecs() ([]measurement.CPUSpec, string, error) {
	specsPath, allowPath := a.cpuSpecPaths()

	specs, err := measurement.LoadCPUSpecs(specsPath)
	if err != nil {
		return nil, "", err
	}

	named := false

	for _, spec := range specs {
		if spec.Kind == measurement.SpecKindType {
			named = true

			break
		}
	}

	if named {
		allowList, err := measurement.LoadAllowList(allowPath)
		if err != nil {
			return nil, "", err
		}

		if err = measurement.ValidateSpecs(specs, allowList); err != nil {
			return nil, "", err
		}
	}

	return specs, specsPath, nil
}

// computeExpected runs the measurement calculator for every configured CPU
// type and merges the results into the reference value store. Per-type
// failures are persisted alongside successes; only a missing tool aborts.
func (a *Applier) computeExpected(ctx context.Context, vm *statedir.VMState, policy alevel.BootPolicy, outcome *Outcome) error {
	specs, specsPath, err := a.loadCPUSpecs()
	if err != nil {
		return err
	}

	input := measurement.Input{
		Level: policy.Level,
		VCPUs: a.profile.VM.VCPUs,
		OVMF:  a.profile.FirmwareFor(policy),
	}

	if policy.BootMode == alevel.BootModeDirectKernel {
		input.Kernel = outcome.Artifacts.KernelPath
		input.Initrd = outcome.Artifacts.InitrdPath
		input.Append = outcome.Cmdline
	}

	calc := measurement.NewCalculator(a.profile.Measurement.Tool)

	results, err := calc.MeasureAll(ctx, input, specs)
	if err != nil {
		return err
	}

	update := measurement.NewUpdate(input, specs, specsPath, results)

	if update.InputsSHA256, err = measurement.InputsDigest(input, specs); err != nil {
		return err
	}

	if err = measurement.UpdateStore(a.state.MeasurementsFile(), vm.Name(), update); err != nil {
		return err
	}

	outcome.Measurements = results

	return nil
}
