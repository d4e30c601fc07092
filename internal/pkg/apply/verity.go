// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package apply

import (
	"context"
	"fmt"
	"os"

	"github.com/salzg/attestation-level-manager/internal/pkg/devpool"
	"github.com/salzg/attestation-level-manager/pkg/constants"
)

// MakeVerity builds the verity hash tree for the VM root partition and
// returns the resulting root hash.
//
// The root filesystem must stay untouched afterwards, any write invalidates
// the tree. Apply runs the same step as part of its pipeline; this entry
// point exists for rebuilding the tree without changing anything else.
func (a *Applier) MakeVerity(ctx context.Context, name string) (string, error) {
	vm, err := a.state.VM(name)
	if err != nil {
		return "", err
	}

	if _, err = os.Stat(vm.Disk()); err != nil {
		return "", fmt.Errorf("vm disk not found, run build-vm first: %w", err)
	}

	if err = a.ensureHashImage(vm); err != nil {
		return "", err
	}

	outcome := &Outcome{}

	err = a.withDisk(ctx, vm.Disk(), func(dev *devpool.Device) error {
		rootPart, err := dev.WaitPartition(ctx, constants.RootPartitionIndex)
		if err != nil {
			return err
		}

		return a.provisionVerity(ctx, vm, rootPart, outcome)
	})
	if err != nil {
		return "", err
	}

	return outcome.RootHash, nil
}
