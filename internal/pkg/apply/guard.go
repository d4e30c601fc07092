// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package apply

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/salzg/attestation-level-manager/internal/pkg/devpool"
	"github.com/salzg/attestation-level-manager/internal/pkg/guestfs"
	"github.com/salzg/attestation-level-manager/pkg/alevel"
	"github.com/salzg/attestation-level-manager/pkg/constants"
)

// GuardInput carries the operator-chosen boot guard parameters.
type GuardInput struct {
	// KernelSHA256 and InitrdSHA256 pin the expected boot file digests.
	// An empty value disables the corresponding check.
	KernelSHA256 string
	InitrdSHA256 string

	// PinCurrentKernel derives KernelSHA256 from the kernel currently
	// installed in the guest image.
	PinCurrentKernel bool

	// Regenerate rebuilds the initramfs so that it embeds the updated
	// configuration. Skip it when pinning the digest of the current
	// initramfs itself, as a rebuild would change that digest.
	Regenerate bool
}

var sha256Re = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

func (in *GuardInput) normalize() error {
	if in.PinCurrentKernel && in.KernelSHA256 != "" {
		return fmt.Errorf("an explicit kernel digest conflicts with pinning the current kernel")
	}

	for _, digest := range []struct {
		name  string
		value *string
	}{
		{"kernel", &in.KernelSHA256},
		{"initrd", &in.InitrdSHA256},
	} {
		if *digest.value == "" {
			continue
		}

		if !sha256Re.MatchString(*digest.value) {
			return fmt.Errorf("%s digest %q is not a sha256 hex string", digest.name, *digest.value)
		}

		*digest.value = strings.ToLower(*digest.value)
	}

	return nil
}

// SetBootGuard writes the boot guard configuration for the given level into
// the VM image and reinstalls the matching initramfs hooks.
//
// The configuration is consumed by the gate in the guest initramfs, so
// levels without a gate have nothing to guard. At Level4 the write itself
// invalidates the verity hash tree; the caller has to re-run apply
// afterwards.
func (a *Applier) SetBootGuard(ctx context.Context, name string, level alevel.Level, input GuardInput) error {
	policy, err := alevel.Resolve(level)
	if err != nil {
		return err
	}

	if !policy.KernelHashes {
		return fmt.Errorf("%s boots without a guarded initramfs, nothing to configure", level)
	}

	if err = input.normalize(); err != nil {
		return err
	}

	vm, err := a.state.VM(name)
	if err != nil {
		return err
	}

	if _, err = os.Stat(vm.Disk()); err != nil {
		return fmt.Errorf("vm disk not found, run build-vm first: %w", err)
	}

	overlay := a.profile.OverlayPolicy()

	err = a.withDisk(ctx, vm.Disk(), func(dev *devpool.Device) error {
		rootPart, err := dev.WaitPartition(ctx, constants.RootPartitionIndex)
		if err != nil {
			return err
		}

		return a.withGuestRoot(rootPart, func(root string) error {
			if input.PinCurrentKernel {
				var err error

				if input.KernelSHA256, err = guestKernelSHA256(root); err != nil {
					return err
				}

				a.printf("pinned kernel digest %s", input.KernelSHA256)
			}

			gateBinary, err := a.gateBinary()
			if err != nil {
				return err
			}

			if err = guestfs.InstallGate(root, gateBinary); err != nil {
				return err
			}

			cfg := guardConfig(a.profile, policy, overlay, input.KernelSHA256, input.InitrdSHA256)

			if err = guestfs.WriteBootGuard(root, cfg); err != nil {
				return err
			}

			if err = guestfs.InstallDracutModule(root, policy.VerityRequired); err != nil {
				return err
			}

			if !input.Regenerate {
				a.printf("initramfs left untouched, the embedded configuration is now stale")

				return nil
			}

			kernelVersion, err := guestfs.KernelVersion(root)
			if err != nil {
				return err
			}

			a.printf("regenerating initramfs for kernel %s", kernelVersion)

			return guestfs.RegenerateInitramfs(ctx, root, kernelVersion, a.toolOutput())
		})
	})
	if err != nil {
		return err
	}

	if policy.VerityRequired {
		a.printf("the root filesystem changed, re-run apply-al %s to refresh the verity hash tree", level)
	}

	return nil
}
