// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/salzg/attestation-level-manager/internal/pkg/apply"
	"github.com/salzg/attestation-level-manager/pkg/alevel"
	"github.com/salzg/attestation-level-manager/pkg/cli"
)

var setBootGuardCmdFlags struct {
	kernelHash       string
	initrdHash       string
	pinCurrentKernel bool
	noRegen          bool
}

// setBootGuardCmd pins the expected boot file digests inside the guest.
var setBootGuardCmd = &cobra.Command{
	Use:   "set-boot-guard <name> <level>",
	Short: "Write the in-guest boot guard configuration and initramfs hooks",
	Long: `Writes the boot guard configuration consumed by the gate in the guest
initramfs and reinstalls the matching hooks. Digests not supplied stay
disabled. By default the initramfs is regenerated so that it embeds the new
configuration; --no-regen skips that, which is required when pinning the
digest of the current initramfs itself.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.WithContext(cmd.Context(), func(ctx context.Context) error {
			level, err := alevel.ParseLevel(args[1])
			if err != nil {
				return err
			}

			return withApplier(ctx, func(ctx context.Context, a *apply.Applier) error {
				return a.SetBootGuard(ctx, args[0], level, apply.GuardInput{
					KernelSHA256:     setBootGuardCmdFlags.kernelHash,
					InitrdSHA256:     setBootGuardCmdFlags.initrdHash,
					PinCurrentKernel: setBootGuardCmdFlags.pinCurrentKernel,
					Regenerate:       !setBootGuardCmdFlags.noRegen,
				})
			})
		})
	},
}

func init() {
	setBootGuardCmd.Flags().StringVar(&setBootGuardCmdFlags.kernelHash, "kernel-hash", "", "expected kernel sha256 (empty disables the check)")
	setBootGuardCmd.Flags().StringVar(&setBootGuardCmdFlags.initrdHash, "initrd-hash", "", "expected initrd sha256 (empty disables the check)")
	setBootGuardCmd.Flags().BoolVar(&setBootGuardCmdFlags.pinCurrentKernel, "pin-current-kernel", false, "derive the kernel digest from the kernel installed in the image")
	setBootGuardCmd.Flags().BoolVar(&setBootGuardCmdFlags.noRegen, "no-regen", false, "do not regenerate the initramfs after writing the configuration")

	addCommand(setBootGuardCmd)
}
