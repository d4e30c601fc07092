// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/salzg/attestation-level-manager/internal/pkg/devpool"
	"github.com/salzg/attestation-level-manager/internal/pkg/imgbuild"
	"github.com/salzg/attestation-level-manager/pkg/cli"
)

// buildBaseCmd builds the shared base image.
var buildBaseCmd = &cobra.Command{
	Use:   "build-base",
	Short: "Build the shared base image (partition, bootstrap packages, bootloader)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.WithContext(cmd.Context(), func(ctx context.Context) error {
			p, err := loadProfile()
			if err != nil {
				return err
			}

			state, err := openState(p)
			if err != nil {
				return err
			}

			logger := newLogger()
			defer logger.Sync() //nolint:errcheck

			return imgbuild.NewBuilder(p, state, logger).BuildBase(ctx)
		})
	},
}

// buildVMCmd derives a per-VM disk from the base image.
var buildVMCmd = &cobra.Command{
	Use:   "build-vm <name>",
	Short: "Derive a per-VM qcow2 disk from the base image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.WithContext(cmd.Context(), func(ctx context.Context) error {
			p, err := loadProfile()
			if err != nil {
				return err
			}

			state, err := openState(p)
			if err != nil {
				return err
			}

			logger := newLogger()
			defer logger.Sync() //nolint:errcheck

			_, err = imgbuild.NewBuilder(p, state, logger).BuildVM(ctx, devpool.New(), args[0])

			return err
		})
	},
}

func init() {
	addCommand(buildBaseCmd)
	addCommand(buildVMCmd)
}
