// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/salzg/attestation-level-manager/internal/pkg/hostcheck"
	"github.com/salzg/attestation-level-manager/pkg/cli"
)

// hostCheckCmd verifies that the host can build and launch guests.
var hostCheckCmd = &cobra.Command{
	Use:   "host-check",
	Short: "Verify host tools, devices and firmware images",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.WithContext(cmd.Context(), func(ctx context.Context) error {
			p, err := loadProfile()
			if err != nil {
				return err
			}

			return hostcheck.New(p).Run(ctx)
		})
	},
}

func init() {
	addCommand(hostCheckCmd)
}
