// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/salzg/attestation-level-manager/internal/pkg/apply"
	"github.com/salzg/attestation-level-manager/pkg/cli"
)

// makeVerityCmd builds the verity hash tree for a VM.
//
// The root hash is the only thing written to stdout so callers can capture it
// directly; all diagnostics go to stderr.
var makeVerityCmd = &cobra.Command{
	Use:   "make-verity <name>",
	Short: "Build the dm-verity hash tree and print the root hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.WithContext(cmd.Context(), func(ctx context.Context) error {
			return withApplier(ctx, func(ctx context.Context, a *apply.Applier) error {
				rootHash, err := a.MakeVerity(ctx, args[0])
				if err != nil {
					return err
				}

				fmt.Println(rootHash)

				return nil
			})
		})
	},
}

func init() {
	addCommand(makeVerityCmd)
}
