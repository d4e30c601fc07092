// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// showProfileCmd represents the show-profile command.
var showProfileCmd = &cobra.Command{
	Use:   "show-profile",
	Short: "Print the effective build profile as YAML",
	Long:  `Print the profile the other commands would run with: the defaults merged with the --profile file, after validation.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadProfile()
		if err != nil {
			return err
		}

		return p.Dump(os.Stdout)
	},
}

func init() {
	addCommand(showProfileCmd)
}
