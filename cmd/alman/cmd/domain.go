// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/salzg/attestation-level-manager/internal/pkg/virt"
	"github.com/salzg/attestation-level-manager/pkg/cli"
)

var connectURI string

// withManager runs f against the libvirt wrapper.
func withManager(ctx context.Context, f func(ctx context.Context, m *virt.Manager) error) error {
	return f(ctx, virt.New(virt.WithConnectURI(connectURI)))
}

var defineCmd = &cobra.Command{
	Use:   "define <name>",
	Short: "Define the libvirt domain from the emitted descriptor",
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

			vm, err := state.VM(args[0])
			if err != nil {
				return err
			}

			return withManager(ctx, func(ctx context.Context, m *virt.Manager) error {
				return m.Define(ctx, vm.DomainFile())
			})
		})
	},
}

var startCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start the domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.WithContext(cmd.Context(), func(ctx context.Context) error {
			return withManager(ctx, func(ctx context.Context, m *virt.Manager) error {
				return m.Start(ctx, args[0])
			})
		})
	},
}

var consoleCmd = &cobra.Command{
	Use:   "console <name>",
	Short: "Attach to the domain serial console",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(ctx context.Context, m *virt.Manager) error {
			return m.Console(ctx, args[0])
		})
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <name>",
	Short: "Force-stop the domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.WithContext(cmd.Context(), func(ctx context.Context) error {
			return withManager(ctx, func(ctx context.Context, m *virt.Manager) error {
				return m.Destroy(ctx, args[0])
			})
		})
	},
}

var undefineCmd = &cobra.Command{
	Use:   "undefine <name>",
	Short: "Undefine the domain and drop its NVRAM store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.WithContext(cmd.Context(), func(ctx context.Context) error {
			return withManager(ctx, func(ctx context.Context, m *virt.Manager) error {
				return m.Undefine(ctx, args[0])
			})
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{defineCmd, startCmd, consoleCmd, destroyCmd, undefineCmd} {
		cmd.Flags().StringVar(&connectURI, "connect", virt.DefaultConnectURI, "libvirt connection URI")

		addCommand(cmd)
	}
}
