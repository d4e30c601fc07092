// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmd implements the alman command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/salzg/attestation-level-manager/internal/pkg/apply"
	"github.com/salzg/attestation-level-manager/internal/pkg/devpool"
	"github.com/salzg/attestation-level-manager/internal/pkg/logging"
	"github.com/salzg/attestation-level-manager/internal/pkg/statedir"
	"github.com/salzg/attestation-level-manager/pkg/profile"
)

// Commands is a list of commands published by the package.
var Commands []*cobra.Command

func addCommand(cmd *cobra.Command) {
	Commands = append(Commands, cmd)
}

var persistentFlags struct {
	profilePath string
	stateDir    string
	debug       bool
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:           "alman",
	Short:         "Build and manage SEV-SNP guest images by attestation level",
	Long:          ``,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
	}

	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&persistentFlags.profilePath, "profile", "p", "", "path to the build profile (default is the built-in profile)")
	rootCmd.PersistentFlags().StringVar(&persistentFlags.stateDir, "state-dir", "", "override the state directory (default ~/.alman)")
	rootCmd.PersistentFlags().BoolVar(&persistentFlags.debug, "debug", false, "enable debug logging")

	for _, cmd := range Commands {
		rootCmd.AddCommand(cmd)
	}
}

// newLogger builds the stderr logger; stdout stays reserved for command
// output such as the make-verity root hash.
func newLogger() *zap.Logger {
	return logging.CLI(persistentFlags.debug)
}

func loadProfile() (*profile.Profile, error) {
	p := profile.Default()

	if persistentFlags.profilePath != "" {
		var err error

		if p, err = profile.Load(persistentFlags.profilePath); err != nil {
			return nil, err
		}
	}

	if persistentFlags.stateDir != "" {
		p.StateDir = persistentFlags.stateDir
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

func openState(p *profile.Profile) (*statedir.State, error) {
	root, err := p.State()
	if err != nil {
		return nil, err
	}

	return statedir.Open(root)
}

// withApplier loads the profile and state and runs f with a ready applier.
func withApplier(ctx context.Context, f func(ctx context.Context, a *apply.Applier) error) error {
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

	return f(ctx, apply.New(p, state, devpool.New(), logger))
}
