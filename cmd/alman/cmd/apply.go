// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/siderolabs/gen/maps"
	"github.com/siderolabs/gen/xslices"
	"github.com/spf13/cobra"

	"github.com/salzg/attestation-level-manager/internal/pkg/apply"
	"github.com/salzg/attestation-level-manager/internal/pkg/measurement"
	"github.com/salzg/attestation-level-manager/pkg/alevel"
	"github.com/salzg/attestation-level-manager/pkg/cli"
)

// applyALCmd reconfigures a VM for an attestation level.
var applyALCmd = &cobra.Command{
	Use:   "apply-al <name> <level>",
	Short: "Reconfigure a VM for an attestation level (0-4)",
	Long: `Re-derives every launch artifact of the VM from the requested level:
the guest boot chain, the dm-verity hash tree, the kernel command line, the
expected launch measurements and the libvirt domain descriptor.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.WithContext(cmd.Context(), func(ctx context.Context) error {
			level, err := alevel.ParseLevel(args[1])
			if err != nil {
				return err
			}

			return withApplier(ctx, func(ctx context.Context, a *apply.Applier) error {
				outcome, err := a.Apply(ctx, args[0], level)
				if err != nil {
					return err
				}

				return renderOutcome(outcome)
			})
		})
	},
}

// measureCmd recomputes expected measurements from the cached artifacts.
var measureCmd = &cobra.Command{
	Use:   "measure <name> <level>",
	Short: "Recompute expected launch measurements from the cached boot artifacts",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.WithContext(cmd.Context(), func(ctx context.Context) error {
			level, err := alevel.ParseLevel(args[1])
			if err != nil {
				return err
			}

			return withApplier(ctx, func(ctx context.Context, a *apply.Applier) error {
				outcome, err := a.Measure(ctx, args[0], level)
				if err != nil {
					return err
				}

				return renderMeasurements(outcome.Measurements)
			})
		})
	},
}

func renderOutcome(outcome *apply.Outcome) error {
	rows := [][2]string{
		{"LEVEL", outcome.Level.String()},
	}

	if components := outcome.Level.MeasuredComponents(); len(components) > 0 {
		rows = append(rows, [2]string{"MEASURED", joinComponents(components)})
	}

	if outcome.Cmdline != "" {
		rows = append(rows, [2]string{"CMDLINE", outcome.Cmdline})
	}

	if outcome.RootHash != "" {
		rows = append(rows, [2]string{"ROOT HASH", outcome.RootHash})
	}

	rows = append(rows, [2]string{"DOMAIN", outcome.DomainFile})

	if err := cli.RenderSummary(os.Stdout, rows); err != nil {
		return err
	}

	if !outcome.Level.Measurable() {
		return nil
	}

	fmt.Println()

	return renderMeasurements(outcome.Measurements)
}

func renderMeasurements(results measurement.Results) error {
	return cli.RenderMeasurements(
		os.Stdout,
		maps.Map(results.Measurements, func(label string, r measurement.Result) (string, string) {
			return label, r.MeasurementHex
		}),
		results.Errors,
	)
}

func joinComponents(components []alevel.Component) string {
	return strings.Join(xslices.Map(components, func(c alevel.Component) string { return string(c) }), ", ")
}

func init() {
	addCommand(applyALCmd)
	addCommand(measureCmd)
}
