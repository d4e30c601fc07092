// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package main provides the boot gate run inside the guest initramfs.
//
// Each invocation runs one stage fail-closed: a failed stage never returns
// control to the initramfs scripts, it drops into the recovery loop instead.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/salzg/attestation-level-manager/internal/pkg/gate"
	"github.com/salzg/attestation-level-manager/internal/pkg/logging"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s check|verity|overlay\n", os.Args[0])
		os.Exit(2)
	}

	logger := logging.Gate().With(logging.Component("alman-gate"))
	defer logger.Sync() //nolint:errcheck

	g := gate.New(logger)
	runner := gate.NewRunner(logger)

	ctx := context.Background()

	var state gate.State

	switch stage := os.Args[1]; stage {
	case "check":
		state = g.Execute(ctx, "hash-check", runner.HashCheck)
	case "verity":
		state = g.Execute(ctx, "verity-open", func(ctx context.Context) error {
			cmdline, err := os.ReadFile("/proc/cmdline")
			if err != nil {
				return fmt.Errorf("failed to read kernel command line: %w", err)
			}

			return runner.VerityOpen(ctx, string(cmdline))
		})
	case "overlay":
		state = g.Execute(ctx, "overlay-setup", runner.OverlaySetup)
	default:
		fmt.Fprintf(os.Stderr, "unknown stage %q\n", stage)
		os.Exit(2)
	}

	if state != gate.StatePassed {
		logger.Sync() //nolint:errcheck
		os.Exit(1)
	}
}
