// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package gate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/salzg/attestation-level-manager/internal/pkg/verity"
)

// VerityOpen activates the dm-verity mapping for the root filesystem using
// the root hash carried on the kernel command line.
//
// A missing or malformed root hash fails the stage; the mapping is never
// opened with a guessed or default hash.
func (r *Runner) VerityOpen(ctx context.Context, cmdline string, opts ...verity.OpenOption) error {
	cfg, err := r.config()
	if err != nil {
		return err
	}

	if cfg.RootPartition == "" || cfg.HashDevice == "" {
		return fmt.Errorf("verity activation requires ROOT_PART and HASH_DEV in the boot guard config")
	}

	rootHash, err := verity.RootHashFromCmdline(cmdline)
	if err != nil {
		return err
	}

	r.logger.Info("activating verity mapping",
		zap.String("data", cfg.RootPartition),
		zap.String("hash", cfg.HashDevice),
	)

	return verity.Open(ctx, cfg.RootPartition, cfg.HashDevice, rootHash, opts...)
}
