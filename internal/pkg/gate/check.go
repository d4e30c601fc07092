// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/salzg/attestation-level-manager/internal/pkg/artifacts"
	"github.com/salzg/attestation-level-manager/internal/pkg/bootguard"
	"github.com/salzg/attestation-level-manager/internal/pkg/mount"
)

// HashCheck mounts the root partition read-only and compares the newest
// kernel and initrd under its /boot against the embedded expected digests.
//
// The stage is a no-op when no expected digest is configured.
func (r *Runner) HashCheck(_ context.Context) error {
	cfg, err := r.config()
	if err != nil {
		return err
	}

	if !cfg.HashCheckEnabled() {
		r.logger.Info("no expected digests configured, skipping hash check")

		return nil
	}

	if cfg.RootPartition == "" {
		return fmt.Errorf("hash check requires ROOT_PART in the boot guard config")
	}

	mountpoint := filepath.Join(r.runDir, "rootcheck")

	if err = os.MkdirAll(mountpoint, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", mountpoint, err)
	}

	unmounter, err := mount.NewPoint(cfg.RootPartition, mountpoint, "ext4", mount.WithReadonly()).Mount()
	if err != nil {
		return fmt.Errorf("failed to mount %s read-only: %w", cfg.RootPartition, err)
	}

	defer unmounter() //nolint:errcheck

	if err = VerifyBootFiles(cfg, mountpoint, r.logger); err != nil {
		return err
	}

	return unmounter()
}

// VerifyBootFiles checks the newest kernel and initrd under <root>/boot
// against the expected digests in the config.
//
// The candidate files are picked with the same newest-version rule the host
// uses when it records the digests, so both sides always talk about the same
// pair of files.
func VerifyBootFiles(cfg *bootguard.Config, root string, logger *zap.Logger) error {
	kernel, initrd, err := artifacts.Locate(root)
	if err != nil {
		return err
	}

	for _, check := range []struct {
		name     string
		path     string
		expected string
	}{
		{"kernel", kernel, cfg.ExpectedKernelSHA256},
		{"initrd", initrd, cfg.ExpectedInitrdSHA256},
	} {
		if check.expected == "" {
			logger.Info("no expected digest, skipping", zap.String("component", check.name))

			continue
		}

		actual, err := artifacts.SHA256File(check.path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", check.name, err)
		}

		if actual != check.expected {
			return fmt.Errorf("%s digest mismatch: %s has sha256 %s, expected %s", check.name, check.path, actual, check.expected)
		}

		logger.Info("digest verified", zap.String("component", check.name), zap.String("path", check.path))
	}

	return nil
}
