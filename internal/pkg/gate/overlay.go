// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/siderolabs/go-blockdevice/v2/blkid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/salzg/attestation-level-manager/internal/pkg/bootguard"
	"github.com/salzg/attestation-level-manager/internal/pkg/mount"
	"github.com/salzg/attestation-level-manager/pkg/alevel"
	"github.com/salzg/attestation-level-manager/pkg/makefs"
)

// OverlayPlan describes how the writable layer over the read-only root is
// provided.
type OverlayPlan struct {
	Mode alevel.UpperMode

	// UpperDevice is the block device backing the upper layer; set only in
	// disk mode.
	UpperDevice string

	// TmpfsSize is the tmpfs size= option; set only in tmpfs mode and empty
	// when the kernel default applies.
	TmpfsSize string
}

// PlanOverlay derives the overlay plan from the boot guard configuration.
//
// In tmpfs mode the plan never references the upper device, even when one is
// configured, so a stale UPPER_DEV entry cannot cause a device write.
func PlanOverlay(cfg *bootguard.Config) (OverlayPlan, error) {
	switch cfg.UpperMode {
	case alevel.UpperModeTmpfs:
		return OverlayPlan{
			Mode:      alevel.UpperModeTmpfs,
			TmpfsSize: cfg.TmpfsSize,
		}, nil
	case alevel.UpperModeDisk:
		if cfg.UpperDevice == "" {
			return OverlayPlan{}, fmt.Errorf("disk-backed overlay requires UPPER_DEV in the boot guard config")
		}

		return OverlayPlan{
			Mode:        alevel.UpperModeDisk,
			UpperDevice: cfg.UpperDevice,
		}, nil
	default:
		return OverlayPlan{}, fmt.Errorf("overlay setup requires AL4_UPPER_MODE in the boot guard config")
	}
}

// OverlaySetup mounts a writable overlay on top of the read-only root at the
// sysroot mountpoint.
//
// The stage is idempotent: when the sysroot already carries an overlay the
// stage succeeds without touching the upper layer again.
func (r *Runner) OverlaySetup(ctx context.Context) error {
	cfg, err := r.config()
	if err != nil {
		return err
	}

	mounted, err := mount.IsMountedAs(r.sysroot, unix.OVERLAYFS_SUPER_MAGIC)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", r.sysroot, err)
	}

	if mounted {
		r.logger.Info("overlay already mounted", zap.String("sysroot", r.sysroot))

		return nil
	}

	plan, err := PlanOverlay(cfg)
	if err != nil {
		return err
	}

	upperRoot := filepath.Join(r.runDir, "overlay")
	staging := filepath.Join(r.runDir, "merged")

	for _, dir := range []string{upperRoot, staging} {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if err = r.mountUpper(ctx, plan, upperRoot); err != nil {
		return err
	}

	upperDir := filepath.Join(upperRoot, "upper")
	workDir := filepath.Join(upperRoot, "work")

	for _, dir := range []string{upperDir, workDir} {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	data := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", r.sysroot, upperDir, workDir)

	if _, err = mount.NewPoint("overlay", staging, "overlay", mount.WithData(data)).Mount(); err != nil {
		return fmt.Errorf("failed to mount overlay: %w", err)
	}

	if err = mount.Move(staging, r.sysroot); err != nil {
		return fmt.Errorf("failed to move overlay over %s: %w", r.sysroot, err)
	}

	r.logger.Info("overlay mounted", zap.String("mode", string(plan.Mode)), zap.String("sysroot", r.sysroot))

	return nil
}

// mountUpper provides the filesystem backing the upper layer at upperRoot.
func (r *Runner) mountUpper(ctx context.Context, plan OverlayPlan, upperRoot string) error {
	switch plan.Mode {
	case alevel.UpperModeTmpfs:
		var opts []mount.NewPointOption

		if plan.TmpfsSize != "" {
			opts = append(opts, mount.WithData("size="+plan.TmpfsSize))
		}

		if _, err := mount.NewPoint("tmpfs", upperRoot, "tmpfs", opts...).Mount(); err != nil {
			return fmt.Errorf("failed to mount tmpfs upper layer: %w", err)
		}

		return nil
	case alevel.UpperModeDisk:
		if err := r.ensureUpperFilesystem(ctx, plan.UpperDevice); err != nil {
			return err
		}

		if _, err := mount.NewPoint(plan.UpperDevice, upperRoot, "ext4").Mount(); err != nil {
			return fmt.Errorf("failed to mount %s: %w", plan.UpperDevice, err)
		}

		return nil
	default:
		return fmt.Errorf("unexpected overlay mode %q", plan.Mode)
	}
}

// ensureUpperFilesystem formats the upper device on first boot and refuses to
// reuse a device carrying anything but ext4.
func (r *Runner) ensureUpperFilesystem(ctx context.Context, device string) error {
	info, err := blkid.ProbePath(device, blkid.WithSkipLocking(true))
	if err != nil {
		return fmt.Errorf("failed to probe %s: %w", device, err)
	}

	switch info.Name {
	case "":
		r.logger.Info("formatting upper device", zap.String("device", device))

		return makefs.Ext4(ctx, device, makefs.WithLabel("ALMAN-UPPER"))
	case makefs.FilesystemTypeEXT4:
		return nil
	default:
		return fmt.Errorf("refusing to reuse %s: found %q, expected %s", device, info.Name, makefs.FilesystemTypeEXT4)
	}
}
