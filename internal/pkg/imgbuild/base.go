// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package imgbuild

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/siderolabs/go-blockdevice/v2/block"
	"github.com/siderolabs/go-blockdevice/v2/partitioning"
	"github.com/siderolabs/go-blockdevice/v2/partitioning/gpt"
	"github.com/siderolabs/go-copy/copy"
	"github.com/siderolabs/go-retry/retry"

	"github.com/salzg/attestation-level-manager/internal/pkg/chroot"
	"github.com/salzg/attestation-level-manager/internal/pkg/mount"
	"github.com/salzg/attestation-level-manager/pkg/constants"
	"github.com/salzg/attestation-level-manager/pkg/makefs"
)

// BuildBase builds the shared base image: a GPT-partitioned raw disk with an
// EFI system partition and an ext4 root, bootstrapped with the configured
// package set.
//
// Re-running replaces any existing base image.
//
//nolint:gocyclo
func (b *Builder) BuildBase(ctx context.Context) (err error) {
	path := b.state.BaseImage()

	if _, statErr := os.Stat(path); statErr == nil {
		b.printf("replacing existing base image %s", path)
	}

	if err = CreateSparse(path, b.profile.Base.DiskSize.Value()); err != nil {
		return err
	}

	dev, err := losetupAttach(ctx, path)
	if err != nil {
		return err
	}

	defer func() {
		if detachErr := losetupDetach(context.WithoutCancel(ctx), dev); detachErr != nil && err == nil {
			err = detachErr
		}
	}()

	if err = b.partitionBase(dev); err != nil {
		return err
	}

	efiPart := partitioning.DevName(dev, constants.EFIPartitionIndex)
	rootPart := partitioning.DevName(dev, constants.RootPartitionIndex)

	for _, part := range []string{efiPart, rootPart} {
		if err = waitForDevice(ctx, part); err != nil {
			return err
		}
	}

	if err = makefs.VFAT(ctx, efiPart,
		makefs.WithLabel(constants.EFIPartitionLabel),
		makefs.WithPrintf(b.printf),
	); err != nil {
		return err
	}

	if err = makefs.Ext4(ctx, rootPart,
		makefs.WithLabel(constants.RootPartitionLabel),
		makefs.WithForce(true),
		makefs.WithPrintf(b.printf),
	); err != nil {
		return err
	}

	root, err := os.MkdirTemp("", "alman-base-")
	if err != nil {
		return fmt.Errorf("failed to create staging mountpoint: %w", err)
	}

	defer os.RemoveAll(root) //nolint:errcheck

	points := mount.Points{
		mount.NewPoint(rootPart, root, makefs.FilesystemTypeEXT4),
		mount.NewPoint(efiPart, filepath.Join(root, "boot", "efi"), makefs.FilesystemTypeVFAT),
	}

	points = append(points, chroot.Points(root)...)

	unmount, err := points.Mount()
	if err != nil {
		return err
	}

	defer unmount() //nolint:errcheck

	if err = b.installPackages(ctx, root); err != nil {
		return err
	}

	if err = b.configureSystem(root); err != nil {
		return err
	}

	if err = b.installBootloader(ctx, root); err != nil {
		return err
	}

	if err = b.runCustomizeScript(ctx, root); err != nil {
		return err
	}

	if err = unmount(); err != nil {
		return err
	}

	b.printf("base image ready at %s", path)

	return nil
}

// partitionBase writes a fresh GPT with the EFI system partition and a root
// partition filling the rest of the disk.
func (b *Builder) partitionBase(dev string) error {
	bd, err := block.NewFromPath(dev, block.OpenForWrite())
	if err != nil {
		return fmt.Errorf("failed to open blockdevice %s: %w", dev, err)
	}

	defer bd.Close() //nolint:errcheck

	if err = bd.Lock(true); err != nil {
		return fmt.Errorf("failed to lock blockdevice %s: %w", dev, err)
	}

	defer bd.Unlock() //nolint:errcheck

	gptdev, err := gpt.DeviceFromBlockDevice(bd)
	if err != nil {
		return fmt.Errorf("error getting GPT device: %w", err)
	}

	pt, err := gpt.New(gptdev)
	if err != nil {
		return fmt.Errorf("failed to initialize GPT: %w", err)
	}

	if _, _, err = pt.AllocatePartition(
		constants.EFIPartitionSize,
		constants.EFIPartitionLabel,
		uuid.MustParse(constants.EFIPartitionType),
	); err != nil {
		return fmt.Errorf("failed to allocate EFI partition: %w", err)
	}

	if _, _, err = pt.AllocatePartition(
		pt.LargestContiguousAllocatable(),
		constants.RootPartitionLabel,
		uuid.MustParse(constants.LinuxFilesystemType),
	); err != nil {
		return fmt.Errorf("failed to allocate root partition: %w", err)
	}

	if err = pt.Write(); err != nil {
		return fmt.Errorf("failed to write GPT: %w", err)
	}

	b.printf("partitioned %s (%s %d bytes, %s rest)", dev, constants.EFIPartitionLabel,
		uint64(constants.EFIPartitionSize), constants.RootPartitionLabel)

	return nil
}

// installPackages bootstraps the root filesystem with dnf.
func (b *Builder) installPackages(ctx context.Context, root string) error {
	args := []string{
		"--installroot=" + root,
		"--releasever=" + b.profile.Base.Releasever,
		"--assumeyes",
		"--setopt=install_weak_deps=False",
		"install",
	}

	args = append(args, b.profile.Base.Packages...)

	b.printf("installing %d packages (releasever %s)", len(b.profile.Base.Packages), b.profile.Base.Releasever)

	cmd := exec.CommandContext(ctx, "dnf", args...)
	cmd.Stdout = b.toolOutput()
	cmd.Stderr = cmd.Stdout

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("dnf install failed: %w", err)
	}

	return nil
}

// configureSystem writes fstab and hostname and resets the machine id so
// every derived VM generates its own.
func (b *Builder) configureSystem(root string) error {
	fstab := fmt.Sprintf(
		"LABEL=%s\t/\t%s\tdefaults\t0 1\nLABEL=%s\t/boot/efi\t%s\tumask=0077,shortname=winnt\t0 2\n",
		constants.RootPartitionLabel, makefs.FilesystemTypeEXT4,
		constants.EFIPartitionLabel, makefs.FilesystemTypeVFAT,
	)

	if err := os.WriteFile(filepath.Join(root, "etc", "fstab"), []byte(fstab), 0o644); err != nil {
		return fmt.Errorf("failed to write fstab: %w", err)
	}

	if b.profile.Base.Hostname != "" {
		if err := os.WriteFile(filepath.Join(root, "etc", "hostname"), []byte(b.profile.Base.Hostname+"\n"), 0o644); err != nil {
			return fmt.Errorf("failed to write hostname: %w", err)
		}
	}

	if err := os.WriteFile(filepath.Join(root, "etc", "machine-id"), nil, 0o644); err != nil {
		return fmt.Errorf("failed to reset machine-id: %w", err)
	}

	return nil
}

// installBootloader generates the grub configuration for the disk boot
// levels.
func (b *Builder) installBootloader(ctx context.Context, root string) error {
	b.printf("generating grub configuration")

	if err := chroot.Run(ctx, root, b.toolOutput(), "grub2-mkconfig", "-o", "/boot/grub2/grub.cfg"); err != nil {
		return err
	}

	return nil
}

// runCustomizeScript copies the configured script into the root and executes
// it chrooted.
func (b *Builder) runCustomizeScript(ctx context.Context, root string) error {
	if b.profile.Base.CustomizeScript == "" {
		return nil
	}

	const guestPath = "/run/alman-customize.sh"

	staged := filepath.Join(root, guestPath)

	if err := copy.File(b.profile.Base.CustomizeScript, staged); err != nil {
		return fmt.Errorf("failed to stage customize script: %w", err)
	}

	defer os.Remove(staged) //nolint:errcheck

	if err := os.Chmod(staged, 0o755); err != nil {
		return err
	}

	b.printf("running customize script %s", b.profile.Base.CustomizeScript)

	return chroot.Run(ctx, root, b.toolOutput(), guestPath)
}

func waitForDevice(ctx context.Context, path string) error {
	err := retry.Constant(10*time.Second, retry.WithUnits(100*time.Millisecond)).RetryWithContext(ctx,
		func(context.Context) error {
			if _, err := os.Stat(path); err != nil {
				return retry.ExpectedError(err)
			}

			return nil
		})
	if err != nil {
		return fmt.Errorf("device %s did not appear: %w", path, err)
	}

	return nil
}
