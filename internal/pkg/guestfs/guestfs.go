// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package guestfs mutates a mounted guest root filesystem: it installs the
// boot gate binary and its dracut module, embeds the boot guard
// configuration and regenerates the guest initramfs so that the embedded
// copy is the one the guest actually boots with.
package guestfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/siderolabs/go-copy/copy"

	"github.com/salzg/attestation-level-manager/internal/pkg/artifacts"
	"github.com/salzg/attestation-level-manager/internal/pkg/bootguard"
	"github.com/salzg/attestation-level-manager/internal/pkg/chroot"
	"github.com/salzg/attestation-level-manager/pkg/constants"
)

// InstallGate copies the gate binary into the guest root filesystem.
func InstallGate(root, binary string) error {
	target := filepath.Join(root, constants.GateBinaryGuestPath)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
	}

	if err := copy.File(binary, target); err != nil {
		return fmt.Errorf("failed to install gate binary: %w", err)
	}

	return os.Chmod(target, 0o755)
}

// DefaultGateBinary returns the gate binary shipped alongside the running
// executable.
func DefaultGateBinary() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate own executable: %w", err)
	}

	binary := filepath.Join(filepath.Dir(self), "alman-gate")

	if _, err = os.Stat(binary); err != nil {
		return "", fmt.Errorf("gate binary not found next to %s: %w", self, err)
	}

	return binary, nil
}

// WriteBootGuard writes the boot guard configuration into the guest root
// filesystem.
//
// The written copy only takes effect once the initramfs is regenerated.
func WriteBootGuard(root string, cfg *bootguard.Config) error {
	return cfg.Write(filepath.Join(root, constants.BootGuardConfigPath))
}

// RemoveBootGuard removes the boot guard configuration from the guest root
// filesystem.
func RemoveBootGuard(root string) error {
	if err := os.Remove(filepath.Join(root, constants.BootGuardConfigPath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove boot guard config: %w", err)
	}

	return nil
}

// KernelVersion derives the guest kernel version from the newest kernel
// under <root>/boot, matching the selection used for artifact extraction.
func KernelVersion(root string) (string, error) {
	kernel, _, err := artifacts.Locate(root)
	if err != nil {
		return "", err
	}

	name := filepath.Base(kernel)

	version := strings.TrimPrefix(name, "vmlinuz-")
	if version == name || version == "" {
		return "", fmt.Errorf("unexpected kernel file name %q", name)
	}

	return version, nil
}

// RegenerateInitramfs rebuilds the guest initramfs for the given kernel
// version inside a chroot. The chroot API filesystems must already be
// mounted.
func RegenerateInitramfs(ctx context.Context, root, kernelVersion string, w io.Writer) error {
	if err := chroot.Run(ctx, root, w, "dracut", "--force", "--kver", kernelVersion); err != nil {
		return fmt.Errorf("failed to regenerate initramfs for kernel %s: %w", kernelVersion, err)
	}

	return nil
}
