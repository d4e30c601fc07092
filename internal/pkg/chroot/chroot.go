// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package chroot runs commands inside a mounted guest root.
package chroot

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/salzg/attestation-level-manager/internal/pkg/mount"
)

// Points returns the API filesystems a chroot needs: /proc, /sys and a
// recursive bind of the host /dev.
func Points(root string) mount.Points {
	return mount.Points{
		mount.NewPoint("proc", filepath.Join(root, "proc"), "proc"),
		mount.NewPoint("sysfs", filepath.Join(root, "sys"), "sysfs"),
		mount.NewBindPoint("/dev", filepath.Join(root, "dev"), mount.WithFlags(unix.MS_REC)),
	}
}

// Run executes a command inside the chroot, streaming combined output to w.
func Run(ctx context.Context, root string, w io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, "chroot", append([]string{root, name}, args...)...)
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("chrooted %s failed: %w", name, err)
	}

	return nil
}
