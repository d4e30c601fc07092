// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package makefs

import (
	"context"
	"errors"
	"fmt"

	"github.com/siderolabs/go-cmd/pkg/cmd"
)

const (
	// FilesystemTypeEXT4 is the filesystem type for EXT4.
	FilesystemTypeEXT4 = "ext4"
)

// Ext4 creates an ext4 filesystem on the specified device.
func Ext4(ctx context.Context, device string, setters ...Option) error {
	if device == "" {
		return errors.New("missing path to device")
	}

	opts := NewDefaultOptions(setters...)

	var args []string

	if opts.Label != "" {
		args = append(args, "-L", opts.Label)
	}

	if opts.Force {
		args = append(args, "-F")
	}

	args = append(args, device)

	opts.Printf("creating ext4 filesystem on %s", device)

	if _, err := cmd.RunContext(ctx, "mkfs.ext4", args...); err != nil {
		return fmt.Errorf("failed to create ext4 filesystem on %s: %w", device, err)
	}

	return nil
}

// Ext4Resize expands an ext4 filesystem to the maximum possible.
func Ext4Resize(ctx context.Context, device string) error {
	// resizing the filesystem requires a check first
	if err := Ext4Repair(ctx, device); err != nil {
		return fmt.Errorf("failed to repair before growing ext4 filesystem: %w", err)
	}

	if _, err := cmd.RunContext(ctx, "resize2fs", device); err != nil {
		return fmt.Errorf("failed to grow ext4 filesystem: %w", err)
	}

	return nil
}

// Ext4Repair repairs an ext4 filesystem.
func Ext4Repair(ctx context.Context, device string) error {
	if _, err := cmd.RunContext(ctx, "e2fsck", "-f", "-p", device); err != nil {
		return fmt.Errorf("failed to repair ext4 filesystem: %w", err)
	}

	return nil
}
