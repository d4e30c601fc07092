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
	// FilesystemTypeVFAT is the filesystem type for VFAT.
	FilesystemTypeVFAT = "vfat"
)

// VFAT creates a FAT32 filesystem on the specified device.
func VFAT(ctx context.Context, device string, setters ...Option) error {
	if device == "" {
		return errors.New("missing path to device")
	}

	opts := NewDefaultOptions(setters...)

	args := []string{"-F", "32"}

	if opts.Label != "" {
		args = append(args, "-n", opts.Label)
	}

	args = append(args, device)

	opts.Printf("creating vfat filesystem on %s", device)

	if _, err := cmd.RunContext(ctx, "mkfs.vfat", args...); err != nil {
		return fmt.Errorf("failed to create vfat filesystem on %s: %w", device, err)
	}

	return nil
}
