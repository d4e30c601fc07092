// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package qemuimg provides a wrapper around qemu-img.
package qemuimg

import (
	"context"
	"fmt"

	"github.com/siderolabs/go-cmd/pkg/cmd"
)

// Create creates an image of the given format and virtual size.
func Create(ctx context.Context, path, format, size string) error {
	if _, err := cmd.RunWithOptions(ctx, "qemu-img", []string{"create", "-f", format, path, size}); err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	return nil
}

// Convert converts an image between formats, writing the result to dst.
func Convert(ctx context.Context, src, srcFmt, dst, dstFmt string, printf func(string, ...any)) error {
	printf("converting %s (%s) to %s (%s)", src, srcFmt, dst, dstFmt)

	if _, err := cmd.RunWithOptions(ctx, "qemu-img", []string{"convert", "-f", srcFmt, "-O", dstFmt, src, dst}); err != nil {
		return fmt.Errorf("failed to convert %s: %w", src, err)
	}

	return nil
}

// Resize grows an image to the given virtual size.
func Resize(ctx context.Context, path, format, size string) error {
	if _, err := cmd.RunWithOptions(ctx, "qemu-img", []string{"resize", "-f", format, path, size}); err != nil {
		return fmt.Errorf("failed to resize %s: %w", path, err)
	}

	return nil
}
