// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package imgbuild

import (
	"context"
	"fmt"
	"strings"

	"github.com/siderolabs/go-cmd/pkg/cmd"
)

// losetupAttach attaches a raw image to a free loop device with partition
// scanning enabled and returns the device path.
func losetupAttach(ctx context.Context, image string) (string, error) {
	dev, err := cmd.RunContext(ctx, "losetup", "--find", "--partscan", "--nooverlap", "--show", image)
	if err != nil {
		return "", fmt.Errorf("failed to attach %s: %w", image, err)
	}

	return strings.TrimSpace(dev), nil
}

// losetupDetach releases the loop device.
func losetupDetach(ctx context.Context, dev string) error {
	if _, err := cmd.RunContext(ctx, "losetup", "-d", dev); err != nil {
		return fmt.Errorf("failed to detach %s: %w", dev, err)
	}

	return nil
}
