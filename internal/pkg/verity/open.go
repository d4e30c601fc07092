// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verity

import (
	"context"
	"fmt"
	"os"

	"github.com/siderolabs/go-cmd/pkg/cmd"

	"github.com/salzg/attestation-level-manager/pkg/constants"
)

// Open opens the verity mapping over the data device. An already existing
// mapping counts as success, so boot retries do not fail on the second
// attempt.
func Open(ctx context.Context, dataDevice, hashDevice, rootHash string, opts ...OpenOption) error {
	options := OpenOptions{
		MapperName:   constants.VerityMapperName,
		MapperDevice: constants.VerityMappedDevice,
	}

	for _, opt := range opts {
		opt(&options)
	}

	if !ValidRootHash(rootHash) {
		return fmt.Errorf("%w: %q", ErrHashUnparsable, rootHash)
	}

	if _, err := os.Stat(options.MapperDevice); err == nil {
		return nil
	}

	if _, err := cmd.RunContext(ctx, "veritysetup", "open", dataDevice, options.MapperName, hashDevice, rootHash); err != nil {
		return fmt.Errorf("failed to open verity mapping %s: %w", options.MapperName, err)
	}

	return nil
}

// OpenOptions control the mapping name, overridable for tests.
type OpenOptions struct {
	MapperName   string
	MapperDevice string
}

// OpenOption configures Open.
type OpenOption func(*OpenOptions)

// WithMapperName overrides the device-mapper name and node path.
func WithMapperName(name, device string) OpenOption {
	return func(o *OpenOptions) {
		o.MapperName = name
		o.MapperDevice = device
	}
}
