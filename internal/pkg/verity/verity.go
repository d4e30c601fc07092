// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package verity provisions dm-verity hash trees for VM root filesystems and
// keeps the per-VM verity record.
package verity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/siderolabs/go-cmd/pkg/cmd"
	"github.com/siderolabs/go-procfs/procfs"

	"github.com/salzg/attestation-level-manager/pkg/constants"
)

var (
	// ErrFormatFailed is returned when veritysetup fails.
	ErrFormatFailed = errors.New("verity format failed")

	// ErrHashUnparsable is returned when no well-formed root hash can be
	// found in the veritysetup output.
	ErrHashUnparsable = errors.New("verity root hash unparsable")
)

var rootHashRe = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// ValidRootHash reports whether s is a well-formed verity root hash.
func ValidRootHash(s string) bool {
	return rootHashRe.MatchString(s)
}

// Format builds the hash tree over the data device into the hash image and
// returns the parsed root hash.
//
// The salt is fixed by configuration: the root hash stays reproducible for
// identical root content. Re-running against the same hash image produces a
// fresh hash tree (any prior state of the hash image is invalidated), so
// callers re-format whenever the root filesystem content changed.
func Format(ctx context.Context, dataDevice, hashImage, salt string) (string, error) {
	out, err := cmd.RunContext(ctx, "veritysetup", "format", dataDevice, hashImage, "--salt", salt)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrFormatFailed, err)
	}

	return ParseRootHash(out)
}

// ParseRootHash extracts the 64 hex character root hash from veritysetup
// format output.
func ParseRootHash(output string) (string, error) {
	for _, line := range strings.Split(output, "\n") {
		value, ok := strings.CutPrefix(line, "Root hash:")
		if !ok {
			continue
		}

		hash := strings.TrimSpace(value)
		if ValidRootHash(hash) {
			return strings.ToLower(hash), nil
		}
	}

	// tolerate reformatted output as long as exactly one hash-shaped token
	// is present
	var found string

	for _, token := range strings.Fields(output) {
		if !ValidRootHash(token) {
			continue
		}

		if found != "" && !strings.EqualFold(found, token) {
			return "", fmt.Errorf("%w: multiple hash tokens in output", ErrHashUnparsable)
		}

		found = token
	}

	if found == "" {
		return "", fmt.Errorf("%w: no 64 hex character token in output", ErrHashUnparsable)
	}

	return strings.ToLower(found), nil
}

// RootHashFromCmdline extracts the root hash parameter from a kernel command
// line.
func RootHashFromCmdline(cmdline string) (string, error) {
	value := procfs.NewCmdline(strings.TrimSpace(cmdline)).Get(constants.VerityRootHashParam).First()
	if value == nil {
		return "", fmt.Errorf("%w: missing %s parameter", ErrHashUnparsable, constants.VerityRootHashParam)
	}

	if !ValidRootHash(*value) {
		return "", fmt.Errorf("%w: malformed %s value %q", ErrHashUnparsable, constants.VerityRootHashParam, *value)
	}

	return strings.ToLower(*value), nil
}
