// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package artifacts

import (
	"errors"
	"fmt"
	"strings"

	"github.com/siderolabs/go-procfs/procfs"

	"github.com/salzg/attestation-level-manager/internal/pkg/verity"
	"github.com/salzg/attestation-level-manager/pkg/alevel"
	"github.com/salzg/attestation-level-manager/pkg/constants"
)

// ErrInvalidCmdline is returned when a kernel command line fails validation.
var ErrInvalidCmdline = errors.New("invalid kernel command line")

// CmdlineSpec carries the inputs of command line derivation.
type CmdlineSpec struct {
	Policy        alevel.BootPolicy
	Console       string
	RootPartition string

	// VerityRootHash is required when the policy requires verity.
	VerityRootHash string
}

// DeriveCmdline renders the kernel command line for a resolved boot policy.
//
// With verity required the root device is the opened mapping, the root is
// mounted read-only and the root hash travels on the command line (making it
// part of the launch measurement); otherwise the root partition is mounted
// writable.
//
// Bare flags (ro, rw, rootwait) are emitted without '=' to match the form the
// guest gate and the kernel expect.
func DeriveCmdline(spec CmdlineSpec) (string, error) {
	if spec.Console == "" || spec.RootPartition == "" {
		return "", fmt.Errorf("%w: console and root partition are required", ErrInvalidCmdline)
	}

	if !spec.Policy.VerityRequired {
		return strings.Join([]string{
			"root=" + spec.RootPartition,
			"rw",
			"rootwait",
			"console=" + spec.Console,
		}, " "), nil
	}

	if !verity.ValidRootHash(spec.VerityRootHash) {
		return "", fmt.Errorf("%w: malformed verity root hash %q", ErrInvalidCmdline, spec.VerityRootHash)
	}

	return strings.Join([]string{
		"root=" + constants.VerityMappedDevice,
		"ro",
		"rootwait",
		"rootfstype=" + constants.RootFilesystemType,
		"console=" + spec.Console,
		"fsck.mode=skip",
		constants.VerityRootHashParam + "=" + spec.VerityRootHash,
	}, " "), nil
}

// ValidateCmdline checks the invariants a direct-boot command line must hold
// before it is used anywhere: a root= token with a non-empty value.
func ValidateCmdline(cmdline string) error {
	trimmed := strings.TrimSpace(cmdline)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCmdline)
	}

	root := procfs.NewCmdline(trimmed).Get("root").First()
	if root == nil || *root == "" {
		return fmt.Errorf("%w: missing root= parameter", ErrInvalidCmdline)
	}

	return nil
}
