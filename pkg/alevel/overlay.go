// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package alevel

import "fmt"

// UpperMode selects the backing of the writable overlay layer at Level4.
type UpperMode string

// Supported upper layer modes.
const (
	// UpperModeDisk backs the upper layer with a persistent block device.
	UpperModeDisk UpperMode = "disk"
	// UpperModeTmpfs backs the upper layer with volatile memory.
	UpperModeTmpfs UpperMode = "tmpfs"
)

// ParseUpperMode parses an upper layer mode.
func ParseUpperMode(s string) (UpperMode, error) {
	switch UpperMode(s) {
	case UpperModeDisk:
		return UpperModeDisk, nil
	case UpperModeTmpfs:
		return UpperModeTmpfs, nil
	default:
		return "", fmt.Errorf("invalid overlay upper mode %q", s)
	}
}

// OverlayPolicy governs the writable layer over the read-only verified root.
//
// It feeds both the host-side launch descriptor (which devices get attached)
// and the guest-side boot gate configuration; both sides must consume the same
// instance to stay in sync.
type OverlayPolicy struct {
	UpperMode UpperMode
	TmpfsSize uint64
}

// DiskBacked reports whether the upper layer lives on a block device.
func (p OverlayPolicy) DiskBacked() bool {
	return p.UpperMode == UpperModeDisk
}
