// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package launch

import (
	"fmt"
	"os"

	"github.com/siderolabs/go-copy/copy"
)

// PrepareNVRAM seeds the per-VM writable variable store from the firmware
// vars template. An existing store is kept, so re-defining a VM does not wipe
// its EFI variables.
func PrepareNVRAM(template, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat nvram %s: %w", path, err)
	}

	if _, err := os.Stat(template); err != nil {
		return fmt.Errorf("nvram template %s is not readable: %w", template, err)
	}

	if err := copy.File(template, path); err != nil {
		return fmt.Errorf("failed to seed nvram from %s: %w", template, err)
	}

	return nil
}
