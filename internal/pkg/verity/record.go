// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Record is the per-VM verity metadata, the single source of truth consumed
// by command line derivation, the launch descriptor and the guest config.
//
// It describes the state of the hash image at format time; it goes stale the
// moment the root filesystem content changes and must then be re-created by a
// new format run.
type Record struct {
	VM          string `json:"vm"`
	RootHash    string `json:"root_hash"`
	RootDevice  string `json:"root_device"`
	HashDevice  string `json:"hash_device"`
	UpperDevice string `json:"upper_device,omitempty"`

	// HashImage is the host-side image file backing the hash device.
	HashImage string `json:"hash_image"`
}

// Save writes the record atomically (temp file plus rename).
func (r *Record) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode verity record: %w", err)
	}

	dir := filepath.Dir(path)

	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, ".verity-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary record: %w", err)
	}

	defer os.Remove(f.Name()) //nolint:errcheck

	if _, err = f.Write(append(data, '\n')); err != nil {
		f.Close() //nolint:errcheck

		return fmt.Errorf("failed to write verity record: %w", err)
	}

	if err = f.Close(); err != nil {
		return fmt.Errorf("failed to write verity record: %w", err)
	}

	if err = os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("failed to replace verity record: %w", err)
	}

	return nil
}

// LoadRecord reads a per-VM verity record.
func LoadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read verity record: %w", err)
	}

	var r Record

	if err = json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode verity record: %w", err)
	}

	if !ValidRootHash(r.RootHash) {
		return nil, fmt.Errorf("%w: record carries malformed root hash", ErrHashUnparsable)
	}

	return &r, nil
}
