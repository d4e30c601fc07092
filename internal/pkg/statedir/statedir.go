// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package statedir manages the on-disk layout of builder state.
//
// Layout:
//
//	<root>/
//	  base/base.raw                   raw base image
//	  expected-measurements.json      reference value store
//	  cpu-types.json                  configured CPU type table
//	  legal-cpu-types.json            allow-list for named CPU types
//	  vms/<name>/
//	    disk.qcow2                    VM disk
//	    verity-hash.raw               dm-verity hash tree device image
//	    overlay-upper.raw             overlay upper device image (disk mode)
//	    nvram.fd                      per-VM firmware variable store (Level0)
//	    boot/                         cached kernel/initrd extracted from the disk
//	    verity.json                   per-VM verity record
//	    domain.xml                    launch descriptor
package statedir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/salzg/attestation-level-manager/pkg/constants"
)

// State is the root of the builder state.
type State struct {
	root string
}

// Open creates (if necessary) and returns the state rooted at the given
// directory.
func Open(root string) (*State, error) {
	if err := os.MkdirAll(filepath.Join(root, "base"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(root, "vms"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	return &State{root: root}, nil
}

// Root returns the state root directory.
func (s *State) Root() string {
	return s.root
}

// GetRelativePath returns a path relative to the state root.
func (s *State) GetRelativePath(parts ...string) string {
	return filepath.Join(append([]string{s.root}, parts...)...)
}

// BaseImage is the raw base image path.
func (s *State) BaseImage() string {
	return s.GetRelativePath("base", "base.raw")
}

// MeasurementsFile is the reference value store path.
func (s *State) MeasurementsFile() string {
	return s.GetRelativePath(constants.MeasurementsFile)
}

// CPUTypesFile is the configured CPU type table path.
func (s *State) CPUTypesFile() string {
	return s.GetRelativePath(constants.CPUTypesFile)
}

// LegalCPUTypesFile is the named CPU type allow-list path.
func (s *State) LegalCPUTypesFile() string {
	return s.GetRelativePath(constants.LegalCPUTypesFile)
}

// VM opens (creating if necessary) the state of a single VM.
func (s *State) VM(name string) (*VMState, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	root := s.GetRelativePath("vms", name)

	if err := os.MkdirAll(filepath.Join(root, "boot"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create VM state directory: %w", err)
	}

	return &VMState{root: root, name: name}, nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("invalid VM name %q", name)
	}

	return nil
}

// VMState is the state of a single VM.
type VMState struct {
	root string
	name string
}

// Name returns the VM name.
func (v *VMState) Name() string {
	return v.name
}

// Root returns the VM state directory.
func (v *VMState) Root() string {
	return v.root
}

// Disk is the VM disk image path.
func (v *VMState) Disk() string {
	return filepath.Join(v.root, "disk.qcow2")
}

// HashImage is the dm-verity hash tree device image path.
func (v *VMState) HashImage() string {
	return filepath.Join(v.root, "verity-hash.raw")
}

// UpperImage is the overlay upper device image path.
func (v *VMState) UpperImage() string {
	return filepath.Join(v.root, "overlay-upper.raw")
}

// NVRAM is the per-VM firmware variable store path.
func (v *VMState) NVRAM() string {
	return filepath.Join(v.root, "nvram.fd")
}

// BootCache is the kernel/initrd cache directory.
func (v *VMState) BootCache() string {
	return filepath.Join(v.root, "boot")
}

// VerityRecordFile is the per-VM verity record path.
func (v *VMState) VerityRecordFile() string {
	return filepath.Join(v.root, constants.VerityRecordFile)
}

// DomainFile is the launch descriptor path.
func (v *VMState) DomainFile() string {
	return filepath.Join(v.root, constants.DomainFile)
}
