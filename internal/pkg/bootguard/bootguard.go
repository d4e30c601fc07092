// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package bootguard defines the configuration record embedded into the guest
// and consumed by the boot gate.
//
// The record is a plain key=value file written host-side into the guest root
// filesystem and captured into the initramfs by the image regeneration step;
// a stale copy inside an already built initramfs stays stale until that step
// is re-run.
package bootguard

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-envparse"

	"github.com/salzg/attestation-level-manager/pkg/alevel"
)

// Keys of the guest-embedded record.
const (
	KeyExpectedKernelSHA256 = "EXPECTED_KERNEL_SHA256"
	KeyExpectedInitrdSHA256 = "EXPECTED_INITRD_SHA256"
	KeyRootPartition        = "ROOT_PART"
	KeyHashDevice           = "HASH_DEV"
	KeyUpperDevice          = "UPPER_DEV"
	KeyUpperMode            = "AL4_UPPER_MODE"
	KeyTmpfsSize            = "AL4_TMPFS_SIZE"
)

// Config is the boot guard configuration.
//
// Empty expected hash fields disable the corresponding check.
type Config struct {
	ExpectedKernelSHA256 string
	ExpectedInitrdSHA256 string
	RootPartition        string
	HashDevice           string
	UpperDevice          string
	UpperMode            alevel.UpperMode
	TmpfsSize            string
}

// HashCheckEnabled reports whether any expected hash is configured.
func (c *Config) HashCheckEnabled() bool {
	return c.ExpectedKernelSHA256 != "" || c.ExpectedInitrdSHA256 != ""
}

// Marshal renders the record in its key=value form.
func (c *Config) Marshal() []byte {
	var buf bytes.Buffer

	for _, kv := range []struct{ key, value string }{
		{KeyExpectedKernelSHA256, c.ExpectedKernelSHA256},
		{KeyExpectedInitrdSHA256, c.ExpectedInitrdSHA256},
		{KeyRootPartition, c.RootPartition},
		{KeyHashDevice, c.HashDevice},
		{KeyUpperDevice, c.UpperDevice},
		{KeyUpperMode, string(c.UpperMode)},
		{KeyTmpfsSize, c.TmpfsSize},
	} {
		fmt.Fprintf(&buf, "%s=%s\n", kv.key, kv.value)
	}

	return buf.Bytes()
}

// Write the record to the given path, creating parent directories.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}

	if err := os.WriteFile(path, c.Marshal(), 0o644); err != nil {
		return fmt.Errorf("failed to write boot guard config: %w", err)
	}

	return nil
}

// Parse reads a record from its key=value form.
//
// Unknown keys are ignored.
func Parse(r io.Reader) (*Config, error) {
	kv, err := envparse.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse boot guard config: %w", err)
	}

	c := &Config{
		ExpectedKernelSHA256: kv[KeyExpectedKernelSHA256],
		ExpectedInitrdSHA256: kv[KeyExpectedInitrdSHA256],
		RootPartition:        kv[KeyRootPartition],
		HashDevice:           kv[KeyHashDevice],
		UpperDevice:          kv[KeyUpperDevice],
		TmpfsSize:            kv[KeyTmpfsSize],
	}

	if mode := kv[KeyUpperMode]; mode != "" {
		c.UpperMode, err = alevel.ParseUpperMode(mode)
		if err != nil {
			return nil, fmt.Errorf("failed to parse boot guard config: %w", err)
		}
	}

	return c, nil
}

// Load reads a record from a file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open boot guard config: %w", err)
	}

	defer f.Close() //nolint:errcheck

	return Parse(f)
}
