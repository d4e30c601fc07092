// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package measurement

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Update is the set of store keys owned by a measurement run. Merging an
// update into a VM entry replaces exactly these keys; anything else under the
// entry is preserved.
type Update struct {
	TimestampUTC   string            `json:"timestamp_utc"`
	Mode           string            `json:"mode"`
	VMMType        string            `json:"vmm_type"`
	AL             int               `json:"al"`
	VCPUs          int               `json:"vcpus"`
	OVMF           string            `json:"ovmf"`
	Kernel         string            `json:"kernel"`
	Initrd         string            `json:"initrd"`
	Append         string            `json:"append"`
	CPUTypesConfig string            `json:"cpu_types_config"`
	CPUTypes       []CPUSpec         `json:"cpu_types"`
	Measurements   map[string]Result `json:"measurements"`
	Errors         map[string]string `json:"errors"`
	InputsSHA256   string            `json:"inputs_sha256"`
}

// NewUpdate assembles an update from a finished run.
func NewUpdate(input Input, specs []CPUSpec, cpuTypesConfig string, results Results) Update {
	return Update{
		TimestampUTC:   time.Now().UTC().Format(time.RFC3339),
		Mode:           "snp",
		VMMType:        "QEMU",
		AL:             int(input.Level),
		VCPUs:          input.VCPUs,
		OVMF:           input.OVMF,
		Kernel:         input.Kernel,
		Initrd:         input.Initrd,
		Append:         input.Append,
		CPUTypesConfig: cpuTypesConfig,
		CPUTypes:       specs,
		Measurements:   results.Measurements,
		Errors:         results.Errors,
	}
}

// Load reads the whole store keyed by VM title. A missing or unreadable store
// yields an empty one, so a corrupt file is rebuilt on the next update rather
// than blocking it.
func Load(path string) map[string]json.RawMessage {
	store := map[string]json.RawMessage{}

	data, err := os.ReadFile(path)
	if err != nil {
		return store
	}

	if err = json.Unmarshal(data, &store); err != nil {
		return map[string]json.RawMessage{}
	}

	return store
}

// UpdateStore merges the update into the entry for vmTitle and atomically
// rewrites the store with sorted keys.
func UpdateStore(path, vmTitle string, update Update) error {
	store := Load(path)

	entry := map[string]json.RawMessage{}

	if raw, ok := store[vmTitle]; ok {
		if err := json.Unmarshal(raw, &entry); err != nil {
			entry = map[string]json.RawMessage{}
		}
	}

	updateRaw, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode measurement update: %w", err)
	}

	owned := map[string]json.RawMessage{}

	if err = json.Unmarshal(updateRaw, &owned); err != nil {
		return fmt.Errorf("failed to re-read measurement update: %w", err)
	}

	for key, value := range owned {
		entry[key] = value
	}

	entryRaw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode store entry: %w", err)
	}

	store[vmTitle] = entryRaw

	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode measurement store: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".expected-measurements-*.tmp")
	if err != nil {
		return err
	}

	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err = tmp.Write(append(data, '\n')); err != nil {
		tmp.Close() //nolint:errcheck

		return err
	}

	if err = tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// InputsDigest hashes everything the measurement depends on: the level, the
// vCPU count, the firmware/kernel/initrd contents, the kernel command line
// and the spec identities. apply-al stores it alongside the results so a
// stale record is detectable.
func InputsDigest(input Input, specs []CPUSpec) (string, error) {
	h := sha256.New()

	fmt.Fprintf(h, "al=%d\nvcpus=%d\nappend=%s\n", input.Level, input.VCPUs, input.Append)

	for _, path := range []string{input.OVMF, input.Kernel, input.Initrd} {
		if path == "" {
			fmt.Fprintf(h, "file=\n")

			continue
		}

		if err := hashFile(h, path); err != nil {
			return "", err
		}
	}

	for _, spec := range specs {
		fmt.Fprintf(h, "spec=%s\n", spec.ID())
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(h io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open measurement input: %w", err)
	}

	defer f.Close() //nolint:errcheck

	if _, err = io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return nil
}
