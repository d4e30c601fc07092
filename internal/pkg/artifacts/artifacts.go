// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package artifacts derives per-VM boot artifacts: kernel and initrd extracted
// from the guest filesystem and the kernel command line.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/siderolabs/go-copy/copy"
)

// ErrArtifactNotFound is returned when no kernel or initrd can be located in
// the guest filesystem.
var ErrArtifactNotFound = errors.New("boot artifact not found")

// BootArtifacts are the cached kernel/initrd of a VM together with their
// digests.
type BootArtifacts struct {
	KernelPath   string
	InitrdPath   string
	KernelSHA256 string
	InitrdSHA256 string
}

// Locate finds the newest kernel and initrd under <root>/boot, skipping
// rescue entries.
func Locate(root string) (kernel, initrd string, err error) {
	kernel, err = newestMatch(filepath.Join(root, "boot"), "vmlinuz-*")
	if err != nil {
		return "", "", fmt.Errorf("%w: kernel: %s", ErrArtifactNotFound, err)
	}

	initrd, err = newestMatch(filepath.Join(root, "boot"), "initramfs-*.img")
	if err != nil {
		return "", "", fmt.Errorf("%w: initrd: %s", ErrArtifactNotFound, err)
	}

	return kernel, initrd, nil
}

// Extract locates the newest kernel and initrd under <root>/boot, copies them
// into the cache directory and computes their digests.
//
// The copy is skipped when the cached file already matches the source by byte
// size, so re-running the extraction against an unchanged guest is cheap.
func Extract(root, cacheDir string, printf func(string, ...any)) (*BootArtifacts, error) {
	kernel, initrd, err := Locate(root)
	if err != nil {
		return nil, err
	}

	result := &BootArtifacts{}

	if result.KernelPath, err = cacheFile(kernel, cacheDir, printf); err != nil {
		return nil, err
	}

	if result.InitrdPath, err = cacheFile(initrd, cacheDir, printf); err != nil {
		return nil, err
	}

	if result.KernelSHA256, err = SHA256File(result.KernelPath); err != nil {
		return nil, err
	}

	if result.InitrdSHA256, err = SHA256File(result.InitrdPath); err != nil {
		return nil, err
	}

	return result, nil
}

// newestMatch returns the candidate with the highest version, skipping rescue
// entries.
func newestMatch(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", err
	}

	var best string

	for _, match := range matches {
		if strings.Contains(filepath.Base(match), "rescue") {
			continue
		}

		if best == "" || versionCompare(filepath.Base(match), filepath.Base(best)) > 0 {
			best = match
		}
	}

	if best == "" {
		return "", fmt.Errorf("no match for %q in %s", pattern, dir)
	}

	return best, nil
}

func cacheFile(src, cacheDir string, printf func(string, ...any)) (string, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	dst := filepath.Join(cacheDir, filepath.Base(src))

	srcInfo, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", src, err)
	}

	if dstInfo, err := os.Stat(dst); err == nil && dstInfo.Size() == srcInfo.Size() {
		printf("using cached %s", filepath.Base(dst))

		return dst, nil
	}

	printf("caching %s", filepath.Base(src))

	if err := copy.File(src, dst); err != nil {
		return "", fmt.Errorf("failed to cache %s: %w", src, err)
	}

	return dst, nil
}

// SHA256File returns the hex encoded SHA-256 digest of a file.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}

	defer f.Close() //nolint:errcheck

	h := sha256.New()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// versionCompare orders file names the way GNU version sort does: runs of
// digits compare numerically, everything else byte-wise.
func versionCompare(a, b string) int {
	ai, bi := 0, 0

	for ai < len(a) && bi < len(b) {
		if isDigit(a[ai]) && isDigit(b[bi]) {
			aj, bj := ai, bi

			for aj < len(a) && isDigit(a[aj]) {
				aj++
			}

			for bj < len(b) && isDigit(b[bj]) {
				bj++
			}

			an := strings.TrimLeft(a[ai:aj], "0")
			bn := strings.TrimLeft(b[bi:bj], "0")

			if len(an) != len(bn) {
				return len(an) - len(bn)
			}

			if c := strings.Compare(an, bn); c != 0 {
				return c
			}

			ai, bi = aj, bj

			continue
		}

		if a[ai] != b[bi] {
			return int(a[ai]) - int(b[bi])
		}

		ai++
		bi++
	}

	return (len(a) - ai) - (len(b) - bi)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
