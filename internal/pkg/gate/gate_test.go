// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package gate_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/salzg/attestation-level-manager/internal/pkg/artifacts"
	"github.com/salzg/attestation-level-manager/internal/pkg/bootguard"
	"github.com/salzg/attestation-level-manager/internal/pkg/gate"
	"github.com/salzg/attestation-level-manager/internal/pkg/verity"
	"github.com/salzg/attestation-level-manager/pkg/alevel"
)

const testRootHash = "fadedfacefadedfacefadedfacefadedfacefadedfacefadedfacefadedface0"

func TestExecuteFailClosed(t *testing.T) {
	halted := 0

	g := gate.New(zaptest.NewLogger(t), gate.WithHalt(func() { halted++ }))

	state := g.Execute(t.Context(), "verity", func(context.Context) error {
		return errors.New("mapping refused")
	})

	assert.Equal(t, gate.StateFailedHalted, state)
	assert.Equal(t, "failed-halted", state.String())
	assert.Equal(t, 1, halted)

	state = g.Execute(t.Context(), "overlay", func(context.Context) error {
		return nil
	})

	assert.Equal(t, gate.StatePassed, state)
	assert.Equal(t, 1, halted, "a passing stage should not halt")
}

func writeGuardConfig(t *testing.T, cfg bootguard.Config) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "alman-boot.conf")
	require.NoError(t, cfg.Write(path))

	return path
}

func TestHashCheckDisabled(t *testing.T) {
	configPath := writeGuardConfig(t, bootguard.Config{
		RootPartition: "/dev/vda2",
	})

	r := gate.NewRunner(zaptest.NewLogger(t), gate.WithConfigPath(configPath))

	require.NoError(t, r.HashCheck(t.Context()))
}

func TestHashCheckConfigMissing(t *testing.T) {
	r := gate.NewRunner(zaptest.NewLogger(t), gate.WithConfigPath(filepath.Join(t.TempDir(), "missing.conf")))

	err := r.HashCheck(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boot guard configuration unusable")
}

func populateGuestBoot(t *testing.T, kernelContent, initrdContent string) string {
	t.Helper()

	root := t.TempDir()
	bootDir := filepath.Join(root, "boot")
	require.NoError(t, os.MkdirAll(bootDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(bootDir, "vmlinuz-6.8.10-300.fc40.x86_64"), []byte(kernelContent), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(bootDir, "initramfs-6.8.10-300.fc40.x86_64.img"), []byte(initrdContent), 0o644))

	return root
}

func sha256Of(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "content")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	sum, err := artifacts.SHA256File(path)
	require.NoError(t, err)

	return sum
}

func TestVerifyBootFiles(t *testing.T) {
	logger := zaptest.NewLogger(t)

	root := populateGuestBoot(t, "kernel-image", "initrd-image")

	kernelSum := sha256Of(t, "kernel-image")
	initrdSum := sha256Of(t, "initrd-image")

	require.NoError(t, gate.VerifyBootFiles(&bootguard.Config{
		ExpectedKernelSHA256: kernelSum,
		ExpectedInitrdSHA256: initrdSum,
	}, root, logger))

	// a single configured digest leaves the other component unchecked
	require.NoError(t, gate.VerifyBootFiles(&bootguard.Config{
		ExpectedKernelSHA256: kernelSum,
	}, root, logger))

	err := gate.VerifyBootFiles(&bootguard.Config{
		ExpectedKernelSHA256: strings.Repeat("0", 64),
		ExpectedInitrdSHA256: initrdSum,
	}, root, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kernel digest mismatch")

	err = gate.VerifyBootFiles(&bootguard.Config{
		ExpectedKernelSHA256: kernelSum,
		ExpectedInitrdSHA256: strings.Repeat("1", 64),
	}, root, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initrd digest mismatch")
}

func TestVerifyBootFilesPicksNewestKernel(t *testing.T) {
	root := populateGuestBoot(t, "new-kernel", "new-initrd")
	bootDir := filepath.Join(root, "boot")

	// an older kernel with different content must not be the one verified
	require.NoError(t, os.WriteFile(filepath.Join(bootDir, "vmlinuz-6.8.9-200.fc40.x86_64"), []byte("old-kernel"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(bootDir, "initramfs-6.8.9-200.fc40.x86_64.img"), []byte("old-initrd"), 0o644))

	require.NoError(t, gate.VerifyBootFiles(&bootguard.Config{
		ExpectedKernelSHA256: sha256Of(t, "new-kernel"),
		ExpectedInitrdSHA256: sha256Of(t, "new-initrd"),
	}, root, zaptest.NewLogger(t)))

	err := gate.VerifyBootFiles(&bootguard.Config{
		ExpectedKernelSHA256: sha256Of(t, "old-kernel"),
	}, root, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
}

func TestVerifyBootFilesMissingArtifacts(t *testing.T) {
	err := gate.VerifyBootFiles(&bootguard.Config{
		ExpectedKernelSHA256: strings.Repeat("0", 64),
	}, t.TempDir(), zaptest.NewLogger(t))

	require.Error(t, err)
	assert.ErrorIs(t, err, artifacts.ErrArtifactNotFound)
}

func TestPlanOverlay(t *testing.T) {
	for _, test := range []struct { //nolint:govet
		name string

		cfg bootguard.Config

		expectedError string
		expected      gate.OverlayPlan
	}{
		{
			name: "tmpfs",

			cfg: bootguard.Config{
				UpperMode: alevel.UpperModeTmpfs,
				TmpfsSize: "512m",
			},

			expected: gate.OverlayPlan{
				Mode:      alevel.UpperModeTmpfs,
				TmpfsSize: "512m",
			},
		},
		{
			name: "tmpfs ignores stale upper device",

			cfg: bootguard.Config{
				UpperMode:   alevel.UpperModeTmpfs,
				UpperDevice: "/dev/vdc",
			},

			expected: gate.OverlayPlan{
				Mode: alevel.UpperModeTmpfs,
			},
		},
		{
			name: "disk",

			cfg: bootguard.Config{
				UpperMode:   alevel.UpperModeDisk,
				UpperDevice: "/dev/vdc",
			},

			expected: gate.OverlayPlan{
				Mode:        alevel.UpperModeDisk,
				UpperDevice: "/dev/vdc",
			},
		},
		{
			name: "disk without device",

			cfg: bootguard.Config{
				UpperMode: alevel.UpperModeDisk,
			},

			expectedError: "disk-backed overlay requires UPPER_DEV in the boot guard config",
		},
		{
			name: "mode missing",

			cfg: bootguard.Config{
				UpperDevice: "/dev/vdc",
			},

			expectedError: "overlay setup requires AL4_UPPER_MODE in the boot guard config",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			plan, err := gate.PlanOverlay(&test.cfg)

			if test.expectedError != "" {
				require.EqualError(t, err, test.expectedError)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, test.expected, plan)
		})
	}
}

// installVeritysetup puts a fake veritysetup on the PATH which records its
// arguments.
func installVeritysetup(t *testing.T) string {
	t.Helper()

	binDir := t.TempDir()
	argsFile := filepath.Join(binDir, "veritysetup.args")

	script := fmt.Sprintf("#!/bin/sh\necho \"$@\" >> %q\n", argsFile)
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "veritysetup"), []byte(script), 0o755))

	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	return argsFile
}

func TestVerityOpenInvocation(t *testing.T) {
	argsFile := installVeritysetup(t)

	configPath := writeGuardConfig(t, bootguard.Config{
		RootPartition: "/dev/vda2",
		HashDevice:    "/dev/vdb",
	})

	r := gate.NewRunner(zaptest.NewLogger(t), gate.WithConfigPath(configPath))

	cmdline := "root=/dev/mapper/vroot ro rootwait rootfstype=ext4 console=ttyS0 fsck.mode=skip alman_roothash=" + testRootHash

	require.NoError(t, r.VerityOpen(t.Context(), cmdline,
		verity.WithMapperName("vroot", filepath.Join(t.TempDir(), "vroot"))))

	recorded, err := os.ReadFile(argsFile)
	require.NoError(t, err)

	assert.Equal(t, "open /dev/vda2 vroot /dev/vdb "+testRootHash+"\n", string(recorded))
}

func TestVerityOpenMalformedCmdline(t *testing.T) {
	argsFile := installVeritysetup(t)

	configPath := writeGuardConfig(t, bootguard.Config{
		RootPartition: "/dev/vda2",
		HashDevice:    "/dev/vdb",
	})

	r := gate.NewRunner(zaptest.NewLogger(t), gate.WithConfigPath(configPath))

	for _, cmdline := range []string{
		"root=/dev/mapper/vroot ro console=ttyS0",
		"alman_roothash=abcd",
		"alman_roothash=",
	} {
		err := r.VerityOpen(t.Context(), cmdline)
		require.Error(t, err, "cmdline %q", cmdline)
		assert.ErrorIs(t, err, verity.ErrHashUnparsable)
	}

	// the tool must never run on a malformed command line
	assert.NoFileExists(t, argsFile)
}

func TestVerityOpenIdempotent(t *testing.T) {
	argsFile := installVeritysetup(t)

	configPath := writeGuardConfig(t, bootguard.Config{
		RootPartition: "/dev/vda2",
		HashDevice:    "/dev/vdb",
	})

	mapper := filepath.Join(t.TempDir(), "vroot")
	require.NoError(t, os.WriteFile(mapper, nil, 0o600))

	r := gate.NewRunner(zaptest.NewLogger(t), gate.WithConfigPath(configPath))

	cmdline := "alman_roothash=" + testRootHash

	require.NoError(t, r.VerityOpen(t.Context(), cmdline, verity.WithMapperName("vroot", mapper)))

	// mapping already present, no second open
	assert.NoFileExists(t, argsFile)
}

func TestVerityOpenIncompleteConfig(t *testing.T) {
	configPath := writeGuardConfig(t, bootguard.Config{
		RootPartition: "/dev/vda2",
	})

	r := gate.NewRunner(zaptest.NewLogger(t), gate.WithConfigPath(configPath))

	err := r.VerityOpen(t.Context(), "alman_roothash="+testRootHash)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROOT_PART and HASH_DEV")
}
