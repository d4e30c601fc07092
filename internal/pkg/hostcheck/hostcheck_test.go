// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package hostcheck_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salzg/attestation-level-manager/internal/pkg/hostcheck"
	"github.com/salzg/attestation-level-manager/pkg/profile"
)

func TestToolVersion(t *testing.T) {
	for _, test := range []struct {
		name   string
		output string

		expectedError   bool
		expectedVersion string
	}{
		{
			name:            "qemu-img",
			output:          "qemu-img version 8.2.2 (qemu-8.2.2-1.fc40)\nCopyright (c) 2003-2023 Fabrice Bellard and the QEMU Project developers\n",
			expectedVersion: "8.2.2",
		},
		{
			name:            "veritysetup",
			output:          "veritysetup 2.7.2 flags: UDEV BLKID KEYRING FIPS KERNEL_CAPI\n",
			expectedVersion: "2.7.2",
		},
		{
			name:            "two component",
			output:          "tool 6.2\n",
			expectedVersion: "6.2.0",
		},
		{
			name:          "no version",
			output:        "usage: tool [options]\n",
			expectedError: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			version, err := hostcheck.ToolVersion(test.output)

			if test.expectedError {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, test.expectedVersion, version.String())
		})
	}
}

func TestRunReportsMissingTools(t *testing.T) {
	// empty PATH makes every tool lookup fail
	t.Setenv("PATH", t.TempDir())

	p := profile.Default()
	p.StateDir = t.TempDir()

	var buf bytes.Buffer

	missing := filepath.Join(t.TempDir(), "missing")

	checker := hostcheck.New(p,
		hostcheck.WithOutput(&buf),
		hostcheck.WithDevicePaths(missing, missing, missing),
	)

	err := checker.Run(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, hostcheck.ErrMissingDependency)

	report := buf.String()
	assert.Contains(t, report, "sev-snp-measure not found in PATH")
	assert.Contains(t, report, "required tools")
	assert.Contains(t, report, "FAIL")

	// state directory is writable, so that line reports success
	assert.Contains(t, report, "state directory        OK")
}

func TestRunToolVersionFailures(t *testing.T) {
	binDir := t.TempDir()

	for tool, version := range map[string]string{
		"qemu-img":    "qemu-img version 4.0.0",
		"veritysetup": "veritysetup 2.7.2",
	} {
		script := "#!/bin/sh\necho '" + version + "'\n"
		require.NoError(t, os.WriteFile(filepath.Join(binDir, tool), []byte(script), 0o755))
	}

	t.Setenv("PATH", binDir)

	p := profile.Default()
	p.StateDir = t.TempDir()

	var buf bytes.Buffer

	missing := filepath.Join(t.TempDir(), "missing")

	checker := hostcheck.New(p,
		hostcheck.WithOutput(&buf),
		hostcheck.WithDevicePaths(missing, missing, missing),
	)

	err := checker.Run(t.Context())
	require.Error(t, err)

	assert.Contains(t, err.Error(), "qemu-img version 4.0.0 is older than the required 6.2.0")
	assert.NotContains(t, err.Error(), "veritysetup version")
}

func TestRunDeviceChecks(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	p := profile.Default()
	p.StateDir = t.TempDir()

	// regular files stand in for accessible device nodes
	devDir := t.TempDir()

	for _, name := range []string{"kvm", "sev", "nbd0"} {
		require.NoError(t, os.WriteFile(filepath.Join(devDir, name), nil, 0o600))
	}

	var buf bytes.Buffer

	checker := hostcheck.New(p,
		hostcheck.WithOutput(&buf),
		hostcheck.WithDevicePaths(
			filepath.Join(devDir, "kvm"),
			filepath.Join(devDir, "sev"),
			filepath.Join(devDir, "nbd0"),
		),
	)

	err := checker.Run(t.Context())
	require.Error(t, err)

	report := buf.String()
	assert.Contains(t, report, "kvm device             OK")
	assert.Contains(t, report, "sev firmware device    OK")
	assert.Contains(t, report, "nbd device             OK")

	assert.NotContains(t, err.Error(), "kvm device")
	assert.NotContains(t, err.Error(), "nbd device")
}
