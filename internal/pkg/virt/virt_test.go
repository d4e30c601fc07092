// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package virt_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salzg/attestation-level-manager/internal/pkg/virt"
)

// installVirsh puts a fake virsh on the PATH which records its arguments.
func installVirsh(t *testing.T) string {
	t.Helper()

	binDir := t.TempDir()
	argsFile := filepath.Join(binDir, "virsh.args")

	script := fmt.Sprintf("#!/bin/sh\necho \"$@\" >> %q\n", argsFile)
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "virsh"), []byte(script), 0o755))

	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	return argsFile
}

func recordedLines(t *testing.T, argsFile string) []string {
	t.Helper()

	recorded, err := os.ReadFile(argsFile)
	require.NoError(t, err)

	return strings.Split(strings.TrimSpace(string(recorded)), "\n")
}

func TestLifecycle(t *testing.T) {
	argsFile := installVirsh(t)

	xmlPath := filepath.Join(t.TempDir(), "domain.xml")
	require.NoError(t, os.WriteFile(xmlPath, []byte("<domain/>"), 0o644))

	m := virt.New(virt.WithConnectURI("test:///default"))

	require.NoError(t, m.Define(t.Context(), xmlPath))
	require.NoError(t, m.Start(t.Context(), "vm1"))
	require.NoError(t, m.Console(t.Context(), "vm1"))
	require.NoError(t, m.Destroy(t.Context(), "vm1"))
	require.NoError(t, m.Undefine(t.Context(), "vm1"))

	assert.Equal(t, []string{
		"--connect test:///default define " + xmlPath,
		"--connect test:///default start vm1",
		"--connect test:///default console vm1",
		"--connect test:///default destroy vm1",
		"--connect test:///default undefine --nvram vm1",
	}, recordedLines(t, argsFile))
}

func TestDefineMissingDescriptor(t *testing.T) {
	argsFile := installVirsh(t)

	m := virt.New()

	err := m.Define(t.Context(), filepath.Join(t.TempDir(), "missing.xml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "domain descriptor not found")

	assert.NoFileExists(t, argsFile)
}

func TestStartFailure(t *testing.T) {
	binDir := t.TempDir()

	script := "#!/bin/sh\necho 'error: Failed to start domain' >&2\nexit 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "virsh"), []byte(script), 0o755))

	t.Setenv("PATH", binDir)

	m := virt.New()

	err := m.Start(t.Context(), "vm1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start domain vm1")
}
