// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package guestfs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/salzg/attestation-level-manager/pkg/constants"
)

// moduleParams parameterize the generated dracut module.
type moduleParams struct {
	GateBinary string
	ConfigPath string
	WithVerity bool
}

// moduleSetupTpl is the dracut module-setup.sh. The gate runs from an
// initqueue job so the verity mapping exists before the root device wait
// completes; the overlay stage runs from pre-pivot once the verified root is
// mounted.
const moduleSetupTpl = `#!/bin/bash

check() {
    return 0
}

depends() {
{{- if .WithVerity }}
    echo dm
{{- end }}
    return 0
}

install() {
    inst_multiple {{ .GateBinary }}
    inst_simple {{ .ConfigPath }}
    inst_simple "$moddir/alman-gate.sh" /sbin/alman-gate.sh
    inst_hook cmdline 91 "$moddir/parse-alman.sh"
{{- if .WithVerity }}
    inst_multiple veritysetup mkfs.ext4
    inst_hook pre-pivot 10 "$moddir/alman-overlay.sh"
{{- end }}
}
`

const parseHookTpl = `#!/bin/bash

# run the boot gate once device discovery has settled and before the root
# device wait completes
/sbin/initqueue --settled --unique --onetime /sbin/alman-gate.sh
`

const gateScriptTpl = `#!/bin/sh

{{ .GateBinary }} check
{{- if .WithVerity }}
{{ .GateBinary }} verity
{{- end }}
`

const overlayHookTpl = `#!/bin/sh

{{ .GateBinary }} overlay
`

// InstallDracutModule writes the boot gate dracut module into the guest root
// filesystem. With withVerity the module carries the verity open and overlay
// stages in addition to the hash check.
//
// Re-installing without verity drops the overlay hook, so level transitions
// leave no stale stage behind.
func InstallDracutModule(root string, withVerity bool) error {
	dir := filepath.Join(root, constants.DracutModuleDir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	params := moduleParams{
		GateBinary: constants.GateBinaryGuestPath,
		ConfigPath: constants.BootGuardConfigPath,
		WithVerity: withVerity,
	}

	files := map[string]string{
		"module-setup.sh": moduleSetupTpl,
		"parse-alman.sh":  parseHookTpl,
		"alman-gate.sh":   gateScriptTpl,
	}

	if withVerity {
		files["alman-overlay.sh"] = overlayHookTpl
	} else if err := os.Remove(filepath.Join(dir, "alman-overlay.sh")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove overlay hook: %w", err)
	}

	for name, tpl := range files {
		var buf bytes.Buffer

		if err := template.Must(template.New(name).Parse(tpl)).Execute(&buf, params); err != nil {
			return fmt.Errorf("failed to render %s: %w", name, err)
		}

		if err := os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o755); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	return nil
}

// RemoveDracutModule removes the boot gate dracut module from the guest root
// filesystem.
func RemoveDracutModule(root string) error {
	if err := os.RemoveAll(filepath.Join(root, constants.DracutModuleDir)); err != nil {
		return fmt.Errorf("failed to remove dracut module: %w", err)
	}

	return nil
}
