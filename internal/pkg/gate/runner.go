// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package gate

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/salzg/attestation-level-manager/internal/pkg/bootguard"
	"github.com/salzg/attestation-level-manager/pkg/constants"
)

// Runner implements the individual boot stages against the embedded boot
// guard configuration.
type Runner struct {
	logger *zap.Logger

	configPath string
	sysroot    string
	runDir     string
}

// RunnerOption configures the runner.
type RunnerOption func(*Runner)

// WithConfigPath overrides the boot guard configuration location.
func WithConfigPath(path string) RunnerOption {
	return func(r *Runner) {
		r.configPath = path
	}
}

// WithSysroot overrides the root mountpoint the initramfs prepares.
func WithSysroot(path string) RunnerOption {
	return func(r *Runner) {
		r.sysroot = path
	}
}

// WithRunDir overrides the scratch directory for stage mountpoints.
func WithRunDir(path string) RunnerOption {
	return func(r *Runner) {
		r.runDir = path
	}
}

// NewRunner creates a stage runner.
func NewRunner(logger *zap.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		logger:     logger,
		configPath: constants.BootGuardConfigPath,
		sysroot:    "/sysroot",
		runDir:     "/run/alman",
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// config loads the embedded boot guard configuration; a missing or malformed
// config fails the stage (fail closed).
func (r *Runner) config() (*bootguard.Config, error) {
	cfg, err := bootguard.Load(r.configPath)
	if err != nil {
		return nil, fmt.Errorf("boot guard configuration unusable: %w", err)
	}

	return cfg, nil
}
