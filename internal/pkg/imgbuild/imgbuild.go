// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package imgbuild builds the shared base image and derives per-VM disks from
// it.
package imgbuild

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/salzg/attestation-level-manager/internal/pkg/logging"
	"github.com/salzg/attestation-level-manager/internal/pkg/statedir"
	"github.com/salzg/attestation-level-manager/pkg/profile"
)

// Builder builds disk images according to the profile.
type Builder struct {
	profile *profile.Profile
	state   *statedir.State
	logger  *zap.Logger
}

// NewBuilder creates a builder.
func NewBuilder(p *profile.Profile, state *statedir.State, logger *zap.Logger) *Builder {
	return &Builder{
		profile: p,
		state:   state,
		logger:  logger,
	}
}

func (b *Builder) printf(format string, args ...any) {
	b.logger.Sugar().Infof(format, args...)
}

// toolOutput returns the writer external tool output is streamed to.
func (b *Builder) toolOutput() io.Writer {
	return logging.NewWriter(b.logger, zapcore.InfoLevel)
}

// CreateSparse creates a sparse file of the given size, replacing any
// existing file.
func CreateSparse(path string, size uint64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	defer f.Close() //nolint:errcheck

	if err = f.Truncate(int64(size)); err != nil {
		return fmt.Errorf("failed to size %s: %w", path, err)
	}

	return f.Close()
}
