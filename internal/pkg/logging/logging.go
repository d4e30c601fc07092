// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package logging provides zap logger setup for the CLI and the boot gate.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/siderolabs/gen/xslices"
	kmsg "github.com/siderolabs/go-kmsg"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
)

// LogDestination defines a logging destination.
type LogDestination struct {
	level  zapcore.LevelEnabler
	writer io.Writer
	config zapcore.EncoderConfig
}

// EncoderOption defines a log destination encoder config setter.
type EncoderOption func(config *zapcore.EncoderConfig)

// WithoutTimestamp disables timestamps.
func WithoutTimestamp() EncoderOption {
	return func(config *zapcore.EncoderConfig) {
		config.EncodeTime = nil
	}
}

// WithColoredLevels enables log level colored output.
func WithColoredLevels() EncoderOption {
	return func(config *zapcore.EncoderConfig) {
		config.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
}

// NewLogDestination creates a new log destination.
func NewLogDestination(writer io.Writer, logLevel zapcore.LevelEnabler, options ...EncoderOption) *LogDestination {
	config := zap.NewDevelopmentEncoderConfig()
	config.ConsoleSeparator = " "
	config.StacktraceKey = "error"

	for _, option := range options {
		option(&config)
	}

	return &LogDestination{
		level:  logLevel,
		config: config,
		writer: writer,
	}
}

// ZapLogger creates a new logger fanning out to all destinations.
func ZapLogger(dests ...*LogDestination) *zap.Logger {
	if len(dests) == 0 {
		panic("at least one log destination must be defined")
	}

	cores := xslices.Map(dests, func(dest *LogDestination) zapcore.Core {
		return zapcore.NewCore(
			zapcore.NewConsoleEncoder(dest.config),
			zapcore.AddSync(dest.writer),
			dest.level,
		)
	})

	return zap.New(zapcore.NewTee(cores...))
}

// CLI builds the standard CLI logger: colored levels on stderr, keeping
// stdout free for command output (the root hash print of make-verity relies
// on this).
func CLI(debug bool) *zap.Logger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	return ZapLogger(
		NewLogDestination(os.Stderr, level, WithColoredLevels(), WithoutTimestamp()),
	)
}

// Gate builds the boot gate logger: console on stderr plus a best-effort
// mirror to /dev/kmsg so gate decisions survive in the kernel ring buffer.
func Gate() *zap.Logger {
	dests := []*LogDestination{
		NewLogDestination(os.Stderr, zapcore.DebugLevel, WithoutTimestamp()),
	}

	if f, err := os.OpenFile("/dev/kmsg", os.O_WRONLY|unix.O_CLOEXEC|unix.O_NONBLOCK|unix.O_NOCTTY, 0o666); err == nil {
		dests = append(dests,
			NewLogDestination(&kmsg.Writer{KmsgWriter: f}, zapcore.InfoLevel, WithoutTimestamp()),
		)
	}

	return ZapLogger(dests...)
}

// Component helper for creating a zap.Field.
func Component(name string) zapcore.Field {
	return zap.String("component", name)
}

// LogWriter is a wrapper around zap.Logger that implements io.Writer, used to
// stream external tool output line by line into the log.
type LogWriter struct {
	dest  *zap.Logger
	level zapcore.Level
}

// NewWriter creates a new log writer.
func NewWriter(l *zap.Logger, level zapcore.Level) io.Writer {
	return &LogWriter{
		dest:  l,
		level: level,
	}
}

// Write implements io.Writer.
func (lw *LogWriter) Write(line []byte) (int, error) {
	checked := lw.dest.Check(lw.level, strings.TrimSpace(string(line)))
	if checked == nil {
		return 0, nil
	}

	checked.Write()

	return len(line), nil
}
