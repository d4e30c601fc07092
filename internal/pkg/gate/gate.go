// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package gate implements the guest-side boot integrity stages: the boot hash
// check, the verity open and the overlay construction.
//
// Every stage is fail-closed: a failure drops the boot into a recovery shell
// that never continues past the gate, and respawns if exited. Stages are
// idempotent so a boot retry re-running a stage cannot make things worse.
package gate

import (
	"context"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// State of a gate stage execution.
type State int

// Gate states. StateFailedHalted is terminal: the boot must not proceed past
// a failed stage.
const (
	StateChecking State = iota
	StatePassed
	StateFailedHalted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StatePassed:
		return "passed"
	case StateFailedHalted:
		return "failed-halted"
	default:
		return "unknown"
	}
}

// Gate executes boot stages fail-closed.
type Gate struct {
	logger *zap.Logger
	halt   func()
}

// Option configures the gate.
type Option func(*Gate)

// WithHalt overrides the halt behavior. The default never returns; tests
// install a recording stand-in.
func WithHalt(halt func()) Option {
	return func(g *Gate) {
		g.halt = halt
	}
}

// New creates a gate.
func New(logger *zap.Logger, opts ...Option) *Gate {
	g := &Gate{
		logger: logger,
	}

	g.halt = g.recoveryLoop

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Execute runs one stage. On failure it logs the error and halts; it only
// returns StateFailedHalted when the halt hook itself returns (tests).
func (g *Gate) Execute(ctx context.Context, name string, stage func(context.Context) error) State {
	g.logger.Info("boot gate stage starting", zap.String("stage", name), zap.Stringer("state", StateChecking))

	if err := stage(ctx); err != nil {
		g.logger.Error("boot gate stage failed, halting boot",
			zap.String("stage", name),
			zap.Error(err),
		)

		g.halt()

		return StateFailedHalted
	}

	g.logger.Info("boot gate stage passed", zap.String("stage", name))

	return StatePassed
}

// recoveryLoop spawns an interactive shell forever. Exiting the shell spawns
// a fresh one instead of resuming boot.
func (g *Gate) recoveryLoop() {
	for {
		g.logger.Warn("dropping into recovery shell, boot will not continue")

		shell := exec.Command("/bin/sh", "-i")
		shell.Stdin = os.Stdin
		shell.Stdout = os.Stdout
		shell.Stderr = os.Stderr

		if err := shell.Run(); err != nil {
			g.logger.Error("recovery shell failed", zap.Error(err))
		}

		// don't spin hot if the shell is missing or exits immediately
		time.Sleep(time.Second)
	}
}
