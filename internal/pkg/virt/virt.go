// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package virt drives the libvirt CLI for domain lifecycle operations: the
// emitted launch descriptor is defined, started and torn down with one-shot
// virsh invocations.
package virt

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/siderolabs/go-cmd/pkg/cmd"
)

// DefaultConnectURI is the libvirt connection used unless overridden.
const DefaultConnectURI = "qemu:///system"

// Manager runs domain lifecycle operations against one libvirt connection.
type Manager struct {
	connectURI string
}

// Option configures the manager.
type Option func(*Manager)

// WithConnectURI overrides the libvirt connection URI.
func WithConnectURI(uri string) Option {
	return func(m *Manager) {
		m.connectURI = uri
	}
}

// New creates a manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		connectURI: DefaultConnectURI,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) virsh(ctx context.Context, args ...string) (string, error) {
	return cmd.RunContext(ctx, "virsh", append([]string{"--connect", m.connectURI}, args...)...)
}

// Define registers the domain from its descriptor file. An existing
// definition with the same name is replaced.
func (m *Manager) Define(ctx context.Context, xmlPath string) error {
	if _, err := os.Stat(xmlPath); err != nil {
		return fmt.Errorf("domain descriptor not found: %w", err)
	}

	if _, err := m.virsh(ctx, "define", xmlPath); err != nil {
		return fmt.Errorf("failed to define domain: %w", err)
	}

	return nil
}

// Start boots the defined domain.
func (m *Manager) Start(ctx context.Context, name string) error {
	if _, err := m.virsh(ctx, "start", name); err != nil {
		return fmt.Errorf("failed to start domain %s: %w", name, err)
	}

	return nil
}

// Console attaches an interactive console to the domain. The call blocks
// until the console session ends.
func (m *Manager) Console(ctx context.Context, name string) error {
	console := exec.CommandContext(ctx, "virsh", "--connect", m.connectURI, "console", name)
	console.Stdin = os.Stdin
	console.Stdout = os.Stdout
	console.Stderr = os.Stderr

	if err := console.Run(); err != nil {
		return fmt.Errorf("console session for %s failed: %w", name, err)
	}

	return nil
}

// Destroy force-stops the running domain.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	if _, err := m.virsh(ctx, "destroy", name); err != nil {
		return fmt.Errorf("failed to destroy domain %s: %w", name, err)
	}

	return nil
}

// Undefine removes the domain definition together with its NVRAM varstore.
func (m *Manager) Undefine(ctx context.Context, name string) error {
	if _, err := m.virsh(ctx, "undefine", "--nvram", name); err != nil {
		return fmt.Errorf("failed to undefine domain %s: %w", name, err)
	}

	return nil
}
