// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package devpool manages a bounded pool of network block device slots used
// to attach VM disk images on the host.
//
// The pool is advisory: it scans for slots not connected by any process and
// tracks its own acquisitions, but nothing prevents another process from
// racing for the same slot. Concurrent builder invocations must be serialized
// by the caller. The pool itself is not safe for concurrent use.
package devpool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/siderolabs/go-blockdevice/v2/partitioning"
	"github.com/siderolabs/go-cmd/pkg/cmd"
	"github.com/siderolabs/go-retry/retry"
)

// ErrExhausted is returned when no free device slot is available.
var ErrExhausted = errors.New("no free network block device slot")

// Pool is a bounded pool of /dev/nbdN slots.
type Pool struct {
	devRoot string
	sysRoot string
	slots   int

	held map[int]bool
}

// Option configures the pool.
type Option func(*Pool)

// WithSlots sets the number of scanned slots.
func WithSlots(n int) Option {
	return func(p *Pool) {
		p.slots = n
	}
}

// WithDevRoot overrides the device directory (for tests).
func WithDevRoot(dir string) Option {
	return func(p *Pool) {
		p.devRoot = dir
	}
}

// WithSysRoot overrides the sysfs block directory (for tests).
func WithSysRoot(dir string) Option {
	return func(p *Pool) {
		p.sysRoot = dir
	}
}

// New creates a device pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		devRoot: "/dev",
		sysRoot: "/sys/block",
		slots:   8,
		held:    map[int]bool{},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Acquire scans for a free slot and reserves it.
//
// A slot is busy when it is connected by any process (sysfs pid file present)
// or already held by this pool.
func (p *Pool) Acquire() (*Device, error) {
	for i := range p.slots {
		if p.held[i] {
			continue
		}

		name := "nbd" + strconv.Itoa(i)

		path := filepath.Join(p.devRoot, name)
		if _, err := os.Stat(path); err != nil {
			// device node absent, nbd module not loaded or slot not created
			continue
		}

		if _, err := os.Stat(filepath.Join(p.sysRoot, name, "pid")); err == nil {
			// connected by some process
			continue
		}

		p.held[i] = true

		return &Device{
			pool:  p,
			index: i,
			path:  path,
		}, nil
	}

	return nil, fmt.Errorf("%w: scanned %d slots", ErrExhausted, p.slots)
}

// Release returns a slot to the pool.
func (p *Pool) Release(d *Device) {
	if d == nil {
		return
	}

	delete(p.held, d.index)
}

// Device is an acquired network block device slot.
type Device struct {
	pool  *Pool
	index int
	path  string

	attached bool
}

// Path returns the device node path.
func (d *Device) Path() string {
	return d.path
}

// Partition returns the device node path of the nth partition.
func (d *Device) Partition(n int) string {
	return partitioning.DevName(d.path, uint(n))
}

// Attach connects a disk image to the device and waits for the kernel to
// expose it.
func (d *Device) Attach(ctx context.Context, image, format string) error {
	_, err := cmd.RunContext(ctx, "qemu-nbd",
		"--connect="+d.path,
		"--format="+format,
		"--cache=none",
		image,
	)
	if err != nil {
		return fmt.Errorf("failed to attach %s to %s: %w", image, d.path, err)
	}

	d.attached = true

	if err = d.wait(ctx, filepath.Join(d.pool.sysRoot, "nbd"+strconv.Itoa(d.index), "pid")); err != nil {
		return fmt.Errorf("device %s did not come up: %w", d.path, err)
	}

	return nil
}

// Detach disconnects the image from the device.
func (d *Device) Detach(ctx context.Context) error {
	if !d.attached {
		return nil
	}

	if _, err := cmd.RunContext(ctx, "qemu-nbd", "--disconnect", d.path); err != nil {
		return fmt.Errorf("failed to detach %s: %w", d.path, err)
	}

	d.attached = false

	return nil
}

// WaitPartition rescans the partition table and waits for the nth partition
// device node to appear.
func (d *Device) WaitPartition(ctx context.Context, n int) (string, error) {
	// the partition table is not always re-read on connect
	if _, err := cmd.RunContext(ctx, "partprobe", d.path); err != nil {
		return "", fmt.Errorf("failed to rescan partitions on %s: %w", d.path, err)
	}

	part := d.Partition(n)

	if err := d.wait(ctx, part); err != nil {
		return "", fmt.Errorf("partition %s did not appear: %w", part, err)
	}

	return part, nil
}

func (d *Device) wait(ctx context.Context, path string) error {
	return retry.Constant(10*time.Second, retry.WithUnits(100*time.Millisecond)).RetryWithContext(ctx,
		func(context.Context) error {
			if _, err := os.Stat(path); err != nil {
				return retry.ExpectedError(err)
			}

			return nil
		})
}
