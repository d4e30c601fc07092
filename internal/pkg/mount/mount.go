// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mount provides scoped mount point management.
//
// Every successful mount returns an unmounter; callers defer it so the mount
// is released on every exit path.
package mount

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Point is a mount point.
type Point struct {
	source string
	target string
	fstype string
	data   string

	flags uintptr
}

// NewPointOption configures a mount point.
type NewPointOption func(*Point)

// WithFlags appends mount flags.
func WithFlags(flags uintptr) NewPointOption {
	return func(p *Point) {
		p.flags |= flags
	}
}

// WithReadonly mounts the point read-only.
func WithReadonly() NewPointOption {
	return WithFlags(unix.MS_RDONLY)
}

// WithData sets the filesystem-specific data string.
func WithData(data string) NewPointOption {
	return func(p *Point) {
		p.data = data
	}
}

// NewPoint creates a new mount point description.
func NewPoint(source, target, fstype string, opts ...NewPointOption) *Point {
	p := &Point{
		source: source,
		target: target,
		fstype: fstype,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// NewBindPoint creates a bind mount description.
func NewBindPoint(source, target string, opts ...NewPointOption) *Point {
	return NewPoint(source, target, "", append([]NewPointOption{WithFlags(unix.MS_BIND)}, opts...)...)
}

// Source returns the mount source.
func (p *Point) Source() string {
	return p.source
}

// Target returns the mount target.
func (p *Point) Target() string {
	return p.target
}

// Mount the point, returning an unmounter.
func (p *Point) Mount() (unmounter func() error, err error) {
	if err = os.MkdirAll(p.target, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mount target %s: %w", p.target, err)
	}

	if err = unix.Mount(p.source, p.target, p.fstype, p.flags, p.data); err != nil {
		return nil, fmt.Errorf("failed to mount %s to %s: %w", p.source, p.target, err)
	}

	return func() error {
		if err := unix.Unmount(p.target, 0); err != nil {
			return fmt.Errorf("failed to unmount %s: %w", p.target, err)
		}

		return nil
	}, nil
}

// Move the mount point to a new target.
func Move(source, target string) error {
	if err := unix.Mount(source, target, "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("failed to move mount %s to %s: %w", source, target, err)
	}

	return nil
}

// IsMountedAs reports whether the target is a mountpoint of the filesystem
// with the given statfs magic.
func IsMountedAs(target string, magic int64) (bool, error) {
	var stat unix.Statfs_t

	if err := unix.Statfs(target, &stat); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to statfs %s: %w", target, err)
	}

	return stat.Type == magic, nil
}

// Points is a list of mount points mounted in order and unmounted in reverse
// order.
type Points []*Point

// Mount all points, returning a single unmounter.
//
// If any mount fails, the already mounted points are unmounted before the
// error is returned.
func (points Points) Mount() (unmounter func() error, err error) {
	var unmounters []func() error

	unmountAll := func() error {
		var unmountErr error

		for i := len(unmounters) - 1; i >= 0; i-- {
			if err := unmounters[i](); err != nil && unmountErr == nil {
				unmountErr = err
			}
		}

		return unmountErr
	}

	for _, point := range points {
		unmount, err := point.Mount()
		if err != nil {
			unmountAll() //nolint:errcheck

			return nil, err
		}

		unmounters = append(unmounters, unmount)
	}

	return unmountAll, nil
}
