// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package profile

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/siderolabs/go-pointer"
	"gopkg.in/yaml.v3"
)

// ByteSize is a byte count which can be conveniently represented as a human
// readable string with IEC or SI sizes, e.g. "512MiB".
type ByteSize struct {
	value *uint64
	raw   string
}

// MustByteSize returns a new ByteSize with the given value.
//
// It panics if the value is invalid.
func MustByteSize(value string) ByteSize {
	var bs ByteSize

	if err := bs.set(value); err != nil {
		panic(err)
	}

	return bs
}

// Value returns the size in bytes.
func (bs ByteSize) Value() uint64 {
	return pointer.SafeDeref(bs.value)
}

func (bs *ByteSize) set(text string) error {
	if text == "" {
		return nil
	}

	value, err := humanize.ParseBytes(text)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", text, err)
	}

	bs.value = pointer.To(value)
	bs.raw = text

	return nil
}

func (bs ByteSize) String() string {
	if bs.raw != "" {
		return bs.raw
	}

	if bs.value == nil {
		return "0"
	}

	return humanize.IBytes(*bs.value)
}

// MarshalYAML implements yaml.Marshaler.
func (bs ByteSize) MarshalYAML() (any, error) {
	return bs.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (bs *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var text string

	if err := node.Decode(&text); err != nil {
		return err
	}

	return bs.set(text)
}

// IsZero makes empty values omittable with `omitempty`.
func (bs ByteSize) IsZero() bool {
	return bs.value == nil && bs.raw == ""
}
