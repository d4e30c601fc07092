// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package hostcheck verifies that the host carries everything the image
// build and launch pipeline needs: external tools (with minimum versions),
// KVM and SEV device nodes, SEV-SNP capable hardware, firmware images and a
// writable state directory.
package hostcheck

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"

	"github.com/blang/semver/v4"
	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/cpuid/v2"
	"github.com/mattn/go-isatty"
	"github.com/siderolabs/go-cmd/pkg/cmd"

	"github.com/salzg/attestation-level-manager/pkg/profile"
)

// ErrMissingDependency is returned when a required host dependency is
// absent.
var ErrMissingDependency = errors.New("missing host dependency")

// Checker runs the host preflight checks.
type Checker struct {
	profile *profile.Profile
	output  io.Writer

	colorized bool

	kvmDevice string
	sevDevice string
	nbdDevice string
}

// Option configures the checker.
type Option func(*Checker)

// WithOutput redirects the report; colors are disabled.
func WithOutput(w io.Writer) Option {
	return func(c *Checker) {
		c.output = w
		c.colorized = false
	}
}

// WithDevicePaths overrides the device nodes probed by the hardware checks.
func WithDevicePaths(kvm, sev, nbd string) Option {
	return func(c *Checker) {
		c.kvmDevice = kvm
		c.sevDevice = sev
		c.nbdDevice = nbd
	}
}

// New creates a checker for the given profile.
func New(p *profile.Profile, opts ...Option) *Checker {
	c := &Checker{
		profile:   p,
		output:    os.Stdout,
		colorized: isatty.IsTerminal(os.Stdout.Fd()),
		kvmDevice: "/dev/kvm",
		sevDevice: "/dev/sev",
		nbdDevice: "/dev/nbd0",
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Run executes every check, prints a per-check line and returns the
// aggregated failures. All checks run even when earlier ones fail, so one
// pass reports everything that needs fixing.
func (c *Checker) Run(ctx context.Context) error {
	var result *multierror.Error

	for _, check := range []struct {
		name string
		fn   func(context.Context) error
	}{
		{"required tools", c.requiredTools},
		{"tool versions", c.toolVersions},
		{"kvm device", c.kvmAccessible},
		{"sev firmware device", c.sevPresent},
		{"cpu capabilities", c.cpuCapabilities},
		{"nbd device", c.nbdPresent},
		{"firmware images", c.firmwareImages},
		{"state directory", c.stateDirWritable},
	} {
		err := check.fn(ctx)

		c.print(check.name, err)

		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", check.name, err))
		}
	}

	return result.ErrorOrNil()
}

func (c *Checker) print(name string, err error) {
	status := "OK"

	switch {
	case err != nil && c.colorized:
		status = color.RedString("FAIL: %s", err)
	case err != nil:
		status = fmt.Sprintf("FAIL: %s", err)
	case c.colorized:
		status = color.GreenString("OK")
	}

	fmt.Fprintf(c.output, "%-22s %s\n", name, status)
}

func (c *Checker) requiredTools(context.Context) error {
	tools := []string{
		"qemu-img",
		"qemu-nbd",
		"losetup",
		"veritysetup",
		"virsh",
		"dnf",
		"dracut",
		"chroot",
		"mkfs.ext4",
		"mkfs.vfat",
		"e2fsck",
		"resize2fs",
		c.profile.Measurement.Tool,
	}

	var result *multierror.Error

	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			result = multierror.Append(result, fmt.Errorf("%w: %s not found in PATH", ErrMissingDependency, tool))
		}
	}

	return result.ErrorOrNil()
}

// minimum tool versions: older qemu-img cannot resize images with backing
// chains safely, older veritysetup lacks the --salt behavior relied on for
// reproducible hashes.
var minToolVersions = []struct {
	tool string
	min  semver.Version
}{
	{"qemu-img", semver.MustParse("6.2.0")},
	{"veritysetup", semver.MustParse("2.4.0")},
}

func (c *Checker) toolVersions(ctx context.Context) error {
	var result *multierror.Error

	for _, entry := range minToolVersions {
		out, err := cmd.RunContext(ctx, entry.tool, "--version")
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to run %s --version: %w", entry.tool, err))

			continue
		}

		version, err := ToolVersion(out)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", entry.tool, err))

			continue
		}

		if version.LT(entry.min) {
			result = multierror.Append(result, fmt.Errorf("%s version %s is older than the required %s", entry.tool, version, entry.min))
		}
	}

	return result.ErrorOrNil()
}

var versionRe = regexp.MustCompile(`\d+\.\d+(\.\d+)?`)

// ToolVersion extracts a semantic version from tool --version output.
func ToolVersion(output string) (semver.Version, error) {
	match := versionRe.FindString(output)
	if match == "" {
		return semver.Version{}, fmt.Errorf("no version token in output")
	}

	version, err := semver.ParseTolerant(match)
	if err != nil {
		return semver.Version{}, fmt.Errorf("failed to parse version %q: %w", match, err)
	}

	return version, nil
}

func (c *Checker) kvmAccessible(context.Context) error {
	f, err := os.OpenFile(c.kvmDevice, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: cannot open %s, make sure KVM is enabled and the user has access: %s", ErrMissingDependency, c.kvmDevice, err)
	}

	return f.Close()
}

func (c *Checker) sevPresent(context.Context) error {
	if _, err := os.Stat(c.sevDevice); err != nil {
		return fmt.Errorf("%w: %s not present, check that SEV-SNP is enabled in the platform firmware: %s", ErrMissingDependency, c.sevDevice, err)
	}

	return nil
}

func (c *Checker) cpuCapabilities(context.Context) error {
	if cpuid.CPU.VendorID != cpuid.AMD {
		return fmt.Errorf("cpu vendor %q is not AMD", cpuid.CPU.VendorString)
	}

	if !cpuid.CPU.Supports(cpuid.SEV, cpuid.SEV_SNP) {
		return fmt.Errorf("cpu %q does not advertise SEV-SNP", cpuid.CPU.BrandName)
	}

	return nil
}

func (c *Checker) nbdPresent(context.Context) error {
	if _, err := os.Stat(c.nbdDevice); err != nil {
		return fmt.Errorf("%w: %s not present, load the nbd module (modprobe nbd): %s", ErrMissingDependency, c.nbdDevice, err)
	}

	return nil
}

func (c *Checker) firmwareImages(context.Context) error {
	var result *multierror.Error

	for _, firmware := range []struct {
		name string
		path string
	}{
		{"plain SNP firmware", c.profile.Firmware.Plain},
		{"kernel-hashes SNP firmware", c.profile.Firmware.KernelHashes},
		{"pflash code image", c.profile.Firmware.PflashCode},
		{"pflash vars template", c.profile.Firmware.PflashVars},
	} {
		if firmware.path == "" {
			continue
		}

		if _, err := os.Stat(firmware.path); err != nil {
			result = multierror.Append(result, fmt.Errorf("%w: %s %s: %s", ErrMissingDependency, firmware.name, firmware.path, err))
		}
	}

	return result.ErrorOrNil()
}

func (c *Checker) stateDirWritable(context.Context) error {
	stateDir, err := c.profile.State()
	if err != nil {
		return err
	}

	if err = os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	probe, err := os.CreateTemp(stateDir, ".hostcheck-*")
	if err != nil {
		return fmt.Errorf("state directory %s is not writable: %w", stateDir, err)
	}

	probe.Close() //nolint:errcheck

	return os.Remove(probe.Name())
}
