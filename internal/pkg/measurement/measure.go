// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package measurement computes expected SEV-SNP launch measurements by
// driving the sev-snp-measure tool once per configured vCPU spec.
package measurement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/siderolabs/go-cmd/pkg/cmd"

	"github.com/salzg/attestation-level-manager/pkg/alevel"
)

// Errors returned by the calculator.
var (
	// ErrToolMissing indicates the measurement tool is not installed.
	ErrToolMissing = errors.New("measurement tool not found")
	// ErrMeasurementEmpty indicates the tool ran but produced no usable digest.
	ErrMeasurementEmpty = errors.New("measurement tool produced no usable output")
)

var measurementRe = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// Input carries the launch configuration being measured.
type Input struct {
	Level alevel.Level
	VCPUs int

	// OVMF is always required.
	OVMF string

	// Kernel, Initrd and Append are required for direct-kernel boot levels
	// and must be empty otherwise.
	Kernel string
	Initrd string
	Append string
}

// Result is one successful per-spec measurement.
type Result struct {
	CPUSpec        CPUSpec `json:"cpu_spec"`
	MeasurementHex string  `json:"measurement_hex"`
}

// Results collects per-spec outcomes of a measurement run. A spec ends up in
// exactly one of the two maps, keyed by its label.
type Results struct {
	Measurements map[string]Result `json:"measurements"`
	Errors       map[string]string `json:"errors"`
}

// Calculator shells out to sev-snp-measure.
type Calculator struct {
	tool string
}

// NewCalculator builds a calculator for the given tool name or path.
func NewCalculator(tool string) *Calculator {
	return &Calculator{tool: tool}
}

// Check verifies the tool is available before any invocation is attempted.
func (c *Calculator) Check() error {
	if strings.ContainsRune(c.tool, os.PathSeparator) {
		if _, err := os.Stat(c.tool); err != nil {
			return fmt.Errorf("%w: %s", ErrToolMissing, c.tool)
		}

		return nil
	}

	if _, err := exec.LookPath(c.tool); err != nil {
		return fmt.Errorf("%w: %s", ErrToolMissing, c.tool)
	}

	return nil
}

// Measure runs the tool once for a single vCPU spec and returns the hex
// digest.
func (c *Calculator) Measure(ctx context.Context, input Input, spec CPUSpec) (string, error) {
	args, err := c.buildArgs(input, spec)
	if err != nil {
		return "", err
	}

	out, err := cmd.RunContext(ctx, c.tool, args...)
	if err != nil {
		return "", fmt.Errorf("measurement for %s failed: %w", spec.Label(), err)
	}

	digest := strings.ToLower(strings.TrimSpace(out))

	if digest == "" || !measurementRe.MatchString(digest) {
		return "", fmt.Errorf("%w: %q", ErrMeasurementEmpty, strings.TrimSpace(out))
	}

	return digest, nil
}

// MeasureAll measures every spec, recording per-spec failures instead of
// aborting the run. Only a missing tool fails the whole operation.
func (c *Calculator) MeasureAll(ctx context.Context, input Input, specs []CPUSpec) (Results, error) {
	results := Results{
		Measurements: map[string]Result{},
		Errors:       map[string]string{},
	}

	if err := c.Check(); err != nil {
		return results, err
	}

	for _, spec := range specs {
		digest, err := c.Measure(ctx, input, spec)
		if err != nil {
			results.Errors[spec.Label()] = singleLine(err.Error())

			continue
		}

		results.Measurements[spec.Label()] = Result{
			CPUSpec:        spec,
			MeasurementHex: digest,
		}
	}

	return results, nil
}

func (c *Calculator) buildArgs(input Input, spec CPUSpec) ([]string, error) {
	policy, err := alevel.Resolve(input.Level)
	if err != nil {
		return nil, err
	}

	if !policy.Level.Measurable() {
		return nil, fmt.Errorf("%s does not produce a launch measurement", policy.Level)
	}

	if input.OVMF == "" {
		return nil, fmt.Errorf("ovmf image is required for measurement")
	}

	if input.VCPUs <= 0 {
		return nil, fmt.Errorf("vcpu count must be positive, got %d", input.VCPUs)
	}

	args := []string{
		"--mode", "snp",
		"--vmm-type", "QEMU",
		"--vcpus", strconv.Itoa(input.VCPUs),
		"--ovmf", input.OVMF,
		"--output-format", "hex",
	}

	args = append(args, spec.Args()...)

	if policy.BootMode == alevel.BootModeDirectKernel {
		if input.Kernel == "" || input.Initrd == "" {
			return nil, fmt.Errorf("%s measurement requires kernel and initrd", policy.Level)
		}

		args = append(args,
			"--kernel", input.Kernel,
			"--initrd", input.Initrd,
			"--append", input.Append,
		)
	}

	return args, nil
}

// Render writes the per-spec result lines in a stable order:
//
//	<label>\t<measurement-hex>
//	<label>\tERROR\t<message>
func (r Results) Render(w io.Writer) error {
	labels := make([]string, 0, len(r.Measurements)+len(r.Errors))

	for label := range r.Measurements {
		labels = append(labels, label)
	}

	for label := range r.Errors {
		labels = append(labels, label)
	}

	sort.Strings(labels)

	for _, label := range labels {
		var line string

		if result, ok := r.Measurements[label]; ok {
			line = label + "\t" + result.MeasurementHex
		} else {
			line = label + "\tERROR\t" + r.Errors[label]
		}

		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}

	return nil
}

// Failed reports whether any spec failed to measure.
func (r Results) Failed() bool {
	return len(r.Errors) > 0
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
