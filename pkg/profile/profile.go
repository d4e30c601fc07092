// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package profile contains the definition of the image build profile.
package profile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/salzg/attestation-level-manager/pkg/alevel"
	"github.com/salzg/attestation-level-manager/pkg/constants"
)

// ErrConfigInvalid is returned when the profile fails validation.
var ErrConfigInvalid = errors.New("invalid configuration")

// Profile describes how base and per-VM images are built and launched.
type Profile struct {
	// StateDir is the root of the builder state (images, caches, records).
	StateDir string `yaml:"stateDir,omitempty"`

	// Base describes the base image build.
	Base BaseOptions `yaml:"base"`
	// VM describes per-VM resources and devices.
	VM VMOptions `yaml:"vm"`
	// Firmware points at the guest firmware builds.
	Firmware FirmwareOptions `yaml:"firmware"`
	// Overlay configures the Level4 writable layer.
	Overlay OverlayOptions `yaml:"overlay"`
	// Verity configures hash tree formatting.
	Verity VerityOptions `yaml:"verity"`
	// Measurement configures the expected measurement computation.
	Measurement MeasurementOptions `yaml:"measurement"`
}

// BaseOptions describes the base image build.
type BaseOptions struct {
	// DiskSize is the raw base image size.
	DiskSize ByteSize `yaml:"diskSize,omitempty"`
	// Releasever is the distribution release passed to the bootstrap tool.
	Releasever string `yaml:"releasever,omitempty"`
	// Packages installed into the base image.
	Packages []string `yaml:"packages,omitempty"`
	// Hostname configured in the base image.
	Hostname string `yaml:"hostname,omitempty"`
	// CustomizeScript is an optional script run in a chroot of the freshly
	// bootstrapped root.
	CustomizeScript string `yaml:"customizeScript,omitempty"`
}

// VMOptions describes per-VM resources.
type VMOptions struct {
	// Memory is the guest memory size.
	Memory ByteSize `yaml:"memory,omitempty"`
	// VCPUs is the guest vCPU count; also a launch measurement input.
	VCPUs int `yaml:"vcpus,omitempty"`
	// DiskSize is the per-VM disk size (image converted from base).
	DiskSize ByteSize `yaml:"diskSize,omitempty"`
	// Console is the serial console device on the kernel command line.
	Console string `yaml:"console,omitempty"`
	// RootPartition is the root partition path as seen by the guest.
	RootPartition string `yaml:"rootPartition,omitempty"`
	// SNPPolicy is the SEV-SNP guest policy bitmask.
	SNPPolicy uint64 `yaml:"snpPolicy,omitempty"`
	// CBitPos is the C-bit position of the host platform.
	CBitPos uint `yaml:"cbitpos,omitempty"`
	// ReducedPhysBits is the physical address bit reduction of the platform.
	ReducedPhysBits uint `yaml:"reducedPhysBits,omitempty"`
}

// FirmwareOptions points at the guest firmware builds.
//
// Levels 1+ boot a stateless firmware image (loader mode rom): the launch
// measurement covers the firmware, so it cannot carry a writable variable
// store. Level0 boots a regular pflash pair with a per-VM copy of the
// variable store.
type FirmwareOptions struct {
	// Plain is the SNP firmware build without kernel hashing support (AL1/AL2).
	Plain string `yaml:"plain,omitempty"`
	// KernelHashes is the SNP firmware build with kernel hashing support (AL3/AL4).
	KernelHashes string `yaml:"kernelHashes,omitempty"`
	// PflashCode is the firmware code image for Level0 pflash boot.
	PflashCode string `yaml:"pflashCode,omitempty"`
	// PflashVars is the variable store template copied per VM for Level0.
	PflashVars string `yaml:"pflashVars,omitempty"`
}

// OverlayOptions configures the Level4 writable layer.
type OverlayOptions struct {
	// UpperMode is "disk" or "tmpfs".
	UpperMode string `yaml:"upperMode,omitempty"`
	// TmpfsSize is the memory-backed upper layer size (tmpfs mode).
	TmpfsSize ByteSize `yaml:"tmpfsSize,omitempty"`
	// UpperSize is the upper device image size (disk mode).
	UpperSize ByteSize `yaml:"upperSize,omitempty"`
	// HashSize is the hash tree device image size.
	HashSize ByteSize `yaml:"hashSize,omitempty"`
}

// VerityOptions configures hash tree formatting.
type VerityOptions struct {
	// Salt is the fixed veritysetup salt (hex); keeping it constant makes the
	// root hash reproducible for identical root content.
	Salt string `yaml:"salt,omitempty"`
}

// MeasurementOptions configures the expected measurement computation.
type MeasurementOptions struct {
	// Tool is the external measurement calculator binary.
	Tool string `yaml:"tool,omitempty"`
	// CPUTypes is the path to the configured CPU type table.
	CPUTypes string `yaml:"cpuTypes,omitempty"`
	// LegalCPUTypes is the path to the allow-list for named CPU types.
	LegalCPUTypes string `yaml:"legalCpuTypes,omitempty"`
}

// Default returns the profile defaults.
func Default() *Profile {
	return &Profile{
		Base: BaseOptions{
			DiskSize:   MustByteSize("8GiB"),
			Releasever: "40",
			Packages: []string{
				"kernel",
				"systemd",
				"dracut",
				"grub2-efi-x64",
				"shim-x64",
				"e2fsprogs",
				"veritysetup",
				"passwd",
				"NetworkManager",
			},
			Hostname: "alman-guest",
		},
		VM: VMOptions{
			Memory:          MustByteSize("4GiB"),
			VCPUs:           4,
			DiskSize:        MustByteSize("10GiB"),
			Console:         constants.DefaultConsole,
			RootPartition:   constants.DefaultRootPartition,
			SNPPolicy:       constants.SNPDefaultPolicy,
			CBitPos:         constants.SNPDefaultCBitPos,
			ReducedPhysBits: constants.SNPDefaultReducedPhysBits,
		},
		Firmware: FirmwareOptions{
			Plain:        "/usr/share/alman/firmware/OVMF.snp.fd",
			KernelHashes: "/usr/share/alman/firmware/OVMF.snp-kernel-hashes.fd",
			PflashCode:   "/usr/share/edk2/ovmf/OVMF_CODE.fd",
			PflashVars:   "/usr/share/edk2/ovmf/OVMF_VARS.fd",
		},
		Overlay: OverlayOptions{
			UpperMode: string(alevel.UpperModeDisk),
			TmpfsSize: MustByteSize(constants.DefaultTmpfsSize),
			UpperSize: MustByteSize("2GiB"),
			HashSize:  MustByteSize("1GiB"),
		},
		Verity: VerityOptions{
			Salt: constants.VerityDefaultSalt,
		},
		Measurement: MeasurementOptions{
			Tool: constants.MeasureTool,
		},
	}
}

// Load reads a profile from a YAML file and merges it over the defaults.
func Load(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile: %w", err)
	}

	defer f.Close() //nolint:errcheck

	return Read(f)
}

// Read decodes a profile from YAML and merges it over the defaults.
func Read(r io.Reader) (*Profile, error) {
	p := Default()

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	if err := decoder.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s", ErrConfigInvalid, err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

// Validate the profile.
//
//nolint:gocyclo
func (p *Profile) Validate() error {
	if p.VM.VCPUs <= 0 {
		return fmt.Errorf("%w: vcpus must be positive", ErrConfigInvalid)
	}

	if p.VM.Memory.Value() == 0 {
		return fmt.Errorf("%w: memory size must be set", ErrConfigInvalid)
	}

	if p.Base.DiskSize.Value() == 0 || p.VM.DiskSize.Value() == 0 {
		return fmt.Errorf("%w: disk sizes must be set", ErrConfigInvalid)
	}

	if p.VM.DiskSize.Value() < p.Base.DiskSize.Value() {
		return fmt.Errorf("%w: vm disk size %s is smaller than the base image %s",
			ErrConfigInvalid, p.VM.DiskSize, p.Base.DiskSize)
	}

	if p.VM.RootPartition == "" {
		return fmt.Errorf("%w: root partition must be set", ErrConfigInvalid)
	}

	if p.VM.Console == "" {
		return fmt.Errorf("%w: console must be set", ErrConfigInvalid)
	}

	if _, err := alevel.ParseUpperMode(p.Overlay.UpperMode); err != nil {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, err)
	}

	if p.Overlay.TmpfsSize.Value() == 0 {
		return fmt.Errorf("%w: overlay tmpfs size must be set", ErrConfigInvalid)
	}

	if p.Verity.Salt == "" {
		return fmt.Errorf("%w: verity salt must be set", ErrConfigInvalid)
	}

	if p.Measurement.Tool == "" {
		return fmt.Errorf("%w: measurement tool must be set", ErrConfigInvalid)
	}

	return nil
}

// OverlayPolicy converts the overlay options into the shared policy object.
func (p *Profile) OverlayPolicy() alevel.OverlayPolicy {
	mode, err := alevel.ParseUpperMode(p.Overlay.UpperMode)
	if err != nil {
		// Validate rejects unknown modes before this is reachable
		mode = alevel.UpperModeDisk
	}

	return alevel.OverlayPolicy{
		UpperMode: mode,
		TmpfsSize: p.Overlay.TmpfsSize.Value(),
	}
}

// FirmwareFor selects the firmware image for a resolved boot policy.
func (p *Profile) FirmwareFor(policy alevel.BootPolicy) string {
	if !policy.SNP {
		return p.Firmware.PflashCode
	}

	if policy.Firmware == alevel.FirmwareKernelHashes {
		return p.Firmware.KernelHashes
	}

	return p.Firmware.Plain
}

// State returns the state directory, defaulting to ~/.alman.
func (p *Profile) State() (string, error) {
	if p.StateDir != "" {
		return p.StateDir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}

	return filepath.Join(home, ".alman"), nil
}

// Dump the profile as YAML.
func (p *Profile) Dump(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)

	return encoder.Encode(p)
}
