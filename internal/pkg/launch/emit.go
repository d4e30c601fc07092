// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package launch

import (
	"encoding/xml"
	"fmt"
	"os"

	"github.com/siderolabs/go-pointer"

	"github.com/salzg/attestation-level-manager/pkg/alevel"
)

// Spec carries everything the descriptor depends on. Policy and Overlay must
// be the same resolved objects fed to the measurement bridge; the descriptor
// and the expected measurement are only meaningful together.
type Spec struct {
	Name string

	Policy  alevel.BootPolicy
	Overlay alevel.OverlayPolicy

	MemoryBytes uint64
	VCPUs       int

	// DiskImage is the root disk (qcow2).
	DiskImage string

	// Firmware is the OVMF image selected by the policy; NVRAM is the per-VM
	// writable variable store, required only for the pflash loader.
	Firmware string
	NVRAM    string

	// Kernel/Initrd/Cmdline are required for direct-kernel boot.
	Kernel  string
	Initrd  string
	Cmdline string

	// HashImage and UpperImage are the verity hash device and the overlay
	// upper device (raw images).
	HashImage  string
	UpperImage string

	SNPPolicy       uint32
	CBitPos         uint
	ReducedPhysBits uint
}

// Emit translates the spec into a libvirt domain.
//
//nolint:gocyclo
func Emit(spec Spec) (*Domain, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("vm name is required")
	}

	if spec.MemoryBytes == 0 || spec.VCPUs <= 0 {
		return nil, fmt.Errorf("memory and vcpu count are required")
	}

	if spec.DiskImage == "" || spec.Firmware == "" {
		return nil, fmt.Errorf("disk image and firmware are required")
	}

	domain := &Domain{
		Type: "kvm",
		Name: spec.Name,
		Memory: Memory{
			Unit:  "KiB",
			Value: spec.MemoryBytes / 1024,
		},
		VCPU: VCPU{
			Placement: "static",
			Value:     spec.VCPUs,
		},
		OS: OS{
			Type: OSType{
				Arch:    "x86_64",
				Machine: "q35",
				Value:   "hvm",
			},
		},
		Features: Features{
			ACPI: pointer.To(struct{}{}),
			APIC: pointer.To(struct{}{}),
		},
		CPU:        CPUMode{Mode: "host-passthrough"},
		Clock:      Clock{Offset: "utc"},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: Devices{
			Disks: []Disk{
				{
					Type:   "file",
					Device: "disk",
					Driver: DiskDriver{Name: "qemu", Type: "qcow2"},
					Source: DiskSource{File: spec.DiskImage},
					Target: DiskTarget{Dev: "vda", Bus: "virtio"},
				},
			},
			Interfaces: []Interface{
				{
					Type:   "network",
					Source: InterfaceSource{Network: "default"},
					Model:  InterfaceModel{Type: "virtio"},
				},
			},
			Serials: []Serial{
				{Type: "pty", Target: SerialTarget{Port: 0}},
			},
			Consoles: []Console{
				{Type: "pty", Target: ConsoleTarget{Type: "serial", Port: 0}},
			},
			RNG: &RNG{
				Model:   "virtio",
				Backend: RNGBackend{Model: "random", Path: "/dev/urandom"},
			},
			MemBalloon: &MemBalloon{Model: "none"},
		},
	}

	switch spec.Policy.Firmware {
	case alevel.FirmwarePlain, alevel.FirmwareKernelHashes:
		if spec.Policy.SNP {
			// measured firmware must be immutable, so it is mapped as ROM
			domain.OS.Loader = &Loader{ReadOnly: "yes", Type: "rom", Path: spec.Firmware}

			break
		}

		if spec.NVRAM == "" {
			return nil, fmt.Errorf("pflash boot requires a per-vm nvram copy")
		}

		domain.OS.Loader = &Loader{ReadOnly: "yes", Type: "pflash", Path: spec.Firmware}
		domain.OS.NVRAM = spec.NVRAM
	default:
		return nil, fmt.Errorf("unknown firmware selector %q", spec.Policy.Firmware)
	}

	switch spec.Policy.BootMode {
	case alevel.BootModeDisk:
		domain.OS.Boot = &Boot{Dev: "hd"}
	case alevel.BootModeDirectKernel:
		if spec.Kernel == "" || spec.Initrd == "" || spec.Cmdline == "" {
			return nil, fmt.Errorf("direct-kernel boot requires kernel, initrd and cmdline")
		}

		domain.OS.Kernel = spec.Kernel
		domain.OS.Initrd = spec.Initrd
		domain.OS.Cmdline = spec.Cmdline
	default:
		return nil, fmt.Errorf("unknown boot mode %q", spec.Policy.BootMode)
	}

	if spec.Policy.SNP {
		security := &LaunchSecurity{
			Type:            "sev-snp",
			CBitPos:         spec.CBitPos,
			ReducedPhysBits: spec.ReducedPhysBits,
			Policy:          fmt.Sprintf("%#x", spec.SNPPolicy),
		}

		if spec.Policy.KernelHashes {
			security.KernelHashes = "yes"
		}

		domain.LaunchSecurity = security
	}

	if spec.Policy.VerityRequired {
		if spec.HashImage == "" {
			return nil, fmt.Errorf("verity boot requires a hash device image")
		}

		domain.Devices.Disks = append(domain.Devices.Disks, Disk{
			Type:     "file",
			Device:   "disk",
			Driver:   DiskDriver{Name: "qemu", Type: "raw"},
			Source:   DiskSource{File: spec.HashImage},
			Target:   DiskTarget{Dev: "vdb", Bus: "virtio"},
			ReadOnly: pointer.To(struct{}{}),
		})

		if spec.Overlay.DiskBacked() {
			if spec.UpperImage == "" {
				return nil, fmt.Errorf("disk-backed overlay requires an upper device image")
			}

			domain.Devices.Disks = append(domain.Devices.Disks, Disk{
				Type:   "file",
				Device: "disk",
				Driver: DiskDriver{Name: "qemu", Type: "raw"},
				Source: DiskSource{File: spec.UpperImage},
				Target: DiskTarget{Dev: "vdc", Bus: "virtio"},
			})
		}
	}

	return domain, nil
}

// Marshal renders the domain as an XML document.
func (d *Domain) Marshal() ([]byte, error) {
	data, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode domain: %w", err)
	}

	return append([]byte(xml.Header), append(data, '\n')...), nil
}

// WriteFile emits the domain descriptor to path.
func WriteFile(path string, spec Spec) error {
	domain, err := Emit(spec)
	if err != nil {
		return err
	}

	data, err := domain.Marshal()
	if err != nil {
		return err
	}

	if err = os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write domain descriptor: %w", err)
	}

	return nil
}
