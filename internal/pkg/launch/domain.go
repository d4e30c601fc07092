// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package launch renders the libvirt domain descriptor for a VM from its
// resolved boot policy, keeping the launch configuration and the measurement
// input derived from one shared policy object.
package launch

import "encoding/xml"

// Domain is the subset of the libvirt domain schema the manager emits.
type Domain struct {
	XMLName xml.Name `xml:"domain"`
	Type    string   `xml:"type,attr"`

	Name   string `xml:"name"`
	Memory Memory `xml:"memory"`
	VCPU   VCPU   `xml:"vcpu"`

	OS       OS       `xml:"os"`
	Features Features `xml:"features"`
	CPU      CPUMode  `xml:"cpu"`
	Clock    Clock    `xml:"clock"`

	OnPoweroff string `xml:"on_poweroff"`
	OnReboot   string `xml:"on_reboot"`
	OnCrash    string `xml:"on_crash"`

	Devices Devices `xml:"devices"`

	LaunchSecurity *LaunchSecurity `xml:"launchSecurity,omitempty"`
}

// Memory is the guest memory size.
type Memory struct {
	Unit  string `xml:"unit,attr"`
	Value uint64 `xml:",chardata"`
}

// VCPU is the guest vCPU count.
type VCPU struct {
	Placement string `xml:"placement,attr"`
	Value     int    `xml:",chardata"`
}

// OS selects firmware and, for direct-kernel boot, the kernel/initrd/cmdline
// triple.
type OS struct {
	Type    OSType  `xml:"type"`
	Loader  *Loader `xml:"loader,omitempty"`
	NVRAM   string  `xml:"nvram,omitempty"`
	Kernel  string  `xml:"kernel,omitempty"`
	Initrd  string  `xml:"initrd,omitempty"`
	Cmdline string  `xml:"cmdline,omitempty"`
	Boot    *Boot   `xml:"boot,omitempty"`
}

// OSType is the guest machine type.
type OSType struct {
	Arch    string `xml:"arch,attr"`
	Machine string `xml:"machine,attr"`
	Value   string `xml:",chardata"`
}

// Loader selects the firmware image. Type "rom" maps the image directly and
// keeps it immutable (required for measured firmware); type "pflash" needs a
// per-VM writable variable store referenced by the nvram element.
type Loader struct {
	ReadOnly string `xml:"readonly,attr"`
	Type     string `xml:"type,attr"`
	Path     string `xml:",chardata"`
}

// Boot is the firmware boot device order entry.
type Boot struct {
	Dev string `xml:"dev,attr"`
}

// Features enables guest platform features.
type Features struct {
	ACPI *struct{} `xml:"acpi"`
	APIC *struct{} `xml:"apic"`
}

// CPUMode selects the vCPU model exposed to the guest.
type CPUMode struct {
	Mode string `xml:"mode,attr"`
}

// Clock sets the guest clock offset.
type Clock struct {
	Offset string `xml:"offset,attr"`
}

// Devices is the attached device set.
type Devices struct {
	Emulator   string      `xml:"emulator,omitempty"`
	Disks      []Disk      `xml:"disk"`
	Interfaces []Interface `xml:"interface"`
	Serials    []Serial    `xml:"serial"`
	Consoles   []Console   `xml:"console"`
	RNG        *RNG        `xml:"rng,omitempty"`
	MemBalloon *MemBalloon `xml:"memballoon,omitempty"`
}

// Disk attaches a disk image.
type Disk struct {
	Type     string     `xml:"type,attr"`
	Device   string     `xml:"device,attr"`
	Driver   DiskDriver `xml:"driver"`
	Source   DiskSource `xml:"source"`
	Target   DiskTarget `xml:"target"`
	ReadOnly *struct{}  `xml:"readonly,omitempty"`
}

// DiskDriver names the image format.
type DiskDriver struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

// DiskSource points at the backing file.
type DiskSource struct {
	File string `xml:"file,attr"`
}

// DiskTarget names the guest-visible device.
type DiskTarget struct {
	Dev string `xml:"dev,attr"`
	Bus string `xml:"bus,attr"`
}

// Interface attaches a network interface.
type Interface struct {
	Type   string          `xml:"type,attr"`
	Source InterfaceSource `xml:"source"`
	Model  InterfaceModel  `xml:"model"`
}

// InterfaceSource names the host network.
type InterfaceSource struct {
	Network string `xml:"network,attr"`
}

// InterfaceModel names the NIC model.
type InterfaceModel struct {
	Type string `xml:"type,attr"`
}

// Serial attaches a serial port.
type Serial struct {
	Type   string       `xml:"type,attr"`
	Target SerialTarget `xml:"target"`
}

// SerialTarget is the serial port number.
type SerialTarget struct {
	Port int `xml:"port,attr"`
}

// Console attaches the primary console.
type Console struct {
	Type   string        `xml:"type,attr"`
	Target ConsoleTarget `xml:"target"`
}

// ConsoleTarget binds the console to a serial port.
type ConsoleTarget struct {
	Type string `xml:"type,attr"`
	Port int    `xml:"port,attr"`
}

// RNG attaches an entropy source.
type RNG struct {
	Model   string     `xml:"model,attr"`
	Backend RNGBackend `xml:"backend"`
}

// RNGBackend names the host entropy device.
type RNGBackend struct {
	Model string `xml:"model,attr"`
	Path  string `xml:",chardata"`
}

// MemBalloon configures the balloon device. SEV-SNP guests run with the
// balloon disabled since guest memory is pinned and encrypted.
type MemBalloon struct {
	Model string `xml:"model,attr"`
}

// LaunchSecurity is the SEV-SNP launch security element. KernelHashes gates
// whether firmware includes the kernel/initrd/cmdline digests in the launch
// measurement.
type LaunchSecurity struct {
	Type            string `xml:"type,attr"`
	KernelHashes    string `xml:"kernelHashes,attr,omitempty"`
	CBitPos         uint   `xml:"cbitpos"`
	ReducedPhysBits uint   `xml:"reducedPhysBits"`
	Policy          string `xml:"policy"`
}
