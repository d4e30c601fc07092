// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package apply implements the attestation level pipeline.
//
// One apply run re-derives every launch artifact of a VM from the resolved
// boot policy: the guest boot chain (gate, boot guard config, initramfs),
// the verity hash tree, the kernel command line, the expected launch
// measurements and the launch descriptor. Because all of them are produced
// inside the same run from the same policy, they cannot drift apart; a
// failed run is repaired by re-running it.
package apply

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/salzg/attestation-level-manager/internal/pkg/artifacts"
	"github.com/salzg/attestation-level-manager/internal/pkg/chroot"
	"github.com/salzg/attestation-level-manager/internal/pkg/devpool"
	"github.com/salzg/attestation-level-manager/internal/pkg/guestfs"
	"github.com/salzg/attestation-level-manager/internal/pkg/imgbuild"
	"github.com/salzg/attestation-level-manager/internal/pkg/launch"
	"github.com/salzg/attestation-level-manager/internal/pkg/logging"
	"github.com/salzg/attestation-level-manager/internal/pkg/measurement"
	"github.com/salzg/attestation-level-manager/internal/pkg/mount"
	"github.com/salzg/attestation-level-manager/internal/pkg/statedir"
	"github.com/salzg/attestation-level-manager/internal/pkg/verity"
	"github.com/salzg/attestation-level-manager/pkg/alevel"
	"github.com/salzg/attestation-level-manager/pkg/constants"
	"github.com/salzg/attestation-level-manager/pkg/makefs"
	"github.com/salzg/attestation-level-manager/pkg/profile"
)

// Applier runs the pipeline for one profile and state directory.
type Applier struct {
	profile *profile.Profile
	state   *statedir.State
	pool    *devpool.Pool
	logger  *zap.Logger

	gateBinary func() (string, error)
}

// Option configures the applier.
type Option func(*Applier)

// WithGateBinary overrides where the guest gate binary is taken from.
func WithGateBinary(path string) Option {
	return func(a *Applier) {
		a.gateBinary = func() (string, error) { return path, nil }
	}
}

// New creates an applier.
func New(p *profile.Profile, state *statedir.State, pool *devpool.Pool, logger *zap.Logger, opts ...Option) *Applier {
	a := &Applier{
		profile:    p,
		state:      state,
		pool:       pool,
		logger:     logger,
		gateBinary: guestfs.DefaultGateBinary,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Outcome of an apply run.
type Outcome struct {
	Level  alevel.Level
	Policy alevel.BootPolicy

	// Artifacts is the extracted boot artifact set; nil below Level3.
	Artifacts *artifacts.BootArtifacts

	// Cmdline is the derived kernel command line; empty below Level3.
	Cmdline string

	// RootHash is the verity root hash; empty below Level4.
	RootHash string

	// Measurements holds the expected launch measurements; empty below
	// Level2.
	Measurements measurement.Results

	// DomainFile is the emitted launch descriptor path.
	DomainFile string
}

func (a *Applier) printf(format string, args ...any) {
	a.logger.Sugar().Infof(format, args...)
}

func (a *Applier) toolOutput() io.Writer {
	return logging.NewWriter(a.logger, zapcore.InfoLevel)
}

// Apply re-derives every launch artifact of the named VM for the requested
// attestation level.
//
//nolint:gocyclo
func (a *Applier) Apply(ctx context.Context, name string, level alevel.Level) (*Outcome, error) {
	policy, err := alevel.Resolve(level)
	if err != nil {
		return nil, err
	}

	overlay := a.profile.OverlayPolicy()

	vm, err := a.state.VM(name)
	if err != nil {
		return nil, err
	}

	if _, err = os.Stat(vm.Disk()); err != nil {
		return nil, fmt.Errorf("vm disk not found, run build-vm first: %w", err)
	}

	if policy.VerityRequired {
		if err = a.ensureAuxImages(vm, overlay); err != nil {
			return nil, err
		}
	}

	outcome := &Outcome{
		Level:  level,
		Policy: policy,
	}

	err = a.withDisk(ctx, vm.Disk(), func(dev *devpool.Device) error {
		rootPart, err := dev.WaitPartition(ctx, constants.RootPartitionIndex)
		if err != nil {
			return err
		}

		if err = a.withGuestRoot(rootPart, func(root string) error {
			if policy.Level >= alevel.Level3 {
				return a.configureGuest(ctx, vm, policy, overlay, root, outcome)
			}

			return a.cleanupGuest(ctx, root)
		}); err != nil {
			return err
		}

		// the root partition is quiescent now; the hash tree covers its
		// final content including the regenerated initramfs
		if policy.VerityRequired {
			return a.provisionVerity(ctx, vm, rootPart, outcome)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if policy.BootMode == alevel.BootModeDirectKernel {
		if outcome.Cmdline, err = a.deriveCmdline(policy, outcome.RootHash); err != nil {
			return nil, err
		}
	}

	if policy.Level.Measurable() {
		if err = a.computeExpected(ctx, vm, policy, outcome); err != nil {
			return nil, err
		}
	}

	if err = a.emitDescriptor(vm, policy, overlay, outcome); err != nil {
		return nil, err
	}

	a.printf("level %s applied to %s", level, name)

	return outcome, nil
}

// ensureAuxImages creates the hash tree image and, for disk-backed overlays,
// the upper layer image.
func (a *Applier) ensureAuxImages(vm *statedir.VMState, overlay alevel.OverlayPolicy) error {
	if err := a.ensureHashImage(vm); err != nil {
		return err
	}

	if !overlay.DiskBacked() {
		return nil
	}

	return a.ensureUpperImage(vm)
}

func (a *Applier) ensureHashImage(vm *statedir.VMState) error {
	if _, err := os.Stat(vm.HashImage()); err == nil {
		return nil
	}

	a.printf("creating hash image %s", vm.HashImage())

	return imgbuild.CreateSparse(vm.HashImage(), a.profile.Overlay.HashSize.Value())
}

// ensureUpperImage creates the overlay upper device image. It is left
// unformatted: the guest gate formats it on first boot.
func (a *Applier) ensureUpperImage(vm *statedir.VMState) error {
	if _, err := os.Stat(vm.UpperImage()); err == nil {
		return nil
	}

	a.printf("creating overlay upper image %s", vm.UpperImage())

	return imgbuild.CreateSparse(vm.UpperImage(), a.profile.Overlay.UpperSize.Value())
}

// withDisk attaches the VM disk to a device slot for the duration of fn.
func (a *Applier) withDisk(ctx context.Context, image string, fn func(dev *devpool.Device) error) (err error) {
	dev, err := a.pool.Acquire()
	if err != nil {
		return err
	}

	defer a.pool.Release(dev)

	if err = dev.Attach(ctx, image, "qcow2"); err != nil {
		return err
	}

	defer func() {
		if detachErr := dev.Detach(context.WithoutCancel(ctx)); detachErr != nil && err == nil {
			err = detachErr
		}
	}()

	return fn(dev)
}

// withGuestRoot mounts the guest root partition plus the chroot API
// filesystems for the duration of fn.
func (a *Applier) withGuestRoot(rootPart string, fn func(root string) error) (err error) {
	root, err := os.MkdirTemp("", "alman-apply-")
	if err != nil {
		return fmt.Errorf("failed to create mountpoint: %w", err)
	}

	defer os.RemoveAll(root) //nolint:errcheck

	points := mount.Points{
		mount.NewPoint(rootPart, root, makefs.FilesystemTypeEXT4),
	}

	points = append(points, chroot.Points(root)...)

	unmount, err := points.Mount()
	if err != nil {
		return err
	}

	defer unmount() //nolint:errcheck

	if err = fn(root); err != nil {
		return err
	}

	return unmount()
}

// configureGuest installs the boot gate and its configuration into the
// mounted guest root and regenerates the initramfs so both are captured in
// the boot image. The final kernel and initrd are extracted afterwards, so
// the recorded digests and the measurement inputs describe what will
// actually boot.
func (a *Applier) configureGuest(
	ctx context.Context,
	vm *statedir.VMState,
	policy alevel.BootPolicy,
	overlay alevel.OverlayPolicy,
	root string,
	outcome *Outcome,
) error {
	kernelSum, err := guestKernelSHA256(root)
	if err != nil {
		return err
	}

	gateBinary, err := a.gateBinary()
	if err != nil {
		return err
	}

	if err = guestfs.InstallGate(root, gateBinary); err != nil {
		return err
	}

	cfg := guardConfig(a.profile, policy, overlay, kernelSum, "")

	if err = guestfs.WriteBootGuard(root, cfg); err != nil {
		return err
	}

	if err = guestfs.InstallDracutModule(root, policy.VerityRequired); err != nil {
		return err
	}

	kernelVersion, err := guestfs.KernelVersion(root)
	if err != nil {
		return err
	}

	a.printf("regenerating initramfs for kernel %s", kernelVersion)

	if err = guestfs.RegenerateInitramfs(ctx, root, kernelVersion, a.toolOutput()); err != nil {
		return err
	}

	outcome.Artifacts, err = artifacts.Extract(root, vm.BootCache(), a.printf)

	return err
}

// cleanupGuest removes the boot gate from the guest when the applied level
// does not use it. The initramfs is only regenerated when something was
// actually removed.
func (a *Applier) cleanupGuest(ctx context.Context, root string) error {
	installed := false

	for _, path := range []string{constants.BootGuardConfigPath, constants.DracutModuleDir} {
		if _, err := os.Stat(filepath.Join(root, path)); err == nil {
			installed = true
		}
	}

	if !installed {
		return nil
	}

	a.printf("removing boot gate from guest")

	if err := guestfs.RemoveBootGuard(root); err != nil {
		return err
	}

	if err := guestfs.RemoveDracutModule(root); err != nil {
		return err
	}

	kernelVersion, err := guestfs.KernelVersion(root)
	if err != nil {
		return err
	}

	return guestfs.RegenerateInitramfs(ctx, root, kernelVersion, a.toolOutput())
}

// guestKernelSHA256 hashes the newest kernel under the mounted guest root.
// The kernel is not touched by the initramfs rebuild, so the digest recorded
// before the rebuild still describes the kernel that boots.
func guestKernelSHA256(root string) (string, error) {
	kernel, _, err := artifacts.Locate(root)
	if err != nil {
		return "", err
	}

	return artifacts.SHA256File(kernel)
}

// provisionVerity formats the hash tree over the root partition and persists
// the per-VM record.
func (a *Applier) provisionVerity(ctx context.Context, vm *statedir.VMState, rootPart string, outcome *Outcome) error {
	a.printf("formatting verity hash tree over %s", rootPart)

	rootHash, err := verity.Format(ctx, rootPart, vm.HashImage(), a.profile.Verity.Salt)
	if err != nil {
		return err
	}

	record := verityRecord(a.profile, vm, rootHash)

	if err = record.Save(vm.VerityRecordFile()); err != nil {
		return err
	}

	outcome.RootHash = rootHash

	return nil
}

func (a *Applier) deriveCmdline(policy alevel.BootPolicy, rootHash string) (string, error) {
	cmdline, err := artifacts.DeriveCmdline(artifacts.CmdlineSpec{
		Policy:         policy,
		Console:        a.profile.VM.Console,
		RootPartition:  a.profile.VM.RootPartition,
		VerityRootHash: rootHash,
	})
	if err != nil {
		return "", err
	}

	if err = artifacts.ValidateCmdline(cmdline); err != nil {
		return "", err
	}

	return cmdline, nil
}

// emitDescriptor writes the launch descriptor and, for pflash boot,
// materializes the per-VM NVRAM varstore.
func (a *Applier) emitDescriptor(vm *statedir.VMState, policy alevel.BootPolicy, overlay alevel.OverlayPolicy, outcome *Outcome) error {
	if !policy.SNP {
		if err := launch.PrepareNVRAM(a.profile.Firmware.PflashVars, vm.NVRAM()); err != nil {
			return err
		}
	}

	spec := launchSpec(a.profile, vm, policy, overlay, outcome)

	if err := launch.WriteFile(vm.DomainFile(), spec); err != nil {
		return err
	}

	outcome.DomainFile = vm.DomainFile()

	return nil
}
