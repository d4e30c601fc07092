// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package imgbuild

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/siderolabs/go-blockdevice/v2/block"
	"github.com/siderolabs/go-blockdevice/v2/partitioning/gpt"

	"github.com/salzg/attestation-level-manager/internal/pkg/devpool"
	"github.com/salzg/attestation-level-manager/internal/pkg/qemuimg"
	"github.com/salzg/attestation-level-manager/internal/pkg/statedir"
	"github.com/salzg/attestation-level-manager/pkg/constants"
	"github.com/salzg/attestation-level-manager/pkg/makefs"
)

// BuildVM derives a per-VM qcow2 disk from the base image, growing the root
// partition when the VM disk size exceeds the base size.
func (b *Builder) BuildVM(ctx context.Context, pool *devpool.Pool, name string) (*statedir.VMState, error) {
	base := b.state.BaseImage()

	if _, err := os.Stat(base); err != nil {
		return nil, fmt.Errorf("base image not found, run build-base first: %w", err)
	}

	vm, err := b.state.VM(name)
	if err != nil {
		return nil, err
	}

	if err = qemuimg.Convert(ctx, base, "raw", vm.Disk(), "qcow2", b.printf); err != nil {
		return nil, err
	}

	baseSize := b.profile.Base.DiskSize.Value()
	vmSize := b.profile.VM.DiskSize.Value()

	if vmSize > baseSize {
		if err = qemuimg.Resize(ctx, vm.Disk(), "qcow2", strconv.FormatUint(vmSize, 10)); err != nil {
			return nil, err
		}

		if err = b.growRoot(ctx, pool, vm.Disk()); err != nil {
			return nil, err
		}
	}

	b.printf("vm disk ready at %s", vm.Disk())

	return vm, nil
}

// growRoot expands the root partition and its filesystem to fill the resized
// disk.
func (b *Builder) growRoot(ctx context.Context, pool *devpool.Pool, image string) (err error) {
	dev, err := pool.Acquire()
	if err != nil {
		return err
	}

	defer pool.Release(dev)

	if err = dev.Attach(ctx, image, "qcow2"); err != nil {
		return err
	}

	defer func() {
		if detachErr := dev.Detach(context.WithoutCancel(ctx)); detachErr != nil && err == nil {
			err = detachErr
		}
	}()

	rootPart, err := dev.WaitPartition(ctx, constants.RootPartitionIndex)
	if err != nil {
		return err
	}

	if err = b.growPartition(dev.Path()); err != nil {
		return err
	}

	return makefs.Ext4Resize(ctx, rootPart)
}

func (b *Builder) growPartition(dev string) error {
	bd, err := block.NewFromPath(dev, block.OpenForWrite())
	if err != nil {
		return fmt.Errorf("failed to open blockdevice %s: %w", dev, err)
	}

	defer bd.Close() //nolint:errcheck

	if err = bd.Lock(true); err != nil {
		return fmt.Errorf("failed to lock blockdevice %s: %w", dev, err)
	}

	defer bd.Unlock() //nolint:errcheck

	gptdev, err := gpt.DeviceFromBlockDevice(bd)
	if err != nil {
		return fmt.Errorf("error getting GPT device: %w", err)
	}

	pt, err := gpt.Read(gptdev)
	if err != nil {
		return fmt.Errorf("error reading GPT: %w", err)
	}

	growth, err := pt.AvailablePartitionGrowth(constants.RootPartitionIndex - 1)
	if err != nil {
		return fmt.Errorf("error getting available partition growth: %w", err)
	}

	if growth <= 1024*1024 { // don't grow by less than 1MiB
		return nil
	}

	b.printf("growing root partition by %d bytes", growth)

	if err = pt.GrowPartition(constants.RootPartitionIndex-1, growth); err != nil {
		return fmt.Errorf("error growing partition: %w", err)
	}

	if err = pt.Write(); err != nil {
		return fmt.Errorf("error writing GPT: %w", err)
	}

	return nil
}
