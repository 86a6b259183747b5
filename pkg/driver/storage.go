package driver

import (
	"context"
	"fmt"
	"strings"

	"github.com/fleetbench/fleetbench/pkg/fleet"
	"github.com/fleetbench/fleetbench/pkg/remote"
	"github.com/fleetbench/fleetbench/pkg/transport"
)

// PrepareStorage runs the five-step storage pipeline fleet-wide: directory
// creation, device validation, unmount of stale mounts, format, mount.
// Validation, format, and mount must succeed on every host; directory
// creation and unmount are best effort.
func (d *Driver) PrepareStorage(ctx context.Context) error {
	d.recordStage(ctx, "prepare_storage")
	mount := transport.ShellQuote(d.cfg.Storage.MountPoint)
	outDir := transport.ShellQuote(d.cfg.Output.Directory)

	// Step 1: directories.
	fleet.Run(ctx, d.hosts, func(ctx context.Context, host string) error {
		d.runner.Execute(ctx, host, remote.Command{
			Text:        fmt.Sprintf("mkdir -p %s %s", outDir, mount),
			Description: "creating test directories",
			Timeout:     remote.ShortTimeout,
		})
		return nil
	})

	// Step 2: device validation. A missing block device means the host is
	// misconfigured; formatting anything there would be a mistake.
	if err := d.storageStep(ctx, "validating test device", func(device string) string {
		return fmt.Sprintf("test -b /dev/%s && lsblk /dev/%s || (echo 'block device /dev/%s not found' >&2 && exit 1)",
			device, device, device)
	}); err != nil {
		return fmt.Errorf("device validation: %w", err)
	}

	// Step 3: unmount stale mounts, best effort.
	fleet.Run(ctx, d.hosts, func(ctx context.Context, host string) error {
		d.runner.Execute(ctx, host, remote.Command{
			Text:        fmt.Sprintf("mountpoint -q %s && umount %s || echo 'not mounted'", mount, mount),
			Description: "unmounting stale mount",
			Timeout:     remote.ShortTimeout,
			MaxRetries:  1,
		})
		return nil
	})

	// Step 4: format.
	fs := d.cfg.Storage.Filesystem
	if err := d.storageStep(ctx, "formatting test device", func(device string) string {
		return fmt.Sprintf("mkfs.%s -f /dev/%s", fs, device)
	}); err != nil {
		return fmt.Errorf("format: %w", err)
	}

	// Step 5: mount.
	if err := d.storageStep(ctx, "mounting test device", func(device string) string {
		return fmt.Sprintf("mount /dev/%s %s", device, mount)
	}); err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	return nil
}

// storageStep runs a must-succeed per-device command on every host.
func (d *Driver) storageStep(ctx context.Context, description string, command func(device string) string) error {
	results := fleet.Run(ctx, d.hosts, func(ctx context.Context, host string) error {
		device, _ := d.cfg.DeviceFor(host)
		res := d.runner.Execute(ctx, host, remote.Command{
			Text:        command(device),
			Description: description,
			Timeout:     remote.LongTimeout,
		})
		if !res.OK {
			return fmt.Errorf("%s on %s: %w", description, host, resultErr(res))
		}
		return nil
	})
	if failed := fleet.Failed(d.hosts, results); len(failed) > 0 {
		return fmt.Errorf("failed on %d/%d hosts (%s): %w",
			len(failed), len(d.hosts), strings.Join(failed, ", "), fleet.FirstError(d.hosts, results))
	}
	return nil
}
