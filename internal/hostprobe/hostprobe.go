// Package hostprobe evaluates the free-space gate against the local
// filesystem table, so an operator on a managed host can see what a
// controller run would conclude without a platform or SSH round trip.
package hostprobe

import (
	"context"
	"fmt"

	godisk "github.com/shirou/gopsutil/v4/disk"
)

// System call wrappers for testing
var (
	diskPartitions = godisk.PartitionsWithContext
	diskUsage      = godisk.UsageWithContext
)

// Check is the verdict for one configured mountpoint.
type Check struct {
	Mountpoint     string
	Mounted        bool
	AvailableBytes int64
	Pass           bool
}

// Evaluate applies the free-space gate locally. Mountpoints not mounted
// here pass as skipped, mirroring the remote gate's behavior.
func Evaluate(ctx context.Context, mountpoints []string, minFreeBytes int64) ([]Check, error) {
	parts, err := diskPartitions(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	mounted := make(map[string]bool, len(parts))
	for _, p := range parts {
		mounted[p.Mountpoint] = true
	}

	checks := make([]Check, 0, len(mountpoints))
	for _, mp := range mountpoints {
		check := Check{Mountpoint: mp}
		if !mounted[mp] {
			check.Pass = true
			checks = append(checks, check)
			continue
		}

		usage, err := diskUsage(ctx, mp)
		if err != nil {
			return nil, fmt.Errorf("usage for %s: %w", mp, err)
		}
		check.Mounted = true
		check.AvailableBytes = int64(usage.Free)
		check.Pass = check.AvailableBytes > minFreeBytes
		checks = append(checks, check)
	}

	return checks, nil
}

// Pass reduces the checks to the gate's overall answer.
func Pass(checks []Check) bool {
	for _, c := range checks {
		if !c.Pass {
			return false
		}
	}
	return true
}
