// Package facts collects point-in-time host facts over a remote executor.
// Both Linux and AIX emit POSIX df output under -P, so one parser serves
// both platforms; paging space is AIX-only.
package facts

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rcourtman/ripcord/internal/remote"
)

const (
	dfCommand   = "df -kP"
	lspsCommand = "/usr/sbin/lsps -s"
)

// Mount describes one mounted filesystem as reported by df -kP.
type Mount struct {
	Device         string
	SizeBytes      int64
	UsedBytes      int64
	AvailableBytes int64
	Mountpoint     string
}

// Mounts returns the mounted filesystems keyed by mountpoint. A configured
// mountpoint absent from the map is not mounted on the host.
func Mounts(ctx context.Context, exec remote.Executor) (map[string]Mount, error) {
	res, err := exec.Run(ctx, dfCommand)
	if err != nil {
		return nil, fmt.Errorf("run df: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("df exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return parseDF(res.Stdout)
}

// parseDF parses POSIX `df -kP` output. The -P flag pins the six-column
// single-line-per-filesystem format on every platform we manage.
func parseDF(out string) (map[string]Mount, error) {
	mounts := make(map[string]Mount)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("df output too short: %q", out)
	}

	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}

		size, err := parseKBField("size", fields[1])
		if err != nil {
			return nil, err
		}
		used, err := parseKBField("used", fields[2])
		if err != nil {
			return nil, err
		}
		avail, err := parseKBField("available", fields[3])
		if err != nil {
			return nil, err
		}

		// Mountpoints containing spaces span the remaining fields.
		mountpoint := strings.Join(fields[5:], " ")
		mounts[mountpoint] = Mount{
			Device:         fields[0],
			SizeBytes:      size,
			UsedBytes:      used,
			AvailableBytes: avail,
			Mountpoint:     mountpoint,
		}
	}

	return mounts, nil
}

func parseKBField(name, value string) (int64, error) {
	kb, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse df %s from %q: %w", name, value, err)
	}
	return kb * 1024, nil
}

// FilesystemFor returns the mount holding path: the mounted filesystem with
// the longest mountpoint prefix of path on a path-segment boundary.
func FilesystemFor(mounts map[string]Mount, path string) (Mount, bool) {
	var best Mount
	found := false

	for mp, m := range mounts {
		if !pathHasPrefix(path, mp) {
			continue
		}
		if !found || len(mp) > len(best.Mountpoint) {
			best = m
			found = true
		}
	}

	return best, found
}

func pathHasPrefix(path, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/'
}

// PagingSpace summarizes `lsps -s` on an AIX host.
type PagingSpace struct {
	TotalMB     int64
	UsedPercent int
}

// Paging reports total paging space and its used percentage.
func Paging(ctx context.Context, exec remote.Executor) (PagingSpace, error) {
	res, err := exec.Run(ctx, lspsCommand)
	if err != nil {
		return PagingSpace{}, fmt.Errorf("run lsps: %w", err)
	}
	if res.ExitCode != 0 {
		return PagingSpace{}, fmt.Errorf("lsps exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return parseLsps(res.Stdout)
}

// parseLsps parses the summary form of lsps:
//
//	Total Paging Space   Percent Used
//	      4096MB               2%
func parseLsps(out string) (PagingSpace, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return PagingSpace{}, fmt.Errorf("lsps output too short: %q", out)
	}

	fields := strings.Fields(lines[1])
	if len(fields) < 2 {
		return PagingSpace{}, fmt.Errorf("unexpected lsps summary line: %q", lines[1])
	}

	total, err := parsePagingSize(fields[0])
	if err != nil {
		return PagingSpace{}, err
	}

	pctStr := strings.TrimSuffix(fields[1], "%")
	pct, err := strconv.Atoi(pctStr)
	if err != nil {
		return PagingSpace{}, fmt.Errorf("parse lsps used percent from %q: %w", fields[1], err)
	}

	return PagingSpace{TotalMB: total, UsedPercent: pct}, nil
}

func parsePagingSize(value string) (int64, error) {
	num := value
	mult := int64(1)
	switch {
	case strings.HasSuffix(value, "GB"):
		num = strings.TrimSuffix(value, "GB")
		mult = 1024
	case strings.HasSuffix(value, "MB"):
		num = strings.TrimSuffix(value, "MB")
	}

	size, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse lsps total from %q: %w", value, err)
	}
	return size * mult, nil
}
