// Package pkgmgr drives security-only package operations on Linux hosts
// through a remote executor. It speaks dnf's exit-code contract: check-update
// exits 100 when updates are pending, and needs-restarting exits 1 when a
// reboot is required. Neither is an error.
package pkgmgr

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/ripcord/internal/remote"
)

const (
	previewCommand = "dnf -q --security check-update"
	applyCommand   = "dnf -y -q --security upgrade"
	probeCommand   = "needs-restarting -r"

	exitUpdatesAvailable = 100
	exitRebootRequired   = 1
)

// Update is one pending security update as reported by check-update.
type Update struct {
	Package string
	Version string
	Repo    string
}

func (u Update) String() string {
	return u.Package + " " + u.Version
}

// PreviewSecurityUpdates lists pending security updates without changing
// anything. An empty slice means the host is current.
func PreviewSecurityUpdates(ctx context.Context, exec remote.Executor) ([]Update, error) {
	res, err := exec.Run(ctx, previewCommand)
	if err != nil {
		return nil, fmt.Errorf("run check-update: %w", err)
	}

	switch res.ExitCode {
	case 0:
		return nil, nil
	case exitUpdatesAvailable:
		return parseCheckUpdate(res.Stdout), nil
	default:
		return nil, fmt.Errorf("check-update exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
}

// parseCheckUpdate reads check-update's three-column listing. Anything under
// an "Obsoleting Packages" heading is dropped; those rows describe removals,
// not the upgrade set.
func parseCheckUpdate(out string) []Update {
	var updates []Update

	obsoleting := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "Obsoleting Packages") {
			obsoleting = true
			continue
		}
		if obsoleting {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		updates = append(updates, Update{
			Package: fields[0],
			Version: fields[1],
			Repo:    fields[2],
		})
	}

	return updates
}

// ApplySecurityUpdates applies the pending security updates. dnf exits 0
// when there is nothing to do, so calling this on a current host is safe.
func ApplySecurityUpdates(ctx context.Context, exec remote.Executor) error {
	log.Info().Str("command", applyCommand).Msg("Applying security updates")

	res, err := exec.Run(ctx, applyCommand)
	if err != nil {
		return fmt.Errorf("run upgrade: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("upgrade exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// RebootRequired probes whether the last transaction demands a reboot. The
// probe only inspects running binaries against installed versions, so it can
// be repeated freely.
func RebootRequired(ctx context.Context, exec remote.Executor) (bool, error) {
	res, err := exec.Run(ctx, probeCommand)
	if err != nil {
		return false, fmt.Errorf("run needs-restarting: %w", err)
	}

	switch res.ExitCode {
	case 0:
		return false, nil
	case exitRebootRequired:
		return true, nil
	default:
		return false, fmt.Errorf("needs-restarting exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
}
