// Package workflow implements the patch-and-snapshot safety cycles as
// explicit step sequences. Every mutating action sits behind an ordered set
// of gates; a tripped gate halts that host's cycle with a typed error and
// touches nothing else.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/ripcord/internal/aix"
	"github.com/rcourtman/ripcord/internal/facts"
	"github.com/rcourtman/ripcord/internal/inventory"
	"github.com/rcourtman/ripcord/internal/pkgmgr"
	"github.com/rcourtman/ripcord/internal/remote"
	"github.com/rcourtman/ripcord/internal/services"
	"github.com/rcourtman/ripcord/pkg/vsphere"
)

const (
	snapshotSuffix = "-prepatch"

	rebootCommandLinux = "shutdown -r now"
	rebootCommandAIX   = "shutdown -Fr"

	// stagedHeadroom multiplies the artifact size for the staging gate:
	// the compressed artifact plus emgr's unpacked working copy.
	stagedHeadroom = 2
)

var timeNow = time.Now

// SnapshotPlatform is the slice of the virtualization platform the cycles
// need. *vsphere.Client implements it.
type SnapshotPlatform interface {
	ListSnapshots(ctx context.Context, vmID string) ([]vsphere.Snapshot, error)
	GetCurrentSnapshot(ctx context.Context, vmID string) (*vsphere.Snapshot, error)
	CreateSnapshot(ctx context.Context, vmID string, spec vsphere.CreateSnapshotSpec) (string, error)
	DeleteSnapshot(ctx context.Context, vmID, snapshotID string) error
}

// VMResolver matches a host address against the run's inventory snapshot.
// *inventory.VMIndex implements it.
type VMResolver interface {
	Matches(address string) []inventory.VMRecord
}

// ConnectFunc opens an executor for a host. Dialing may be lazy.
type ConnectFunc func(host inventory.Host) (remote.Executor, error)

// ArtifactFetcher stages ifix artifacts onto hosts.
type ArtifactFetcher interface {
	ArtifactSize(ctx context.Context, artifact string) (int64, error)
	Stage(ctx context.Context, exec remote.Executor, artifact, stagingDir string) (string, error)
}

// Config wires a Controller.
type Config struct {
	Platform SnapshotPlatform
	Resolver VMResolver
	Connect  ConnectFunc
	Fetcher  ArtifactFetcher
}

// Controller runs the per-host cycles. It holds no per-host state; one
// Controller serves a whole batch.
type Controller struct {
	cfg Config
}

func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// PatchOptions parameterizes one patch cycle.
type PatchOptions struct {
	// Apply arms the mutating steps. The zero value previews without
	// touching anything, so a forgotten field cannot patch a host.
	Apply        bool
	MinFreeBytes int64
	Mountpoints  []string
	Services     []string
	Reboot       remote.RebootSpec
}

// RunPatchCycle executes the patch cycle for one Linux VMware guest.
// The returned outcome is populated as far as the cycle got.
func (c *Controller) RunPatchCycle(ctx context.Context, host inventory.Host, opts PatchOptions) (*PatchOutcome, error) {
	out := &PatchOutcome{Host: host.Name, CheckOnly: !opts.Apply}
	logger := log.With().Str("host", host.Name).Str("cycle", "patch").Logger()

	if host.IsAIX() {
		err := errors.New("AIX hosts are patched through the ifix cycle")
		out.Steps.fail("platform", err)
		return out, gateErr(KindPrecondition, host.Name, "platform", err)
	}

	// resolve
	rec, err := c.resolveVM(host)
	if err != nil {
		out.Steps.fail("resolve", err)
		return out, gateErr(KindPrecondition, host.Name, "resolve", err)
	}
	out.VMID = rec.VMID
	out.Steps.ok("resolve", fmt.Sprintf("vm %s (%s)", rec.VMID, rec.Name))
	logger.Info().Str("vmId", rec.VMID).Str("vmName", rec.Name).Msg("Resolved VM identity")

	exec, err := c.cfg.Connect(host)
	if err != nil {
		out.Steps.fail("connect", err)
		return out, gateErr(KindPrecondition, host.Name, "connect", err)
	}
	defer exec.Close()

	// disk-space
	if err := c.checkDiskSpace(ctx, exec, opts.Mountpoints, opts.MinFreeBytes, &out.Steps); err != nil {
		return out, gateErr(KindSafetyGate, host.Name, "disk-space", err)
	}

	// check-only branch: preview and stop, nothing mutated.
	if !opts.Apply {
		updates, err := pkgmgr.PreviewSecurityUpdates(ctx, exec)
		if err != nil {
			out.Steps.fail("check-only", err)
			return out, gateErr(KindExecution, host.Name, "check-only", err)
		}
		out.Updates = updateNames(updates)
		out.Steps.ok("check-only", fmt.Sprintf("%d security updates pending", len(updates)))
		logger.Info().Int("updates", len(updates)).Msg("Check-only run complete")
		return out, nil
	}

	// snapshot-guard
	snaps, err := c.cfg.Platform.ListSnapshots(ctx, rec.VMID)
	if err != nil {
		out.Steps.fail("snapshot-guard", err)
		return out, gateErr(KindSafetyGate, host.Name, "snapshot-guard", fmt.Errorf("list snapshots: %w", err))
	}
	if len(snaps) > 0 {
		err := fmt.Errorf("%w: %s", ErrUnexpectedSnapshot, strings.Join(snapshotNames(snaps), ", "))
		out.Steps.fail("snapshot-guard", err)
		return out, gateErr(KindSafetyGate, host.Name, "snapshot-guard", err)
	}
	out.Steps.ok("snapshot-guard", "no existing snapshots")

	// drain
	mgr := services.NewManager(exec, host.Platform)
	for _, f := range mgr.StopAll(ctx, opts.Services) {
		out.Warnings = append(out.Warnings, Warning{Step: "drain", Detail: f.String()})
		logger.Warn().Str("service", f.Service).Err(f.Err).Msg("Service stop failed")
	}
	out.Steps.ok("drain", fmt.Sprintf("%d services stopped", len(opts.Services)))

	// protect
	name := host.Name + snapshotSuffix
	snapID, err := c.cfg.Platform.CreateSnapshot(ctx, rec.VMID, vsphere.CreateSnapshotSpec{
		Name:        name,
		Description: "ripcord pre-patch safety snapshot " + timeNow().UTC().Format(time.RFC3339),
		Quiesce:     true,
	})
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrSnapshotCreation, err)
		out.Steps.fail("protect", err)
		return out, gateErr(KindSafetyGate, host.Name, "protect", err)
	}
	out.Snapshot = name
	out.SnapshotID = snapID
	out.Steps.ok("protect", name)
	logger.Info().Str("snapshot", name).Str("snapshotId", snapID).Msg("Pre-patch snapshot created")

	// patch
	updates, err := pkgmgr.PreviewSecurityUpdates(ctx, exec)
	if err != nil {
		out.Steps.fail("patch", err)
		return out, gateErr(KindExecution, host.Name, "patch", err)
	}
	out.Updates = updateNames(updates)
	if err := pkgmgr.ApplySecurityUpdates(ctx, exec); err != nil {
		out.Steps.fail("patch", err)
		return out, gateErr(KindExecution, host.Name, "patch", err)
	}
	out.Steps.ok("patch", fmt.Sprintf("%d security updates applied", len(updates)))

	// reboot-probe
	rebootNeeded, err := pkgmgr.RebootRequired(ctx, exec)
	if err != nil {
		out.Steps.fail("reboot-probe", err)
		return out, gateErr(KindExecution, host.Name, "reboot-probe", err)
	}
	out.Steps.ok("reboot-probe", fmt.Sprintf("reboot required: %t", rebootNeeded))

	// converge: a rebooted host never gets explicit service restarts.
	if rebootNeeded {
		if err := c.managedReboot(ctx, exec, host, opts.Reboot); err != nil {
			out.Steps.fail("converge", err)
			return out, gateErr(KindConvergence, host.Name, "converge", err)
		}
		out.Rebooted = true
		out.Steps.ok("converge", "rebooted")
	} else {
		for _, f := range mgr.StartAll(ctx, opts.Services) {
			out.Warnings = append(out.Warnings, Warning{Step: "restart", Detail: f.String()})
			logger.Warn().Str("service", f.Service).Err(f.Err).Msg("Service start failed")
		}
		out.Steps.ok("converge", fmt.Sprintf("%d services restarted", len(opts.Services)))
	}

	logger.Info().Bool("rebooted", out.Rebooted).Int("updates", len(out.Updates)).Msg("Patch cycle complete")
	return out, nil
}

// RunSnapshotCleanupCycle deletes the pre-patch snapshot once it is verified
// to still be the VM's current snapshot. Anything else halts untouched.
func (c *Controller) RunSnapshotCleanupCycle(ctx context.Context, host inventory.Host) (*CleanupOutcome, error) {
	out := &CleanupOutcome{Host: host.Name}
	logger := log.With().Str("host", host.Name).Str("cycle", "cleanup").Logger()

	if host.IsAIX() {
		err := errors.New("AIX hosts carry no platform snapshots")
		out.Steps.fail("platform", err)
		return out, gateErr(KindPrecondition, host.Name, "platform", err)
	}

	rec, err := c.resolveVM(host)
	if err != nil {
		out.Steps.fail("resolve", err)
		return out, gateErr(KindPrecondition, host.Name, "resolve", err)
	}
	out.VMID = rec.VMID
	out.Steps.ok("resolve", fmt.Sprintf("vm %s (%s)", rec.VMID, rec.Name))

	// verify
	want := host.Name + snapshotSuffix
	current, err := c.cfg.Platform.GetCurrentSnapshot(ctx, rec.VMID)
	if err != nil {
		out.Steps.fail("verify", err)
		return out, gateErr(KindSafetyGate, host.Name, "verify", fmt.Errorf("fetch current snapshot: %w", err))
	}
	if current == nil {
		err := fmt.Errorf("%w: no current snapshot, expected %q", ErrSnapshotStateMismatch, want)
		out.Steps.fail("verify", err)
		return out, gateErr(KindSafetyGate, host.Name, "verify", err)
	}
	if current.Name != want {
		err := fmt.Errorf("%w: current snapshot is %q, expected %q", ErrSnapshotStateMismatch, current.Name, want)
		out.Steps.fail("verify", err)
		return out, gateErr(KindSafetyGate, host.Name, "verify", err)
	}
	out.Snapshot = current.Name
	out.SnapshotID = current.ID
	out.Steps.ok("verify", current.Name)

	// delete
	if err := c.cfg.Platform.DeleteSnapshot(ctx, rec.VMID, current.ID); err != nil {
		err = fmt.Errorf("%w: %v", ErrSnapshotDeletion, err)
		out.Steps.fail("delete", err)
		return out, gateErr(KindSafetyGate, host.Name, "delete", err)
	}
	out.Deleted = true
	out.Steps.ok("delete", current.Name)
	logger.Info().Str("snapshot", current.Name).Msg("Pre-patch snapshot deleted")
	return out, nil
}

// IfixOptions parameterizes one ifix cycle.
type IfixOptions struct {
	Artifact             string
	StagingDir           string
	AutoReboot           bool
	MaxPagingUsedPercent int
	Reboot               remote.RebootSpec
}

// RunIfixCycle installs an interim fix on an AIX LPAR, evicting conflicting
// ifixes first. LPARs are not VMware guests; no VM resolution or snapshot
// is involved.
func (c *Controller) RunIfixCycle(ctx context.Context, host inventory.Host, opts IfixOptions) (*IfixOutcome, error) {
	out := &IfixOutcome{Host: host.Name, Artifact: opts.Artifact, Label: aix.LabelFromArtifact(opts.Artifact)}
	logger := log.With().Str("host", host.Name).Str("cycle", "ifix").Str("label", out.Label).Logger()

	if !host.IsAIX() {
		err := errors.New("ifix cycles apply to AIX hosts only")
		out.Steps.fail("platform", err)
		return out, gateErr(KindPrecondition, host.Name, "platform", err)
	}

	exec, err := c.cfg.Connect(host)
	if err != nil {
		out.Steps.fail("connect", err)
		return out, gateErr(KindPrecondition, host.Name, "connect", err)
	}
	defer exec.Close()

	// The errpt cutoff is interpreted in the host's local time, so the scan
	// window starts at the host's clock, not the controller's.
	windowStart, windowErr := aix.ClockStamp(ctx, exec)

	// staging-space
	size, err := c.cfg.Fetcher.ArtifactSize(ctx, opts.Artifact)
	if err != nil {
		out.Steps.fail("staging-space", err)
		return out, gateErr(KindSafetyGate, host.Name, "staging-space", err)
	}
	mounts, err := facts.Mounts(ctx, exec)
	if err != nil {
		out.Steps.fail("staging-space", err)
		return out, gateErr(KindSafetyGate, host.Name, "staging-space", err)
	}
	fs, ok := facts.FilesystemFor(mounts, opts.StagingDir)
	if !ok {
		err := fmt.Errorf("staging dir %s is not on any mounted filesystem", opts.StagingDir)
		out.Steps.fail("staging-space", err)
		return out, gateErr(KindSafetyGate, host.Name, "staging-space", err)
	}
	need := size * stagedHeadroom
	if fs.AvailableBytes <= need {
		err := fmt.Errorf("%w: %s has %d bytes free, need more than %d for %s",
			ErrInsufficientSpace, fs.Mountpoint, fs.AvailableBytes, need, opts.Artifact)
		out.Steps.fail("staging-space", err)
		return out, gateErr(KindSafetyGate, host.Name, "staging-space", err)
	}
	out.Steps.ok("staging-space", fmt.Sprintf("%d bytes free on %s", fs.AvailableBytes, fs.Mountpoint))

	// paging-space
	if opts.MaxPagingUsedPercent > 0 {
		ps, err := facts.Paging(ctx, exec)
		if err != nil {
			out.Steps.fail("paging-space", err)
			return out, gateErr(KindSafetyGate, host.Name, "paging-space", err)
		}
		if ps.UsedPercent > opts.MaxPagingUsedPercent {
			err := fmt.Errorf("%w: %d%% used, limit %d%%", ErrPagingPressure, ps.UsedPercent, opts.MaxPagingUsedPercent)
			out.Steps.fail("paging-space", err)
			return out, gateErr(KindSafetyGate, host.Name, "paging-space", err)
		}
		out.Steps.ok("paging-space", fmt.Sprintf("%d%% used", ps.UsedPercent))
	} else {
		out.Steps.skip("paging-space", "no limit configured")
	}

	// already-installed
	installed, err := aix.ListInstalled(ctx, exec)
	if err != nil {
		out.Steps.fail("already-installed", err)
		return out, gateErr(KindExecution, host.Name, "already-installed", err)
	}
	if aix.HasLabel(installed, out.Label) {
		out.Skipped = true
		out.Steps.skip("already-installed", fmt.Sprintf("label %s already installed", out.Label))
		logger.Info().Msg("Ifix already installed, skipping")
		return out, nil
	}
	out.Steps.ok("already-installed", "label not present")

	// fetch
	staged, err := c.cfg.Fetcher.Stage(ctx, exec, opts.Artifact, opts.StagingDir)
	if err != nil {
		out.Steps.fail("fetch", err)
		return out, gateErr(KindExecution, host.Name, "fetch", err)
	}
	out.Staged = staged
	out.Steps.ok("fetch", staged)

	// preview
	conflicts, err := aix.Preview(ctx, exec, staged)
	if err != nil {
		out.Steps.fail("preview", err)
		return out, gateErr(KindExecution, host.Name, "preview", err)
	}
	out.Conflicts = conflicts
	out.Steps.ok("preview", fmt.Sprintf("%d conflicting ifixes", len(conflicts)))

	// evict
	for _, label := range conflicts {
		rebootNeeded, err := aix.Remove(ctx, exec, label)
		if err != nil {
			out.Steps.fail("evict", err)
			return out, gateErr(KindExecution, host.Name, "evict", err)
		}
		out.Evicted = append(out.Evicted, label)
		if rebootNeeded {
			reason := fmt.Sprintf("removal of %s", label)
			if err := c.rebootOrFail(ctx, exec, host, opts, reason, out); err != nil {
				out.Steps.fail("evict", err)
				return out, gateErr(KindConvergence, host.Name, "evict", err)
			}
		}
	}
	out.Steps.ok("evict", fmt.Sprintf("%d ifixes removed", len(out.Evicted)))

	// install
	rebootNeeded, err := aix.Install(ctx, exec, staged)
	if err != nil {
		out.Steps.fail("install", err)
		return out, gateErr(KindExecution, host.Name, "install", err)
	}
	out.Installed = true
	if rebootNeeded {
		if err := c.rebootOrFail(ctx, exec, host, opts, fmt.Sprintf("installation of %s", out.Label), out); err != nil {
			out.Steps.fail("install", err)
			return out, gateErr(KindConvergence, host.Name, "install", err)
		}
	}
	out.Steps.ok("install", out.Label)

	// verify: only meaningful once a reboot has cycled the kernel.
	if out.Rebooted {
		installed, err := aix.ListInstalled(ctx, exec)
		if err != nil {
			out.Steps.fail("verify", err)
			return out, gateErr(KindExecution, host.Name, "verify", err)
		}
		if !aix.HasLabel(installed, out.Label) {
			err := fmt.Errorf("%w: %s", ErrIfixVerification, out.Label)
			out.Steps.fail("verify", err)
			return out, gateErr(KindConvergence, host.Name, "verify", err)
		}
		out.Steps.ok("verify", out.Label)
	} else {
		out.Steps.skip("verify", "no reboot occurred")
	}

	// errpt-scan: findings and scan failures are warnings, never fatal.
	if windowErr != nil {
		out.Warnings = append(out.Warnings, Warning{Step: "errpt-scan", Detail: windowErr.Error()})
		out.Steps.skip("errpt-scan", windowErr.Error())
	} else if entries, err := aix.ScanSince(ctx, exec, windowStart); err != nil {
		out.Warnings = append(out.Warnings, Warning{Step: "errpt-scan", Detail: err.Error()})
		out.Steps.skip("errpt-scan", err.Error())
	} else {
		for _, e := range entries {
			out.Warnings = append(out.Warnings, Warning{Step: "errpt-scan", Detail: e.String()})
		}
		out.Steps.ok("errpt-scan", fmt.Sprintf("%d new error report entries", len(entries)))
	}

	logger.Info().Bool("rebooted", out.Rebooted).Int("evicted", len(out.Evicted)).Msg("Ifix cycle complete")
	return out, nil
}

// resolveVM requires exactly one inventory record for the host's address.
func (c *Controller) resolveVM(host inventory.Host) (inventory.VMRecord, error) {
	matches := c.cfg.Resolver.Matches(host.Address)
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return inventory.VMRecord{}, fmt.Errorf("%w: no VM matches %s", ErrIdentityResolution, host.Address)
	default:
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, m.Name)
		}
		return inventory.VMRecord{}, fmt.Errorf("%w: %d VMs match %s: %s",
			ErrIdentityResolution, len(matches), host.Address, strings.Join(names, ", "))
	}
}

// checkDiskSpace applies the free-space gate to every configured mountpoint
// present on the host. Absent mountpoints are skipped.
func (c *Controller) checkDiskSpace(ctx context.Context, exec remote.Executor, mountpoints []string, minFree int64, trace *Trace) error {
	mounts, err := facts.Mounts(ctx, exec)
	if err != nil {
		trace.fail("disk-space", err)
		return err
	}

	checked := 0
	for _, mp := range mountpoints {
		m, ok := mounts[mp]
		if !ok {
			log.Debug().Str("mountpoint", mp).Msg("Mountpoint not present, skipping")
			continue
		}
		checked++
		if m.AvailableBytes <= minFree {
			err := fmt.Errorf("%w: %s has %d bytes free, need more than %d",
				ErrInsufficientSpace, mp, m.AvailableBytes, minFree)
			trace.fail("disk-space", err)
			return err
		}
	}

	trace.ok("disk-space", fmt.Sprintf("%d of %d mountpoints checked", checked, len(mountpoints)))
	return nil
}

// managedReboot reboots the host and waits for it to come back.
func (c *Controller) managedReboot(ctx context.Context, exec remote.Executor, host inventory.Host, spec remote.RebootSpec) error {
	command := rebootCommandLinux
	if host.IsAIX() {
		command = rebootCommandAIX
	}

	if err := exec.Reboot(ctx, command, spec); err != nil {
		if errors.Is(err, remote.ErrUnreachable) {
			return fmt.Errorf("%w: %v", ErrRebootTimeout, err)
		}
		return err
	}
	return nil
}

// rebootOrFail handles an emgr operation that demands a reboot: reboot when
// permitted, otherwise fail naming the operation that wants it.
func (c *Controller) rebootOrFail(ctx context.Context, exec remote.Executor, host inventory.Host, opts IfixOptions, reason string, out *IfixOutcome) error {
	if !opts.AutoReboot {
		return fmt.Errorf("%w: %s requires a reboot and auto-reboot is disabled", ErrManualRebootRequired, reason)
	}
	log.Info().Str("host", host.Name).Str("reason", reason).Msg("Rebooting for ifix operation")
	if err := c.managedReboot(ctx, exec, host, opts.Reboot); err != nil {
		return err
	}
	out.Rebooted = true
	return nil
}

func updateNames(updates []pkgmgr.Update) []string {
	if len(updates) == 0 {
		return nil
	}
	names := make([]string, 0, len(updates))
	for _, u := range updates {
		names = append(names, u.String())
	}
	return names
}

func snapshotNames(snaps []vsphere.Snapshot) []string {
	names := make([]string, 0, len(snaps))
	for _, s := range snaps {
		names = append(names, s.Name)
	}
	return names
}
