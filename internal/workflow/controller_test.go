package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rcourtman/ripcord/internal/inventory"
	"github.com/rcourtman/ripcord/internal/remote"
	"github.com/rcourtman/ripcord/pkg/vsphere"
)

const dfTwoGigFree = `Filesystem     1024-blocks     Used Available Capacity Mounted on
/dev/sda2         41152812 12000000   2097152      37% /
/dev/mapper/vg-var 10475520 2097152   2097152      50% /var
`

const dfLowVar = `Filesystem     1024-blocks     Used Available Capacity Mounted on
/dev/sda2         41152812 12000000   2097152      37% /
/dev/mapper/vg-var 10475520 9951232    524288      95% /var
`

const dfAIXStaging = `Filesystem    1024-blocks      Used Available Capacity Mounted on
/dev/hd4          2097152    642048   1455104      31% /
/dev/fslv00      20971520   1048576   1048576       5% /var/tmp/ripcord
`

const checkUpdateTwo = `
kernel.x86_64          4.18.0-553.16.1.el8_10   baseos
openssl-libs.x86_64    1:1.1.1k-12.el8_10       baseos
`

const emgrListOld = `ID  STATE LABEL      INSTALL TIME      UPDATED BY ABSTRACT
=== ===== ========== ================= ========== ======================================
1    S    IJ31234s1a 04/20/24 11:12:37            IFIX FOR CVE-2024-1086
`

const emgrListAfterInstall = `ID  STATE LABEL      INSTALL TIME      UPDATED BY ABSTRACT
=== ===== ========== ================= ========== ======================================
1    S    IJ45678s1a 08/25/26 14:41:02            OPENSSH SECURITY FIX
`

const previewOneConflict = `Processing efix label "IJ45678s1a".
0590-025 The target filesets are locked by efix(es): IJ31234s1a.
EPKG NUMBER  LABEL       OPERATION        RESULT
===========  ==========  ===============  =======
1            IJ45678s1a  INSTALL PREVIEW  FAILURE
`

const rebootAttention = "ATTENTION: system reboot is required.\n"

type scriptedExecutor struct {
	scripts    map[string][]remote.Result
	ran        []string
	rebootCmds []string
	rebootErr  error
	uploads    []string
	closed     bool
}

func (s *scriptedExecutor) Run(_ context.Context, command string) (remote.Result, error) {
	s.ran = append(s.ran, command)
	queue := s.scripts[command]
	if len(queue) == 0 {
		return remote.Result{Command: command, ExitCode: 127, Stderr: "not scripted: " + command}, nil
	}
	res := queue[0]
	if len(queue) > 1 {
		s.scripts[command] = queue[1:]
	}
	res.Command = command
	return res, nil
}

func (s *scriptedExecutor) Upload(_ context.Context, src io.Reader, remotePath string, _ os.FileMode) error {
	io.Copy(io.Discard, src)
	s.uploads = append(s.uploads, remotePath)
	return nil
}

func (s *scriptedExecutor) Reboot(_ context.Context, command string, _ remote.RebootSpec) error {
	s.rebootCmds = append(s.rebootCmds, command)
	return s.rebootErr
}

func (s *scriptedExecutor) Close() error {
	s.closed = true
	return nil
}

func (s *scriptedExecutor) ranMatching(prefix string) []string {
	var out []string
	for _, cmd := range s.ran {
		if strings.HasPrefix(cmd, prefix) {
			out = append(out, cmd)
		}
	}
	return out
}

type fakePlatform struct {
	snapshots []vsphere.Snapshot
	current   *vsphere.Snapshot
	listErr   error
	createErr error
	deleteErr error

	listCalls int
	created   []vsphere.CreateSnapshotSpec
	deleted   []string
}

func (f *fakePlatform) ListSnapshots(context.Context, string) ([]vsphere.Snapshot, error) {
	f.listCalls++
	return f.snapshots, f.listErr
}

func (f *fakePlatform) GetCurrentSnapshot(context.Context, string) (*vsphere.Snapshot, error) {
	return f.current, f.listErr
}

func (f *fakePlatform) CreateSnapshot(_ context.Context, _ string, spec vsphere.CreateSnapshotSpec) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, spec)
	return "snapshot-101", nil
}

func (f *fakePlatform) DeleteSnapshot(_ context.Context, _ string, snapshotID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, snapshotID)
	return nil
}

type fakeResolver struct {
	records map[string][]inventory.VMRecord
}

func (f *fakeResolver) Matches(address string) []inventory.VMRecord {
	return f.records[address]
}

type fakeFetcher struct {
	size       int64
	sizeErr    error
	stageErr   error
	stageCalls int
}

func (f *fakeFetcher) ArtifactSize(context.Context, string) (int64, error) {
	return f.size, f.sizeErr
}

func (f *fakeFetcher) Stage(_ context.Context, exec remote.Executor, artifact, stagingDir string) (string, error) {
	f.stageCalls++
	if f.stageErr != nil {
		return "", f.stageErr
	}
	return stagingDir + "/" + artifact, nil
}

func web01() inventory.Host {
	return inventory.Host{Name: "web01", Address: "web01.example.com", Platform: inventory.PlatformLinux}
}

func lpar01() inventory.Host {
	return inventory.Host{Name: "lpar01", Address: "10.20.0.40", Platform: inventory.PlatformAIX}
}

func web01Resolver() *fakeResolver {
	return &fakeResolver{records: map[string][]inventory.VMRecord{
		"web01.example.com": {{VMID: "vm-10", Name: "web01", Datacenter: "dc-main", HostName: "web01.example.com"}},
	}}
}

func testController(platform *fakePlatform, resolver *fakeResolver, exec *scriptedExecutor, fetcher *fakeFetcher) *Controller {
	return NewController(Config{
		Platform: platform,
		Resolver: resolver,
		Connect:  func(inventory.Host) (remote.Executor, error) { return exec, nil },
		Fetcher:  fetcher,
	})
}

func patchOpts(apply bool) PatchOptions {
	return PatchOptions{
		Apply:        apply,
		MinFreeBytes: 1 << 30,
		Mountpoints:  []string{"/", "/var", "/opt/app"},
		Services:     []string{"nginx", "chronyd"},
		Reboot:       remote.RebootSpec{Timeout: time.Minute},
	}
}

func linuxScripts() map[string][]remote.Result {
	return map[string][]remote.Result{
		"df -kP":                         {{Stdout: dfTwoGigFree}},
		"dnf -q --security check-update": {{ExitCode: 100, Stdout: checkUpdateTwo}},
		"dnf -y -q --security upgrade":   {{ExitCode: 0}},
		"needs-restarting -r":            {{ExitCode: 0}},
		"systemctl stop nginx":           {{ExitCode: 0}},
		"systemctl stop chronyd":         {{ExitCode: 0}},
		"systemctl start nginx":          {{ExitCode: 0}},
		"systemctl start chronyd":        {{ExitCode: 0}},
	}
}

func requireGate(t *testing.T, err error, kind Kind, sentinel error) *GateError {
	t.Helper()
	if err == nil {
		t.Fatal("expected a gate error")
	}
	var gerr *GateError
	if !errors.As(err, &gerr) {
		t.Fatalf("error %v is not a GateError", err)
	}
	if gerr.Kind != kind {
		t.Errorf("kind = %q, want %q", gerr.Kind, kind)
	}
	if sentinel != nil && !errors.Is(err, sentinel) {
		t.Errorf("error %v does not match sentinel %v", err, sentinel)
	}
	return gerr
}

func TestPatchCycleUnresolvableIdentity(t *testing.T) {
	platform := &fakePlatform{}
	exec := &scriptedExecutor{scripts: linuxScripts()}

	t.Run("no match", func(t *testing.T) {
		c := testController(platform, &fakeResolver{}, exec, nil)
		_, err := c.RunPatchCycle(context.Background(), web01(), patchOpts(true))
		gerr := requireGate(t, err, KindPrecondition, ErrIdentityResolution)
		if gerr.Step != "resolve" {
			t.Errorf("step = %q", gerr.Step)
		}
	})

	t.Run("ambiguous", func(t *testing.T) {
		resolver := &fakeResolver{records: map[string][]inventory.VMRecord{
			"web01.example.com": {
				{VMID: "vm-10", Name: "web01"},
				{VMID: "vm-11", Name: "web01-clone"},
			},
		}}
		c := testController(platform, resolver, exec, nil)
		out, err := c.RunPatchCycle(context.Background(), web01(), patchOpts(true))
		requireGate(t, err, KindPrecondition, ErrIdentityResolution)
		if !strings.Contains(err.Error(), "web01-clone") {
			t.Errorf("error does not name the colliding VMs: %v", err)
		}
		if out.VMID != "" {
			t.Errorf("outcome carries VMID %q after failed resolve", out.VMID)
		}
	})

	if platform.listCalls != 0 || len(platform.created) != 0 {
		t.Errorf("platform touched after failed resolve: %d lists, %d creates", platform.listCalls, len(platform.created))
	}
	if len(exec.ran) != 0 {
		t.Errorf("commands ran after failed resolve: %v", exec.ran)
	}
}

func TestPatchCycleRejectsAIXHost(t *testing.T) {
	c := testController(&fakePlatform{}, web01Resolver(), &scriptedExecutor{}, nil)
	_, err := c.RunPatchCycle(context.Background(), lpar01(), patchOpts(true))
	requireGate(t, err, KindPrecondition, nil)
}

func TestPatchCycleDiskSpaceGate(t *testing.T) {
	platform := &fakePlatform{}
	exec := &scriptedExecutor{scripts: linuxScripts()}
	exec.scripts["df -kP"] = []remote.Result{{Stdout: dfLowVar}}

	c := testController(platform, web01Resolver(), exec, nil)
	_, err := c.RunPatchCycle(context.Background(), web01(), patchOpts(true))

	gerr := requireGate(t, err, KindSafetyGate, ErrInsufficientSpace)
	if gerr.Step != "disk-space" {
		t.Errorf("step = %q", gerr.Step)
	}
	if !strings.Contains(err.Error(), "/var") {
		t.Errorf("error does not name the offending mountpoint: %v", err)
	}
	if platform.listCalls != 0 || len(platform.created) != 0 {
		t.Error("platform touched after tripped disk-space gate")
	}
	if got := exec.ranMatching("dnf"); len(got) != 0 {
		t.Errorf("package commands ran after tripped gate: %v", got)
	}
}

func TestPatchCycleSkipsAbsentMountpoints(t *testing.T) {
	// /opt/app is configured but not mounted; the gate must pass on the rest.
	exec := &scriptedExecutor{scripts: linuxScripts()}
	c := testController(&fakePlatform{}, web01Resolver(), exec, nil)

	out, err := c.RunPatchCycle(context.Background(), web01(), patchOpts(false))
	if err != nil {
		t.Fatalf("RunPatchCycle: %v", err)
	}
	for _, s := range out.Steps {
		if s.Name == "disk-space" && !strings.Contains(s.Detail, "2 of 3") {
			t.Errorf("disk-space detail = %q, want 2 of 3 mountpoints checked", s.Detail)
		}
	}
}

func TestPatchCycleCheckOnlyMutatesNothing(t *testing.T) {
	platform := &fakePlatform{
		snapshots: []vsphere.Snapshot{{ID: "snapshot-9", Name: "web01-manual"}},
	}
	exec := &scriptedExecutor{scripts: linuxScripts()}
	c := testController(platform, web01Resolver(), exec, nil)

	out, err := c.RunPatchCycle(context.Background(), web01(), patchOpts(false))
	if err != nil {
		t.Fatalf("RunPatchCycle: %v", err)
	}

	if !out.CheckOnly {
		t.Error("outcome not marked check-only")
	}
	if len(out.Updates) != 2 {
		t.Errorf("updates = %v, want 2 entries", out.Updates)
	}
	// A pre-existing snapshot must not even be looked at in check-only mode.
	if platform.listCalls != 0 || len(platform.created) != 0 || len(platform.deleted) != 0 {
		t.Error("platform touched during check-only run")
	}
	if got := exec.ranMatching("dnf -y"); len(got) != 0 {
		t.Errorf("upgrade ran during check-only: %v", got)
	}
	if got := exec.ranMatching("systemctl"); len(got) != 0 {
		t.Errorf("services touched during check-only: %v", got)
	}
	if len(exec.rebootCmds) != 0 {
		t.Errorf("reboot issued during check-only: %v", exec.rebootCmds)
	}

	// Running it again reports the same set and still mutates nothing.
	again, err := c.RunPatchCycle(context.Background(), web01(), patchOpts(false))
	if err != nil {
		t.Fatalf("second RunPatchCycle: %v", err)
	}
	if len(again.Updates) != len(out.Updates) {
		t.Fatalf("second run updates = %v, first run %v", again.Updates, out.Updates)
	}
	for i := range again.Updates {
		if again.Updates[i] != out.Updates[i] {
			t.Errorf("update %d = %q, first run %q", i, again.Updates[i], out.Updates[i])
		}
	}
	if platform.listCalls != 0 || len(platform.created) != 0 {
		t.Error("platform touched on the repeat check-only run")
	}
}

func TestPatchCycleDefaultsToCheckOnly(t *testing.T) {
	platform := &fakePlatform{}
	exec := &scriptedExecutor{scripts: linuxScripts()}
	c := testController(platform, web01Resolver(), exec, nil)

	// A zero-valued PatchOptions must preview, never mutate.
	out, err := c.RunPatchCycle(context.Background(), web01(), PatchOptions{})
	if err != nil {
		t.Fatalf("RunPatchCycle: %v", err)
	}
	if !out.CheckOnly {
		t.Error("zero-valued options armed a mutating run")
	}
	if got := exec.ranMatching("dnf -y"); len(got) != 0 {
		t.Errorf("upgrade ran with zero-valued options: %v", got)
	}
	if platform.listCalls != 0 || len(platform.created) != 0 {
		t.Error("platform touched with zero-valued options")
	}
}

func TestPatchCycleUnexpectedSnapshotGate(t *testing.T) {
	platform := &fakePlatform{
		snapshots: []vsphere.Snapshot{{ID: "snapshot-9", Name: "web01-manual"}},
	}
	exec := &scriptedExecutor{scripts: linuxScripts()}
	c := testController(platform, web01Resolver(), exec, nil)

	_, err := c.RunPatchCycle(context.Background(), web01(), patchOpts(true))

	gerr := requireGate(t, err, KindSafetyGate, ErrUnexpectedSnapshot)
	if gerr.Step != "snapshot-guard" {
		t.Errorf("step = %q", gerr.Step)
	}
	if !strings.Contains(err.Error(), "web01-manual") {
		t.Errorf("error does not name the snapshot: %v", err)
	}
	if got := exec.ranMatching("systemctl stop"); len(got) != 0 {
		t.Errorf("services drained despite snapshot guard: %v", got)
	}
	if len(platform.created) != 0 {
		t.Error("snapshot created despite guard")
	}
}

func TestPatchCycleEndToEndNoReboot(t *testing.T) {
	platform := &fakePlatform{}
	exec := &scriptedExecutor{scripts: linuxScripts()}
	c := testController(platform, web01Resolver(), exec, nil)

	out, err := c.RunPatchCycle(context.Background(), web01(), patchOpts(true))
	if err != nil {
		t.Fatalf("RunPatchCycle: %v", err)
	}

	if len(platform.created) != 1 {
		t.Fatalf("created %d snapshots, want 1", len(platform.created))
	}
	spec := platform.created[0]
	if spec.Name != "web01-prepatch" {
		t.Errorf("snapshot name = %q", spec.Name)
	}
	if !spec.Quiesce || spec.Memory {
		t.Errorf("snapshot spec = %+v, want quiesced without memory", spec)
	}
	if out.Snapshot != "web01-prepatch" || out.SnapshotID != "snapshot-101" {
		t.Errorf("outcome snapshot = %q/%q", out.Snapshot, out.SnapshotID)
	}

	stops := exec.ranMatching("systemctl stop")
	if len(stops) != 2 || stops[0] != "systemctl stop nginx" || stops[1] != "systemctl stop chronyd" {
		t.Errorf("stops = %v", stops)
	}

	// Drain must come before the upgrade.
	if idx(exec.ran, "systemctl stop nginx") > idx(exec.ran, "dnf -y -q --security upgrade") {
		t.Error("drain ran after the upgrade")
	}

	if out.Rebooted {
		t.Error("rebooted with probe reporting no reboot needed")
	}
	if len(exec.rebootCmds) != 0 {
		t.Errorf("reboot issued: %v", exec.rebootCmds)
	}
	starts := exec.ranMatching("systemctl start")
	if len(starts) != 2 {
		t.Errorf("starts = %v", starts)
	}
	if len(out.Updates) != 2 {
		t.Errorf("updates = %v", out.Updates)
	}
}

func TestPatchCycleEndToEndWithReboot(t *testing.T) {
	platform := &fakePlatform{}
	exec := &scriptedExecutor{scripts: linuxScripts()}
	exec.scripts["needs-restarting -r"] = []remote.Result{{ExitCode: 1}}
	c := testController(platform, web01Resolver(), exec, nil)

	out, err := c.RunPatchCycle(context.Background(), web01(), patchOpts(true))
	if err != nil {
		t.Fatalf("RunPatchCycle: %v", err)
	}

	if !out.Rebooted {
		t.Error("outcome not marked rebooted")
	}
	if len(exec.rebootCmds) != 1 || exec.rebootCmds[0] != "shutdown -r now" {
		t.Errorf("reboot commands = %v", exec.rebootCmds)
	}
	// A rebooted host never gets explicit service restarts.
	if got := exec.ranMatching("systemctl start"); len(got) != 0 {
		t.Errorf("services restarted after reboot: %v", got)
	}
}

func TestPatchCycleRebootTimeout(t *testing.T) {
	exec := &scriptedExecutor{scripts: linuxScripts()}
	exec.scripts["needs-restarting -r"] = []remote.Result{{ExitCode: 1}}
	exec.rebootErr = fmt.Errorf("%w: web01 did not answer within 1m0s", remote.ErrUnreachable)
	c := testController(&fakePlatform{}, web01Resolver(), exec, nil)

	_, err := c.RunPatchCycle(context.Background(), web01(), patchOpts(true))

	gerr := requireGate(t, err, KindConvergence, ErrRebootTimeout)
	if gerr.Step != "converge" {
		t.Errorf("step = %q", gerr.Step)
	}
}

func TestPatchCycleDrainFailuresAreWarnings(t *testing.T) {
	exec := &scriptedExecutor{scripts: linuxScripts()}
	exec.scripts["systemctl stop chronyd"] = []remote.Result{{ExitCode: 5, Stderr: "Unit not loaded."}}
	c := testController(&fakePlatform{}, web01Resolver(), exec, nil)

	out, err := c.RunPatchCycle(context.Background(), web01(), patchOpts(true))
	if err != nil {
		t.Fatalf("RunPatchCycle: %v", err)
	}
	if len(out.Warnings) != 1 || out.Warnings[0].Step != "drain" {
		t.Errorf("warnings = %v", out.Warnings)
	}
	if !strings.Contains(out.Warnings[0].Detail, "chronyd") {
		t.Errorf("warning does not name the service: %v", out.Warnings[0])
	}
}

func TestCleanupCycleDeletesVerifiedSnapshot(t *testing.T) {
	platform := &fakePlatform{
		current: &vsphere.Snapshot{ID: "snapshot-101", Name: "web01-prepatch"},
	}
	c := testController(platform, web01Resolver(), &scriptedExecutor{}, nil)

	out, err := c.RunSnapshotCleanupCycle(context.Background(), web01())
	if err != nil {
		t.Fatalf("RunSnapshotCleanupCycle: %v", err)
	}
	if !out.Deleted || out.Snapshot != "web01-prepatch" {
		t.Errorf("outcome = %+v", out)
	}
	if len(platform.deleted) != 1 || platform.deleted[0] != "snapshot-101" {
		t.Errorf("deleted = %v", platform.deleted)
	}
}

func TestCleanupCycleNameMismatch(t *testing.T) {
	tests := []struct {
		name    string
		current *vsphere.Snapshot
	}{
		{"foreign snapshot", &vsphere.Snapshot{ID: "snapshot-7", Name: "web01-manual"}},
		{"no snapshot", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			platform := &fakePlatform{current: tt.current}
			c := testController(platform, web01Resolver(), &scriptedExecutor{}, nil)

			_, err := c.RunSnapshotCleanupCycle(context.Background(), web01())

			gerr := requireGate(t, err, KindSafetyGate, ErrSnapshotStateMismatch)
			if gerr.Step != "verify" {
				t.Errorf("step = %q", gerr.Step)
			}
			if len(platform.deleted) != 0 {
				t.Errorf("deleted %v despite mismatch", platform.deleted)
			}
		})
	}
}

func TestCleanupCycleDeletionFailure(t *testing.T) {
	platform := &fakePlatform{
		current:   &vsphere.Snapshot{ID: "snapshot-101", Name: "web01-prepatch"},
		deleteErr: errors.New("platform unavailable"),
	}
	c := testController(platform, web01Resolver(), &scriptedExecutor{}, nil)

	_, err := c.RunSnapshotCleanupCycle(context.Background(), web01())
	requireGate(t, err, KindSafetyGate, ErrSnapshotDeletion)
}

func aixScripts() map[string][]remote.Result {
	return map[string][]remote.Result{
		"date +%m%d%H%M%y":  {{Stdout: "0825143026\n"}},
		"df -kP":            {{Stdout: dfAIXStaging}},
		"/usr/sbin/lsps -s": {{Stdout: "Total Paging Space   Percent Used\n      4096MB               12%\n"}},
		"emgr -l":           {{Stdout: emgrListOld}},
		"emgr -p -e /var/tmp/ripcord/IJ45678s1a.epkg.Z": {{ExitCode: 1, Stdout: previewOneConflict}},
		"emgr -r -L IJ31234s1a":                         {{ExitCode: 0, Stdout: "REMOVE SUCCESS"}},
		"emgr -e /var/tmp/ripcord/IJ45678s1a.epkg.Z":    {{ExitCode: 0, Stdout: "INSTALL SUCCESS"}},
		"errpt -s 0825143026":                           {{ExitCode: 0}},
	}
}

func ifixOpts(autoReboot bool) IfixOptions {
	return IfixOptions{
		Artifact:             "IJ45678s1a.epkg.Z",
		StagingDir:           "/var/tmp/ripcord",
		AutoReboot:           autoReboot,
		MaxPagingUsedPercent: 80,
		Reboot:               remote.RebootSpec{Timeout: time.Minute},
	}
}

func TestIfixCycleRejectsLinuxHost(t *testing.T) {
	c := testController(&fakePlatform{}, web01Resolver(), &scriptedExecutor{}, &fakeFetcher{size: 1000})
	_, err := c.RunIfixCycle(context.Background(), web01(), ifixOpts(true))
	requireGate(t, err, KindPrecondition, nil)
}

func TestIfixCycleAlreadyInstalledSkips(t *testing.T) {
	exec := &scriptedExecutor{scripts: aixScripts()}
	exec.scripts["emgr -l"] = []remote.Result{{Stdout: emgrListAfterInstall}}
	fetcher := &fakeFetcher{size: 1000}
	c := testController(&fakePlatform{}, &fakeResolver{}, exec, fetcher)

	out, err := c.RunIfixCycle(context.Background(), lpar01(), IfixOptions{
		Artifact:   "IJ45678s1a.epkg.Z",
		StagingDir: "/var/tmp/ripcord",
	})
	if err != nil {
		t.Fatalf("RunIfixCycle: %v", err)
	}
	if !out.Skipped {
		t.Error("outcome not marked skipped")
	}
	if fetcher.stageCalls != 0 {
		t.Error("artifact staged despite installed label")
	}
	if got := exec.ranMatching("emgr -r"); len(got) != 0 {
		t.Errorf("removals ran despite skip: %v", got)
	}
	if got := exec.ranMatching("emgr -e"); len(got) != 0 {
		t.Errorf("install ran despite skip: %v", got)
	}
	if len(exec.rebootCmds) != 0 {
		t.Errorf("reboot issued despite skip: %v", exec.rebootCmds)
	}
}

func TestIfixCycleEndToEndNoReboot(t *testing.T) {
	exec := &scriptedExecutor{scripts: aixScripts()}
	fetcher := &fakeFetcher{size: 1000}
	c := testController(&fakePlatform{}, &fakeResolver{}, exec, fetcher)

	out, err := c.RunIfixCycle(context.Background(), lpar01(), ifixOpts(false))
	if err != nil {
		t.Fatalf("RunIfixCycle: %v", err)
	}

	if out.Label != "IJ45678s1a" {
		t.Errorf("label = %q", out.Label)
	}
	if len(out.Conflicts) != 1 || out.Conflicts[0] != "IJ31234s1a" {
		t.Errorf("conflicts = %v", out.Conflicts)
	}
	if len(out.Evicted) != 1 {
		t.Errorf("evicted = %v", out.Evicted)
	}
	if !out.Installed || out.Rebooted || out.Skipped {
		t.Errorf("outcome flags = %+v", out)
	}
	if fetcher.stageCalls != 1 {
		t.Errorf("stage calls = %d", fetcher.stageCalls)
	}

	// verify is skipped when no reboot occurred
	for _, s := range out.Steps {
		if s.Name == "verify" && s.Status != StepSkipped {
			t.Errorf("verify status = %q, want skipped", s.Status)
		}
	}
}

func TestIfixCycleAutoRebootAndVerify(t *testing.T) {
	exec := &scriptedExecutor{scripts: aixScripts()}
	exec.scripts["emgr -e /var/tmp/ripcord/IJ45678s1a.epkg.Z"] = []remote.Result{
		{ExitCode: 0, Stdout: "INSTALL SUCCESS\n" + rebootAttention},
	}
	exec.scripts["emgr -l"] = []remote.Result{
		{Stdout: emgrListOld},          // already-installed check
		{Stdout: emgrListAfterInstall}, // post-reboot verify
	}
	c := testController(&fakePlatform{}, &fakeResolver{}, exec, &fakeFetcher{size: 1000})

	out, err := c.RunIfixCycle(context.Background(), lpar01(), ifixOpts(true))
	if err != nil {
		t.Fatalf("RunIfixCycle: %v", err)
	}

	if !out.Rebooted {
		t.Error("outcome not marked rebooted")
	}
	if len(exec.rebootCmds) != 1 || exec.rebootCmds[0] != "shutdown -Fr" {
		t.Errorf("reboot commands = %v", exec.rebootCmds)
	}
	if got := exec.ranMatching("emgr -l"); len(got) != 2 {
		t.Errorf("emgr -l ran %d times, want 2 (skip check + verify)", len(got))
	}
}

func TestIfixCycleVerificationFailure(t *testing.T) {
	exec := &scriptedExecutor{scripts: aixScripts()}
	exec.scripts["emgr -e /var/tmp/ripcord/IJ45678s1a.epkg.Z"] = []remote.Result{
		{ExitCode: 0, Stdout: "INSTALL SUCCESS\n" + rebootAttention},
	}
	exec.scripts["emgr -l"] = []remote.Result{
		{Stdout: emgrListOld},
		{Stdout: emgrListOld}, // label still missing after reboot
	}
	c := testController(&fakePlatform{}, &fakeResolver{}, exec, &fakeFetcher{size: 1000})

	_, err := c.RunIfixCycle(context.Background(), lpar01(), ifixOpts(true))

	gerr := requireGate(t, err, KindConvergence, ErrIfixVerification)
	if gerr.Step != "verify" {
		t.Errorf("step = %q", gerr.Step)
	}
}

func TestIfixCycleManualRebootRequired(t *testing.T) {
	exec := &scriptedExecutor{scripts: aixScripts()}
	exec.scripts["emgr -r -L IJ31234s1a"] = []remote.Result{
		{ExitCode: 0, Stdout: "REMOVE SUCCESS\n" + rebootAttention},
	}
	c := testController(&fakePlatform{}, &fakeResolver{}, exec, &fakeFetcher{size: 1000})

	_, err := c.RunIfixCycle(context.Background(), lpar01(), ifixOpts(false))

	gerr := requireGate(t, err, KindConvergence, ErrManualRebootRequired)
	if gerr.Step != "evict" {
		t.Errorf("step = %q", gerr.Step)
	}
	if !strings.Contains(err.Error(), "IJ31234s1a") {
		t.Errorf("error does not name the operation: %v", err)
	}
	if len(exec.rebootCmds) != 0 {
		t.Errorf("reboot issued despite AutoReboot=false: %v", exec.rebootCmds)
	}
	if got := exec.ranMatching("emgr -e"); len(got) != 0 {
		t.Errorf("install proceeded past failed evict: %v", got)
	}
}

func TestIfixCycleStagingSpaceGate(t *testing.T) {
	exec := &scriptedExecutor{scripts: aixScripts()}
	// 1 GiB free; a 600 MiB artifact needs double that.
	c := testController(&fakePlatform{}, &fakeResolver{}, exec, &fakeFetcher{size: 600 << 20})

	_, err := c.RunIfixCycle(context.Background(), lpar01(), ifixOpts(true))

	gerr := requireGate(t, err, KindSafetyGate, ErrInsufficientSpace)
	if gerr.Step != "staging-space" {
		t.Errorf("step = %q", gerr.Step)
	}
	if got := exec.ranMatching("emgr"); len(got) != 0 {
		t.Errorf("emgr ran despite tripped staging gate: %v", got)
	}
}

func TestIfixCyclePagingGate(t *testing.T) {
	exec := &scriptedExecutor{scripts: aixScripts()}
	exec.scripts["/usr/sbin/lsps -s"] = []remote.Result{
		{Stdout: "Total Paging Space   Percent Used\n      4096MB               91%\n"},
	}
	c := testController(&fakePlatform{}, &fakeResolver{}, exec, &fakeFetcher{size: 1000})

	_, err := c.RunIfixCycle(context.Background(), lpar01(), ifixOpts(true))
	requireGate(t, err, KindSafetyGate, ErrPagingPressure)
}

func TestIfixCycleErrptFindingsBecomeWarnings(t *testing.T) {
	exec := &scriptedExecutor{scripts: aixScripts()}
	exec.scripts["errpt -s 0825143026"] = []remote.Result{{Stdout: "IDENTIFIER TIMESTAMP  T C RESOURCE_NAME  DESCRIPTION\nA63BEB70   0825143526 P S SYSPROC        SOFTWARE PROGRAM ABNORMALLY TERMINATED\n"}}
	c := testController(&fakePlatform{}, &fakeResolver{}, exec, &fakeFetcher{size: 1000})

	out, err := c.RunIfixCycle(context.Background(), lpar01(), ifixOpts(false))
	if err != nil {
		t.Fatalf("RunIfixCycle: %v", err)
	}
	if len(out.Warnings) != 1 || out.Warnings[0].Step != "errpt-scan" {
		t.Errorf("warnings = %v", out.Warnings)
	}
	if !strings.Contains(out.Warnings[0].Detail, "A63BEB70") {
		t.Errorf("warning detail = %q", out.Warnings[0].Detail)
	}
}

func TestIfixCycleScanWindowFromHostClock(t *testing.T) {
	// The errpt cutoff must be the stamp the host's own date reported, not
	// anything derived from the controller's clock.
	exec := &scriptedExecutor{scripts: aixScripts()}
	c := testController(&fakePlatform{}, &fakeResolver{}, exec, &fakeFetcher{size: 1000})

	if _, err := c.RunIfixCycle(context.Background(), lpar01(), ifixOpts(false)); err != nil {
		t.Fatalf("RunIfixCycle: %v", err)
	}
	scans := exec.ranMatching("errpt")
	if len(scans) != 1 || scans[0] != "errpt -s 0825143026" {
		t.Errorf("errpt commands = %v, want the host-reported cutoff", scans)
	}
	if got := exec.ranMatching("date"); len(got) != 1 {
		t.Errorf("date ran %d times, want 1", len(got))
	}
}

func TestIfixCycleClockReadFailureSkipsScan(t *testing.T) {
	exec := &scriptedExecutor{scripts: aixScripts()}
	exec.scripts["date +%m%d%H%M%y"] = []remote.Result{{ExitCode: 1, Stderr: "date: bad format"}}
	c := testController(&fakePlatform{}, &fakeResolver{}, exec, &fakeFetcher{size: 1000})

	out, err := c.RunIfixCycle(context.Background(), lpar01(), ifixOpts(false))
	if err != nil {
		t.Fatalf("RunIfixCycle: %v", err)
	}
	if got := exec.ranMatching("errpt"); len(got) != 0 {
		t.Errorf("errpt ran without a host clock stamp: %v", got)
	}
	if len(out.Warnings) != 1 || out.Warnings[0].Step != "errpt-scan" {
		t.Errorf("warnings = %v", out.Warnings)
	}
}

func idx(haystack []string, needle string) int {
	for i, s := range haystack {
		if s == needle {
			return i
		}
	}
	return -1
}
