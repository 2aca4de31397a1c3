package pkgmgr

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/rcourtman/ripcord/internal/remote"
)

const checkUpdateOutput = `
kernel.x86_64                    4.18.0-553.16.1.el8_10        baseos
openssl-libs.x86_64              1:1.1.1k-12.el8_10            baseos
python3-libs.x86_64              3.6.8-62.el8_10.security      appstream
Obsoleting Packages
grub2-tools.x86_64               1:2.02-156.el8                baseos
    grub2-tools.x86_64           1:2.02-123.el8                @baseos
`

type fakeExecutor struct {
	results map[string]remote.Result
	err     error
	ran     []string
}

func (f *fakeExecutor) Run(_ context.Context, command string) (remote.Result, error) {
	f.ran = append(f.ran, command)
	if f.err != nil {
		return remote.Result{}, f.err
	}
	res := f.results[command]
	res.Command = command
	return res, nil
}

func (f *fakeExecutor) Upload(context.Context, io.Reader, string, os.FileMode) error { return nil }

func (f *fakeExecutor) Reboot(context.Context, string, remote.RebootSpec) error { return nil }

func (f *fakeExecutor) Close() error { return nil }

func TestPreviewSecurityUpdates(t *testing.T) {
	exec := &fakeExecutor{results: map[string]remote.Result{
		previewCommand: {ExitCode: exitUpdatesAvailable, Stdout: checkUpdateOutput},
	}}

	updates, err := PreviewSecurityUpdates(context.Background(), exec)
	if err != nil {
		t.Fatalf("PreviewSecurityUpdates: %v", err)
	}
	if len(updates) != 3 {
		t.Fatalf("got %d updates, want 3: %v", len(updates), updates)
	}
	if updates[0].Package != "kernel.x86_64" {
		t.Errorf("first update = %q", updates[0].Package)
	}
	if updates[2].Repo != "appstream" {
		t.Errorf("third repo = %q", updates[2].Repo)
	}
	for _, u := range updates {
		if u.Package == "grub2-tools.x86_64" {
			t.Error("obsoleting entry leaked into the upgrade set")
		}
	}
}

func TestPreviewSecurityUpdatesCurrent(t *testing.T) {
	exec := &fakeExecutor{results: map[string]remote.Result{
		previewCommand: {ExitCode: 0},
	}}

	updates, err := PreviewSecurityUpdates(context.Background(), exec)
	if err != nil {
		t.Fatalf("PreviewSecurityUpdates: %v", err)
	}
	if len(updates) != 0 {
		t.Errorf("got %d updates, want none", len(updates))
	}
}

func TestPreviewSecurityUpdatesFailure(t *testing.T) {
	exec := &fakeExecutor{results: map[string]remote.Result{
		previewCommand: {ExitCode: 1, Stderr: "Error: Failed to synchronize cache"},
	}}
	if _, err := PreviewSecurityUpdates(context.Background(), exec); err == nil {
		t.Error("expected error for exit 1")
	}

	exec = &fakeExecutor{err: errors.New("connection reset")}
	if _, err := PreviewSecurityUpdates(context.Background(), exec); err == nil {
		t.Error("expected error for transport failure")
	}
}

func TestApplySecurityUpdates(t *testing.T) {
	exec := &fakeExecutor{results: map[string]remote.Result{
		applyCommand: {ExitCode: 0},
	}}
	if err := ApplySecurityUpdates(context.Background(), exec); err != nil {
		t.Fatalf("ApplySecurityUpdates: %v", err)
	}

	exec = &fakeExecutor{results: map[string]remote.Result{
		applyCommand: {ExitCode: 1, Stderr: "Error: Transaction failed"},
	}}
	if err := ApplySecurityUpdates(context.Background(), exec); err == nil {
		t.Error("expected error for failed transaction")
	}
}

func TestRebootRequired(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		want     bool
		wantErr  bool
	}{
		{"not required", 0, false, false},
		{"required", exitRebootRequired, true, false},
		{"probe broken", 2, false, true},
		{"probe missing", 127, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{results: map[string]remote.Result{
				probeCommand: {ExitCode: tt.exitCode},
			}}
			got, err := RebootRequired(context.Background(), exec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("RebootRequired = %v, want %v", got, tt.want)
			}
		})
	}
}
