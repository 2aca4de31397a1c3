package aix

import (
	"context"
	"testing"

	"github.com/rcourtman/ripcord/internal/remote"
)

const errptOutput = `IDENTIFIER TIMESTAMP  T C RESOURCE_NAME  DESCRIPTION
A63BEB70   0825143026 P S SYSPROC        SOFTWARE PROGRAM ABNORMALLY TERMINATED
2BFA76F6   0825143515 T S SYSPROC        SYSTEM SHUTDOWN BY USER
9DBCFDEE   0825144102 T O errdemon       ERROR LOGGING TURNED ON
`

func TestParseErrpt(t *testing.T) {
	entries := parseErrpt(errptOutput)
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	first := entries[0]
	if first.Identifier != "A63BEB70" {
		t.Errorf("identifier = %q", first.Identifier)
	}
	if first.Type != "P" || first.Class != "S" {
		t.Errorf("type/class = %q/%q", first.Type, first.Class)
	}
	if first.Description != "SOFTWARE PROGRAM ABNORMALLY TERMINATED" {
		t.Errorf("description = %q", first.Description)
	}

	if got := parseErrpt(""); len(got) != 0 {
		t.Errorf("empty report produced %v", got)
	}
}

func TestClockStamp(t *testing.T) {
	t.Run("host clock", func(t *testing.T) {
		exec := &fakeExecutor{results: map[string]remote.Result{
			"date +%m%d%H%M%y": {Stdout: "0825143026\n"},
		}}
		stamp, err := ClockStamp(context.Background(), exec)
		if err != nil {
			t.Fatalf("ClockStamp: %v", err)
		}
		if stamp != "0825143026" {
			t.Errorf("stamp = %q", stamp)
		}
	})

	t.Run("garbage output", func(t *testing.T) {
		exec := &fakeExecutor{results: map[string]remote.Result{
			"date +%m%d%H%M%y": {Stdout: "Mon Aug 25 14:30:26 CDT 2026\n"},
		}}
		if _, err := ClockStamp(context.Background(), exec); err == nil {
			t.Fatal("expected error for unparseable date output")
		}
	})

	t.Run("command failure", func(t *testing.T) {
		exec := &fakeExecutor{results: map[string]remote.Result{
			"date +%m%d%H%M%y": {ExitCode: 1, Stderr: "date: bad format"},
		}}
		if _, err := ClockStamp(context.Background(), exec); err == nil {
			t.Fatal("expected error for failed date command")
		}
	})
}

func TestScanSinceCommand(t *testing.T) {
	exec := &fakeExecutor{results: map[string]remote.Result{
		"errpt -s 0825143026": {Stdout: errptOutput},
	}}

	entries, err := ScanSince(context.Background(), exec, "0825143026")
	if err != nil {
		t.Fatalf("ScanSince: %v", err)
	}
	if len(exec.ran) != 1 || exec.ran[0] != "errpt -s 0825143026" {
		t.Fatalf("ran %v, want errpt -s 0825143026", exec.ran)
	}
	if len(entries) != 3 {
		t.Errorf("got %d entries", len(entries))
	}
}
