package aix

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/ripcord/internal/remote"
)

// errpt's -s flag takes mmddhhmmyy, interpreted in the host's local time.
const errptTimeFormat = "0102150406"

// hostClockCommand renders the host's clock in errpt's cutoff format.
const hostClockCommand = "date +%m%d%H%M%y"

// Entry is one error-report record from errpt's summary listing.
type Entry struct {
	Identifier  string
	Timestamp   string
	Type        string
	Class       string
	Resource    string
	Description string
}

func (e Entry) String() string {
	return fmt.Sprintf("errpt %s %s %s/%s %s: %s",
		e.Identifier, e.Timestamp, e.Type, e.Class, e.Resource, e.Description)
}

// ClockStamp reads the host's clock as an errpt cutoff. The cutoff must come
// from the host: errpt interprets it in the host's local time, and the
// controller may run in a different timezone.
func ClockStamp(ctx context.Context, exec remote.Executor) (string, error) {
	res, err := exec.Run(ctx, hostClockCommand)
	if err != nil {
		return "", fmt.Errorf("read host clock: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("date exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	stamp := strings.TrimSpace(res.Stdout)
	if _, err := time.Parse(errptTimeFormat, stamp); err != nil {
		return "", fmt.Errorf("unexpected date output %q", stamp)
	}
	return stamp, nil
}

// ScanSince returns error-report entries recorded at or after the cutoff
// stamp, as read by ClockStamp. An empty report is normal after a healthy
// cycle.
func ScanSince(ctx context.Context, exec remote.Executor, stamp string) ([]Entry, error) {
	command := fmt.Sprintf("errpt -s %s", stamp)

	res, err := exec.Run(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("run errpt: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("errpt exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return parseErrpt(res.Stdout), nil
}

// parseErrpt reads errpt's default columnar summary:
//
//	IDENTIFIER TIMESTAMP  T C RESOURCE_NAME  DESCRIPTION
//	A63BEB70   0825143026 P S SYSPROC        SOFTWARE PROGRAM ABNORMALLY TERMINATED
func parseErrpt(out string) []Entry {
	var entries []Entry

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "IDENTIFIER") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		entries = append(entries, Entry{
			Identifier:  fields[0],
			Timestamp:   fields[1],
			Type:        fields[2],
			Class:       fields[3],
			Resource:    fields[4],
			Description: strings.Join(fields[5:], " "),
		})
	}

	return entries
}
