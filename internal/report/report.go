// Package report aggregates host outcomes into a ULID-identified run
// record: a console table for the operator, a JSONL history line for audit,
// and optionally a Pushgateway push. Reporting artifact only; no later run
// reads it back.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/ripcord/internal/batch"
	"github.com/rcourtman/ripcord/internal/workflow"
)

// Host result statuses.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// HostResult is one host's line in the run report.
type HostResult struct {
	Host     string `json:"host"`
	Status   string `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Error    string `json:"error,omitempty"`
	Warnings int    `json:"warnings,omitempty"`
	Outcome  any    `json:"outcome,omitempty"`
}

// Run aggregates every host outcome of one invocation.
type Run struct {
	ID         string       `json:"run_id"`
	Cycle      string       `json:"cycle"`
	CheckOnly  bool         `json:"check_only,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Hosts      []HostResult `json:"hosts"`
	Failed     int          `json:"failed"`
}

// NewRun starts a run record for the given cycle.
func NewRun(cycle string) *Run {
	return &Run{
		ID:        ulid.Make().String(),
		Cycle:     cycle,
		StartedAt: time.Now().UTC(),
	}
}

// Add records one host result.
func (r *Run) Add(res HostResult) {
	r.Hosts = append(r.Hosts, res)
	if res.Status == StatusFailed {
		r.Failed++
	}
}

// Finish stamps the end time.
func (r *Run) Finish() {
	r.FinishedAt = time.Now().UTC()
}

// Duration is the wall-clock span of the run.
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// FromPatch maps a patch cycle result onto a report line.
func FromPatch(res batch.Result[*workflow.PatchOutcome]) HostResult {
	hr := HostResult{Host: res.Host.Name, Status: StatusOK, Outcome: res.Outcome}
	out := res.Outcome
	if out != nil {
		hr.Warnings = len(out.Warnings)
		if out.CheckOnly {
			hr.Detail = fmt.Sprintf("%d updates pending", len(out.Updates))
		} else {
			hr.Detail = fmt.Sprintf("%d updates applied, rebooted=%t", len(out.Updates), out.Rebooted)
		}
	}
	if res.Err != nil {
		hr.Status = StatusFailed
		hr.Error = res.Err.Error()
		hr.Detail = ""
	}
	return hr
}

// FromCleanup maps a cleanup cycle result onto a report line.
func FromCleanup(res batch.Result[*workflow.CleanupOutcome]) HostResult {
	hr := HostResult{Host: res.Host.Name, Status: StatusOK, Outcome: res.Outcome}
	if out := res.Outcome; out != nil && out.Deleted {
		hr.Detail = "deleted " + out.Snapshot
	}
	if res.Err != nil {
		hr.Status = StatusFailed
		hr.Error = res.Err.Error()
		hr.Detail = ""
	}
	return hr
}

// FromIfix maps an ifix cycle result onto a report line.
func FromIfix(res batch.Result[*workflow.IfixOutcome]) HostResult {
	hr := HostResult{Host: res.Host.Name, Status: StatusOK, Outcome: res.Outcome}
	out := res.Outcome
	if out != nil {
		hr.Warnings = len(out.Warnings)
		switch {
		case out.Skipped:
			hr.Status = StatusSkipped
			hr.Detail = fmt.Sprintf("%s already installed", out.Label)
		case out.Installed:
			hr.Detail = fmt.Sprintf("installed %s, evicted %d, rebooted=%t", out.Label, len(out.Evicted), out.Rebooted)
		}
	}
	if res.Err != nil {
		hr.Status = StatusFailed
		hr.Error = res.Err.Error()
		hr.Detail = ""
	}
	return hr
}

// AppendHistory appends the run as one JSONL line, creating the file and
// its directory as needed.
func AppendHistory(path string, run *Run) error {
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create history directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append run: %w", err)
	}

	log.Debug().Str("runId", run.ID).Str("path", path).Msg("Run appended to history")
	return nil
}

// WriteTable renders the per-host table and a summary line.
func WriteTable(w io.Writer, run *Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tSTATUS\tWARN\tDETAIL")
	for _, h := range run.Hosts {
		detail := h.Detail
		if h.Error != "" {
			detail = h.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", h.Host, strings.ToUpper(h.Status), h.Warnings, detail)
	}
	tw.Flush()

	fmt.Fprintf(w, "\nrun %s (%s): %d hosts, %d failed, took %s\n",
		run.ID, run.Cycle, len(run.Hosts), run.Failed, run.Duration().Round(time.Second))
}
