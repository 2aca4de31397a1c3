package workflow

// Step statuses recorded in an outcome's trace.
const (
	StepOK      = "ok"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// Step is one executed workflow step.
type Step struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Trace records executed steps in order.
type Trace []Step

func (t *Trace) ok(name, detail string) {
	*t = append(*t, Step{Name: name, Status: StepOK, Detail: detail})
}

func (t *Trace) fail(name string, err error) {
	*t = append(*t, Step{Name: name, Status: StepFailed, Detail: err.Error()})
}

func (t *Trace) skip(name, detail string) {
	*t = append(*t, Step{Name: name, Status: StepSkipped, Detail: detail})
}

// PatchOutcome is the result of one host's patch cycle. It is populated as
// far as the cycle got, including on failure.
type PatchOutcome struct {
	Host       string    `json:"host"`
	VMID       string    `json:"vmId,omitempty"`
	CheckOnly  bool      `json:"checkOnly"`
	Updates    []string  `json:"updates,omitempty"`
	Snapshot   string    `json:"snapshot,omitempty"`
	SnapshotID string    `json:"snapshotId,omitempty"`
	Rebooted   bool      `json:"rebooted"`
	Steps      Trace     `json:"steps"`
	Warnings   []Warning `json:"warnings,omitempty"`
}

// CleanupOutcome is the result of one host's snapshot cleanup cycle.
type CleanupOutcome struct {
	Host       string `json:"host"`
	VMID       string `json:"vmId,omitempty"`
	Snapshot   string `json:"snapshot,omitempty"`
	SnapshotID string `json:"snapshotId,omitempty"`
	Deleted    bool   `json:"deleted"`
	Steps      Trace  `json:"steps"`
}

// IfixOutcome is the result of one host's ifix cycle.
type IfixOutcome struct {
	Host      string    `json:"host"`
	Artifact  string    `json:"artifact"`
	Label     string    `json:"label"`
	Skipped   bool      `json:"skipped"`
	Staged    string    `json:"staged,omitempty"`
	Conflicts []string  `json:"conflicts,omitempty"`
	Evicted   []string  `json:"evicted,omitempty"`
	Installed bool      `json:"installed"`
	Rebooted  bool      `json:"rebooted"`
	Steps     Trace     `json:"steps"`
	Warnings  []Warning `json:"warnings,omitempty"`
}
