package workflow

import (
	"errors"
	"fmt"
)

// Kind classifies a fatal workflow error.
type Kind string

const (
	// KindPrecondition covers failures before any mutation: missing scope,
	// unresolvable VM identity, no SSH session.
	KindPrecondition Kind = "precondition"
	// KindSafetyGate covers tripped safety gates. Never auto-resolved.
	KindSafetyGate Kind = "safety-gate"
	// KindExecution covers remote operations that failed mid-cycle.
	KindExecution Kind = "execution"
	// KindConvergence covers hosts that did not settle: reboot timeouts,
	// post-reboot verification failures.
	KindConvergence Kind = "convergence"
)

// Per-gate sentinels. Wrapped inside a GateError; match with errors.Is.
var (
	ErrIdentityResolution    = errors.New("vm identity resolution failed")
	ErrInsufficientSpace     = errors.New("insufficient free space")
	ErrPagingPressure        = errors.New("paging space usage too high")
	ErrUnexpectedSnapshot    = errors.New("unexpected existing snapshot")
	ErrSnapshotCreation      = errors.New("snapshot creation failed")
	ErrSnapshotStateMismatch = errors.New("current snapshot is not the expected pre-patch snapshot")
	ErrSnapshotDeletion      = errors.New("snapshot deletion failed")
	ErrRebootTimeout         = errors.New("host did not return from reboot")
	ErrManualRebootRequired  = errors.New("manual reboot required")
	ErrIfixVerification      = errors.New("ifix label missing after reboot")
)

// GateError is a fatal, host-scoped failure. It halts that host's cycle and
// nothing else.
type GateError struct {
	Kind Kind
	Host string
	Step string
	Err  error
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%s: %s failure at step %s: %v", e.Host, e.Kind, e.Step, e.Err)
}

func (e *GateError) Unwrap() error {
	return e.Err
}

func gateErr(kind Kind, host, step string, err error) *GateError {
	return &GateError{Kind: kind, Host: host, Step: step, Err: err}
}

// Warning is a non-fatal problem observed during a cycle, structurally
// distinct from errors. Service drain failures and error-report findings
// land here.
type Warning struct {
	Step   string `json:"step"`
	Detail string `json:"detail"`
}

func (w Warning) String() string {
	return w.Step + ": " + w.Detail
}
