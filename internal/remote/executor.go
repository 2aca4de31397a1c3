// Package remote runs commands on managed hosts over SSH, stages files, and
// performs managed reboots with a bounded reachability wait.
package remote

import (
	"context"
	"io"
	"os"
	"time"
)

// Result is the outcome of one remote command. A non-zero exit code is a
// result, not an error; errors are reserved for transport failures.
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor runs commands on one managed host.
type Executor interface {
	// Run executes command and returns its outcome. The error is non-nil
	// only for transport failures, never for non-zero exits.
	Run(ctx context.Context, command string) (Result, error)

	// Upload stages src at remotePath with the given mode, creating parent
	// directories as needed.
	Upload(ctx context.Context, src io.Reader, remotePath string, mode os.FileMode) error

	// Reboot issues command, waits for the host to come back, and verifies
	// a fresh session works. A clean non-zero exit of command is an error;
	// ErrUnreachable wraps a missed deadline.
	Reboot(ctx context.Context, command string, spec RebootSpec) error

	Close() error
}
