package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// ErrUnreachable is returned when a rebooted host does not answer again
// within the configured window.
var ErrUnreachable = errors.New("host did not become reachable")

// RebootSpec controls the managed reboot.
type RebootSpec struct {
	// PreDelay runs down before reachability polling starts, covering the
	// window in which the host still answers while shutting down.
	PreDelay time.Duration
	// PostDelay is settle time after the host answers again, before the
	// reconnect check.
	PostDelay time.Duration
	// Timeout bounds the reachability wait, excluding the delays.
	Timeout time.Duration
	// Poll is the probe interval. Defaults to 5s.
	Poll time.Duration
}

// Reboot issues command on the host, waits for it to come back, and verifies
// a fresh session works. The transport dropping while the reboot command runs
// is expected and not an error; a clean non-zero exit is.
func (e *SSH) Reboot(ctx context.Context, command string, spec RebootSpec) error {
	if spec.Poll <= 0 {
		spec.Poll = 5 * time.Second
	}

	log.Info().
		Str("host", e.name).
		Str("command", command).
		Dur("timeout", spec.Timeout).
		Msg("Rebooting host")

	result, err := e.Run(ctx, command)
	if err != nil && !isConnectionDrop(err) {
		return fmt.Errorf("issue reboot on %s: %w", e.name, err)
	}
	// A clean non-zero exit is a failed command, not a host going down.
	if err == nil && result.ExitCode != 0 {
		return fmt.Errorf("reboot command on %s exited %d: %s", e.name, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	e.Close()

	if err := sleepCtx(ctx, spec.PreDelay); err != nil {
		return err
	}

	deadline := time.Now().Add(spec.Timeout)
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s did not answer within %s", ErrUnreachable, e.name, spec.Timeout)
		}

		client, err := e.dial(ctx)
		if err == nil {
			e.client = client
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Debug().Str("host", e.name).Err(err).Msg("Host not reachable yet")
		if err := sleepCtx(ctx, spec.Poll); err != nil {
			return err
		}
	}

	if err := sleepCtx(ctx, spec.PostDelay); err != nil {
		return err
	}

	// Reconnect check: the dial succeeding is not enough, a session must work.
	result, err = e.Run(ctx, "true")
	if err != nil {
		return fmt.Errorf("reconnect check on %s: %w", e.name, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("reconnect check on %s exited %d", e.name, result.ExitCode)
	}

	log.Info().Str("host", e.name).Msg("Host back after reboot")
	return nil
}

// isConnectionDrop reports whether err looks like the transport dying under
// a reboot, rather than a command failure.
func isConnectionDrop(err error) bool {
	if err == nil {
		return false
	}
	var missingErr *ssh.ExitMissingError
	if errors.As(err, &missingErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
