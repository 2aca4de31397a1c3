// Package services stops and starts an ordered service set on a managed
// host. Every operation is best-effort: failures are collected and reported,
// never fatal, so a stuck unit cannot block a patch cycle.
package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/ripcord/internal/inventory"
	"github.com/rcourtman/ripcord/internal/remote"
)

// Failure records one service operation that did not succeed.
type Failure struct {
	Service string
	Action  string
	Err     error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s %s: %v", f.Action, f.Service, f.Err)
}

// Manager drives the service set of one host.
type Manager struct {
	exec     remote.Executor
	platform string // inventory.PlatformLinux or inventory.PlatformAIX
}

func NewManager(exec remote.Executor, platform string) *Manager {
	return &Manager{exec: exec, platform: platform}
}

// StopAll stops services in configuration order and returns the failures.
// All services are attempted regardless of earlier failures.
func (m *Manager) StopAll(ctx context.Context, services []string) []Failure {
	return m.apply(ctx, "stop", services)
}

// StartAll starts services in configuration order and returns the failures.
func (m *Manager) StartAll(ctx context.Context, services []string) []Failure {
	return m.apply(ctx, "start", services)
}

func (m *Manager) apply(ctx context.Context, action string, services []string) []Failure {
	var failures []Failure

	for _, svc := range services {
		svc = strings.TrimSpace(svc)
		if svc == "" {
			continue
		}

		command := m.command(action, svc)
		log.Debug().Str("service", svc).Str("action", action).Msg("Service operation")

		res, err := m.exec.Run(ctx, command)
		if err != nil {
			failures = append(failures, Failure{Service: svc, Action: action, Err: err})
			continue
		}
		if res.ExitCode != 0 {
			failures = append(failures, Failure{
				Service: svc,
				Action:  action,
				Err:     fmt.Errorf("exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)),
			})
		}
	}

	return failures
}

// command maps an action to the platform's service tooling. AIX subsystems
// go through the SRC; everything else is systemd.
func (m *Manager) command(action, service string) string {
	if m.platform == inventory.PlatformAIX {
		if action == "stop" {
			return fmt.Sprintf("stopsrc -s %s", service)
		}
		return fmt.Sprintf("startsrc -s %s", service)
	}
	return fmt.Sprintf("systemctl %s %s", action, service)
}
