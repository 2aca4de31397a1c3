package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/ripcord/internal/config"
	"github.com/rcourtman/ripcord/internal/inventory"
	"github.com/rcourtman/ripcord/internal/logging"
	"github.com/rcourtman/ripcord/internal/remote"
	"github.com/rcourtman/ripcord/internal/report"
	"github.com/rcourtman/ripcord/internal/workflow"
	"github.com/rcourtman/ripcord/pkg/vsphere"
)

// runtime is the assembled state every cycle command starts from.
type runtime struct {
	cfg   *config.Config
	hosts []inventory.Host
}

// setup loads configuration, re-initializes logging from it, and selects the
// hosts in scope. Every cycle command goes through here.
func setup(limit string) (*runtime, error) {
	// Baseline logger for the startup logs the config loader itself emits.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "ripcord",
	})

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.Log.Format,
		Level:     cfg.Log.Level,
		Component: "ripcord",
		FilePath:  cfg.Log.File,
	})

	inv, err := inventory.Load(cfg.Inventory)
	if err != nil {
		return nil, err
	}

	hosts, err := inv.Select(limit)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("version", Version).
		Str("limit", limit).
		Int("hosts", len(hosts)).
		Msg("Host scope selected")

	return &runtime{cfg: cfg, hosts: hosts}, nil
}

// platformIndex connects to vCenter and fetches the VM inventory snapshot the
// whole run resolves against. Commands that never touch the platform skip it.
func platformIndex(ctx context.Context, cfg *config.Config) (*vsphere.Client, *inventory.VMIndex, error) {
	if err := cfg.RequireVCenter(); err != nil {
		return nil, nil, err
	}

	client, err := vsphere.NewClient(vsphere.ClientConfig{
		Host:        cfg.VCenter.Host,
		User:        cfg.VCenter.User,
		Password:    cfg.VCenter.Password,
		Fingerprint: cfg.VCenter.Fingerprint,
		VerifySSL:   !cfg.VCenter.Insecure,
	})
	if err != nil {
		return nil, nil, err
	}

	index, err := inventory.BuildVMIndex(ctx, client)
	if err != nil {
		return nil, nil, fmt.Errorf("build platform VM index: %w", err)
	}
	return client, index, nil
}

// sshConnector builds the per-host executor factory, layering host overrides
// over the shared SSH settings. Dialing stays lazy.
func sshConnector(cfg *config.Config) workflow.ConnectFunc {
	return func(host inventory.Host) (remote.Executor, error) {
		sshCfg := remote.Config{
			User:           cfg.SSH.User,
			Port:           cfg.SSH.Port,
			KeyPath:        cfg.SSH.KeyPath,
			KnownHostsPath: cfg.SSH.KnownHostsPath,
			ConnectTimeout: cfg.SSH.ConnectTimeout,
		}
		if host.User != "" {
			sshCfg.User = host.User
		}
		if host.Port != 0 {
			sshCfg.Port = host.Port
		}
		if host.KeyPath != "" {
			sshCfg.KeyPath = host.KeyPath
		}
		return remote.NewSSH(host.Name, host.Address, sshCfg), nil
	}
}

func rebootSpec(cfg *config.Config) remote.RebootSpec {
	return remote.RebootSpec{
		PreDelay:  cfg.Workflow.RebootPreDelay,
		PostDelay: cfg.Workflow.RebootPostDelay,
		Timeout:   cfg.Workflow.RebootTimeout,
	}
}

// finishRun closes out the run record and delivers it: table to stdout,
// optional JSONL history, optional Pushgateway. Reporting failures are warned
// about, never fatal; the cycle outcome already happened.
func finishRun(ctx context.Context, cfg *config.Config, run *report.Run) {
	run.Finish()
	report.WriteTable(os.Stdout, run)

	if cfg.Report.HistoryPath != "" {
		if err := report.AppendHistory(cfg.Report.HistoryPath, run); err != nil {
			log.Warn().Err(err).Str("file", cfg.Report.HistoryPath).Msg("Unable to append run history")
		}
	}
	if cfg.Report.PushgatewayURL != "" {
		if err := report.Push(ctx, cfg.Report.PushgatewayURL, run); err != nil {
			log.Warn().Err(err).Str("gateway", cfg.Report.PushgatewayURL).Msg("Unable to push run metrics")
		}
	}
}
