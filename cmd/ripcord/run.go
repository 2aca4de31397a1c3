package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/ripcord/internal/batch"
	"github.com/rcourtman/ripcord/internal/config"
	"github.com/rcourtman/ripcord/internal/inventory"
	"github.com/rcourtman/ripcord/internal/logging"
	"github.com/rcourtman/ripcord/internal/report"
	"github.com/rcourtman/ripcord/internal/workflow"
)

var (
	limitPattern  string
	checkOnlyFlag string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the patch cycle against the selected hosts",
	Long: `Run the gated patch cycle: resolve each host to exactly one VM, check
disk space, guard against pre-existing snapshots, drain services, take a
quiesced pre-patch snapshot, apply security updates, and reboot when the
host says one is required.

The cycle is check-only by default and previews pending updates without
touching anything. Only an explicit --check-only=false arms the real run.`,
	Example: `  # Preview pending security updates (default, mutates nothing)
  ripcord run --limit 'web*'

  # Arm the real cycle: snapshot, patch, reboot when required
  ripcord run --limit web01 --check-only=false`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := setup(limitPattern)
		if err != nil {
			return err
		}
		defer logging.Shutdown()

		raw := checkOnlyFlag
		if raw == "" {
			raw = rt.cfg.Workflow.CheckOnly
		}
		checkOnly, recognized := config.ParseCheckOnly(raw)
		if !recognized {
			log.Warn().Str("value", raw).Msg("Unrecognized check-only value, staying in check-only mode")
		}
		if checkOnly {
			log.Info().Msg("Check-only run: pending updates are previewed, nothing is mutated")
		} else {
			log.Warn().Msg("Check-only disabled: this run snapshots, patches, and may reboot hosts")
		}

		client, index, err := platformIndex(ctx, rt.cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := client.Logout(context.Background()); err != nil {
				log.Debug().Err(err).Msg("vCenter logout failed")
			}
		}()

		ctrl := workflow.NewController(workflow.Config{
			Platform: client,
			Resolver: index,
			Connect:  sshConnector(rt.cfg),
		})
		opts := workflow.PatchOptions{
			Apply:        !checkOnly,
			MinFreeBytes: rt.cfg.Workflow.MinFreeBytes,
			Mountpoints:  rt.cfg.Workflow.Mountpoints,
			Services:     rt.cfg.Workflow.Services,
			Reboot:       rebootSpec(rt.cfg),
		}

		run := report.NewRun("patch")
		run.CheckOnly = checkOnly

		results := batch.Run(ctx, rt.hosts, rt.cfg.Workflow.BatchSize,
			func(ctx context.Context, host inventory.Host) (*workflow.PatchOutcome, error) {
				return ctrl.RunPatchCycle(ctx, host, opts)
			})
		for _, res := range results {
			run.Add(report.FromPatch(res))
		}
		finishRun(ctx, rt.cfg, run)

		if failed := batch.Failed(results); failed > 0 {
			return fmt.Errorf("%d of %d hosts failed", failed, len(results))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&limitPattern, "limit", "", "Host name pattern, wildcard syntax (required; use '*' for everything)")
	runCmd.Flags().StringVar(&checkOnlyFlag, "check-only", "", "Preview without mutating; only an explicit --check-only=false arms the real run")
	runCmd.Flags().Lookup("check-only").NoOptDefVal = "true"
	_ = runCmd.MarkFlagRequired("limit")
}
