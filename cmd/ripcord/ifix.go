package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rcourtman/ripcord/internal/aix"
	"github.com/rcourtman/ripcord/internal/batch"
	"github.com/rcourtman/ripcord/internal/inventory"
	"github.com/rcourtman/ripcord/internal/logging"
	"github.com/rcourtman/ripcord/internal/report"
	"github.com/rcourtman/ripcord/internal/workflow"
)

var artifactName string

var ifixCmd = &cobra.Command{
	Use:   "ifix",
	Short: "Install an interim fix on the selected AIX LPARs",
	Long: `Run the AIX interim-fix cycle: check staging and paging space, skip
hosts that already carry the fix, stage the artifact from the repository,
preview with emgr, evict conflicting ifixes, and install. When emgr demands
a reboot the cycle reboots only if auto-reboot is configured; otherwise the
host fails with manual intervention required.`,
	Example: `  ripcord ifix --limit 'lpar*' --artifact IJ45678s1a.epkg.Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := setup(limitPattern)
		if err != nil {
			return err
		}
		defer logging.Shutdown()

		if rt.cfg.Ifix.RepoURL == "" {
			return fmt.Errorf("ifix.repoURL must be configured (or set RIPCORD_IFIX_REPO_URL)")
		}

		ctrl := workflow.NewController(workflow.Config{
			Connect: sshConnector(rt.cfg),
			Fetcher: aix.NewFetcher(rt.cfg.Ifix.RepoURL, nil),
		})
		opts := workflow.IfixOptions{
			Artifact:             artifactName,
			StagingDir:           rt.cfg.Ifix.StagingDir,
			AutoReboot:           rt.cfg.Ifix.AutoReboot,
			MaxPagingUsedPercent: rt.cfg.Ifix.MaxPagingUsedPercent,
			Reboot:               rebootSpec(rt.cfg),
		}

		run := report.NewRun("ifix")

		results := batch.Run(ctx, rt.hosts, rt.cfg.Workflow.BatchSize,
			func(ctx context.Context, host inventory.Host) (*workflow.IfixOutcome, error) {
				return ctrl.RunIfixCycle(ctx, host, opts)
			})
		for _, res := range results {
			run.Add(report.FromIfix(res))
		}
		finishRun(ctx, rt.cfg, run)

		if failed := batch.Failed(results); failed > 0 {
			return fmt.Errorf("%d of %d hosts failed", failed, len(results))
		}
		return nil
	},
}

func init() {
	ifixCmd.Flags().StringVar(&limitPattern, "limit", "", "Host name pattern, wildcard syntax (required; use '*' for everything)")
	ifixCmd.Flags().StringVar(&artifactName, "artifact", "", "Interim fix artifact name in the repository (required)")
	_ = ifixCmd.MarkFlagRequired("limit")
	_ = ifixCmd.MarkFlagRequired("artifact")
}
