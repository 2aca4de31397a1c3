package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/ripcord/internal/batch"
	"github.com/rcourtman/ripcord/internal/inventory"
	"github.com/rcourtman/ripcord/internal/logging"
	"github.com/rcourtman/ripcord/internal/report"
	"github.com/rcourtman/ripcord/internal/workflow"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete verified pre-patch snapshots",
	Long: `Delete the pre-patch snapshot from each selected host, one host at a
time. A snapshot is only deleted after re-reading the VM's current snapshot
and verifying its name is the one a patch run would have created; anything
else on the snapshot chain aborts that host untouched.`,
	Example: `  ripcord cleanup --limit 'web*'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := setup(limitPattern)
		if err != nil {
			return err
		}
		defer logging.Shutdown()

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
		})

		run := report.NewRun("cleanup")

		// Snapshot deletion is deliberately sequential, whatever the
		// configured batch size says.
		results := batch.Run(ctx, rt.hosts, 1,
			func(ctx context.Context, host inventory.Host) (*workflow.CleanupOutcome, error) {
				return ctrl.RunSnapshotCleanupCycle(ctx, host)
			})
		for _, res := range results {
			run.Add(report.FromCleanup(res))
		}
		finishRun(ctx, rt.cfg, run)

		if failed := batch.Failed(results); failed > 0 {
			return fmt.Errorf("%d of %d hosts failed", failed, len(results))
		}
		return nil
	},
}

func init() {
	cleanupCmd.Flags().StringVar(&limitPattern, "limit", "", "Host name pattern, wildcard syntax (required; use '*' for everything)")
	_ = cleanupCmd.MarkFlagRequired("limit")
}
