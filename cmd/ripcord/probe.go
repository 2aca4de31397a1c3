package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rcourtman/ripcord/internal/config"
	"github.com/rcourtman/ripcord/internal/hostprobe"
	"github.com/rcourtman/ripcord/internal/logging"
)

var (
	probeMountpoints []string
	probeMinFree     int64
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Run the disk-space gate locally on this host",
	Long: `Evaluate the patch cycle's disk-space gate against the local
filesystems and print what a run against this host would conclude. Meant to
be run on a managed host itself, without vCenter or SSH involved.`,
	Example: `  ripcord probe
  ripcord probe --mountpoints /,/var,/opt/app --min-free-bytes 2147483648`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(logging.Config{
			Format:    "auto",
			Level:     "warn",
			Component: "ripcord",
		})

		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}

		mountpoints := probeMountpoints
		if len(mountpoints) == 0 {
			mountpoints = cfg.Workflow.Mountpoints
		}
		minFree := probeMinFree
		if minFree <= 0 {
			minFree = cfg.Workflow.MinFreeBytes
		}

		checks, err := hostprobe.Evaluate(cmd.Context(), mountpoints, minFree)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "MOUNTPOINT\tMOUNTED\tAVAILABLE\tRESULT")
		for _, c := range checks {
			mounted, avail, result := "yes", fmt.Sprintf("%d MiB", c.AvailableBytes>>20), "pass"
			if !c.Mounted {
				mounted, avail, result = "no", "-", "skipped"
			} else if !c.Pass {
				result = "FAIL"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Mountpoint, mounted, avail, result)
		}
		w.Flush()

		if !hostprobe.Pass(checks) {
			return fmt.Errorf("disk-space gate would fail this host (minimum %d MiB free per mounted filesystem)", minFree>>20)
		}
		fmt.Printf("disk-space gate would pass this host\n")
		return nil
	},
}

func init() {
	probeCmd.Flags().StringSliceVar(&probeMountpoints, "mountpoints", nil, "Mountpoints to check (default: configured workflow.mountpoints)")
	probeCmd.Flags().Int64Var(&probeMinFree, "min-free-bytes", 0, "Required free bytes per mountpoint (default: configured workflow.minFreeBytes)")
}
