package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/ripcord/internal/inventory"
	"github.com/rcourtman/ripcord/internal/logging"
)

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Resolve the selected hosts against the platform inventory",
	Long: `Resolve each selected host to its VM identity and print the result
without touching anything. This is the preflight for a patch run: a Linux
host that does not resolve to exactly one VM here will trip the same gate
there.`,
	Example: `  ripcord hosts --limit '*'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := setup(limitPattern)
		if err != nil {
			return err
		}
		defer logging.Shutdown()

		needPlatform := false
		for _, h := range rt.hosts {
			if !h.IsAIX() {
				needPlatform = true
				break
			}
		}

		var index *inventory.VMIndex
		if needPlatform {
			client, ix, err := platformIndex(ctx, rt.cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := client.Logout(context.Background()); err != nil {
					log.Debug().Err(err).Msg("vCenter logout failed")
				}
			}()
			index = ix
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tADDRESS\tPLATFORM\tVM\tDATACENTER")

		unresolved := 0
		for _, h := range rt.hosts {
			vm, dc := "-", "-"
			if !h.IsAIX() {
				matches := index.Matches(h.Address)
				switch len(matches) {
				case 1:
					vm = fmt.Sprintf("%s (%s)", matches[0].VMID, matches[0].Name)
					dc = matches[0].Datacenter
				case 0:
					vm = "no match"
					unresolved++
				default:
					vm = fmt.Sprintf("ambiguous (%d matches)", len(matches))
					unresolved++
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", h.Name, h.Address, h.Platform, vm, dc)
		}
		w.Flush()

		if unresolved > 0 {
			return fmt.Errorf("%d of %d hosts did not resolve to exactly one VM", unresolved, len(rt.hosts))
		}
		return nil
	},
}

func init() {
	hostsCmd.Flags().StringVar(&limitPattern, "limit", "", "Host name pattern, wildcard syntax (required; use '*' for everything)")
	_ = hostsCmd.MarkFlagRequired("limit")
}
