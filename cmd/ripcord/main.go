package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:     "ripcord",
	Short:   "Ripcord - patch-and-snapshot safety orchestration",
	Long:    `Ripcord runs gated patch cycles against Linux VMware guests and AIX LPARs: preflight checks, a quiesced pre-patch snapshot, security-only updates, and a managed reboot when one is required. Nothing mutates until every gate has passed.`,
	Version: Version,
	// No default action. Running bare prints the command list.
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Ripcord %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: /etc/ripcord/ripcord.yml, ./ripcord.yml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(ifixCmd)
	rootCmd.AddCommand(hostsCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
