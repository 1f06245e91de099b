// Package cmd implements the carapace binary's command-line front end: a
// thin cobra shell around the core. Everything here is wiring, not core
// logic.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fred-drake/carapace/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/fred-drake/carapace/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "carapace",
	Short: "Carapace — host-side supervisor for containerized AI agents",
	Long: "Carapace supervises AI-agent workloads inside isolated containers and exposes " +
		"a uniform request/response and publish/subscribe surface between those containers " +
		"and local tool-providing plugins.",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $CARAPACE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the supervisor: bind sockets, load plugins, supervise agent containers",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("carapace %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("CARAPACE_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
