package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor    bool
	tenantFlag string
	serverFlag string
)

var rootCmd = &cobra.Command{
	Use:           "agentcore",
	Short:         "Agent orchestration and retrieval context engine",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.PersistentFlags().StringVar(&tenantFlag, "tenant", "", "tenant id, required when the server has auth enabled")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "server base URL (default http://127.0.0.1:<server.port>)")
	rootCmd.SetVersionTemplate("agentcore version {{.Version}}\n")

	rootCmd.AddCommand(serveCmd, statusCmd, sweepCmd)
	rootCmd.AddCommand(submitCmd, correctCmd, taskCmd)
	rootCmd.AddCommand(runsCmd, flowsCmd, flowCmd, statsCmd, agentsCmd, tenantCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
