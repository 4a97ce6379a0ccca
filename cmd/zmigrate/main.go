package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zmigrate/zmigrate/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "zmigrate",
	Short: "zmigrate - ZFS snapshot replication daemon and client",
	Long: `zmigrate replicates ZFS datasets between hosts over zfs send/receive
pipelines. It runs as a daemon with a JSON control API, background
migration jobs, and token-gated stream listeners, or as a one-shot
command that drives a single replication in the foreground.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"zmigrate version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("zmigrate version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// apiClient builds a control API client from the shared connection
// flags carried by the job and token command groups.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("auth-token")
	if token == "" {
		token = os.Getenv("ZMIGRATE_AUTH_TOKEN")
	}
	return client.New(server, token)
}
