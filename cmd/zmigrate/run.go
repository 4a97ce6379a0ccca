package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zmigrate/zmigrate/pkg/config"
	"github.com/zmigrate/zmigrate/pkg/log"
	"github.com/zmigrate/zmigrate/pkg/replication"
	"github.com/zmigrate/zmigrate/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one migration in the foreground",
	Long: `Run a single replication directly, without the daemon or job queue.

Examples:
  # Local dataset to another pool
  zmigrate run --source tank/data --target backup/data

  # Push to a remote host over ssh
  zmigrate run --source tank/data --target backup/data --target-host backup1

  # Stream into a file
  zmigrate run --source tank/data --target-file /dump/data.zfs`,
	RunE: runMigration,
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "Path to YAML config file")
	runCmd.Flags().String("log-level", "info", "Log level: debug|info|warn|error")
	addMigrationFlags(runCmd)
}

// addMigrationFlags registers the flags that describe one migration.
// Shared between "run" (direct) and "job submit" (queued).
func addMigrationFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("source", "", "Source dataset (required)")
	f.String("source-host", "", "Source host for remote pulls")
	f.String("target", "", "Target dataset")
	f.String("target-host", "", "Target host for remote pushes")
	f.String("target-file", "", "Write the stream to a file instead of receiving")
	f.String("source-file", "", "Read the stream from a file instead of sending")
	f.String("snapshot", "", "Replicate up to this snapshot instead of the latest")
	f.Bool("create-snapshot", false, "Create a migrate-stamped snapshot first")
	f.Bool("allow-full", false, "Permit a full send when no common snapshot exists")
	f.Bool("recursive", false, "Replicate child datasets too")
	f.Bool("raw", false, "Raw send (preserves encryption)")
	f.Bool("force", false, "Force receive rollback (-F)")
	f.String("compression", "", "off|auto|gzip|bzip2|xz|lz4|zstd")
	f.String("rate-limit", "", "Transfer cap, e.g. 10M")
	f.String("ssh-user", "", "SSH user for remote endpoints")
	f.Int("ssh-port", 0, "SSH port for remote endpoints")
	_ = cmd.MarkFlagRequired("source")
}

// migrationRequestFromFlags reads the shared migration flags back into
// a request.
func migrationRequestFromFlags(cmd *cobra.Command) types.MigrationRequest {
	source, _ := cmd.Flags().GetString("source")
	sourceHost, _ := cmd.Flags().GetString("source-host")
	target, _ := cmd.Flags().GetString("target")
	targetHost, _ := cmd.Flags().GetString("target-host")
	targetFile, _ := cmd.Flags().GetString("target-file")
	sourceFile, _ := cmd.Flags().GetString("source-file")
	snapshot, _ := cmd.Flags().GetString("snapshot")
	createSnapshot, _ := cmd.Flags().GetBool("create-snapshot")
	allowFull, _ := cmd.Flags().GetBool("allow-full")
	recursive, _ := cmd.Flags().GetBool("recursive")
	raw, _ := cmd.Flags().GetBool("raw")
	force, _ := cmd.Flags().GetBool("force")
	compression, _ := cmd.Flags().GetString("compression")
	rateLimit, _ := cmd.Flags().GetString("rate-limit")
	sshUser, _ := cmd.Flags().GetString("ssh-user")
	sshPort, _ := cmd.Flags().GetInt("ssh-port")

	return types.MigrationRequest{
		SourceDataset:  source,
		SourceHost:     sourceHost,
		TargetDataset:  target,
		TargetHost:     targetHost,
		TargetFile:     targetFile,
		SourceFile:     sourceFile,
		Snapshot:       snapshot,
		CreateSnapshot: createSnapshot,
		AllowFull:      allowFull,
		Recursive:      recursive,
		Raw:            raw,
		Force:          force,
		Compression:    compression,
		RateLimit:      rateLimit,
		SSHUser:        sshUser,
		SSHPort:        sshPort,
	}
}

func runMigration(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	level, _ := cmd.Flags().GetString("log-level")
	log.Init(log.Config{Level: level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ctl replication.Control
	engine := replication.NewEngine(cfg.Replication)
	result, err := engine.Run(ctx, migrationRequestFromFlags(cmd), &ctl, logProgress)
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	return nil
}

func logProgress(p types.Progress) {
	logger := log.WithComponent("progress")
	ev := logger.Info().
		Int64("bytes", p.BytesTransferred)
	if p.TotalBytes > 0 {
		ev = ev.Int64("total", p.TotalBytes).Float64("percent", p.Percentage)
	}
	if p.RatePerSecond > 0 {
		ev = ev.Int64("rate_per_second", p.RatePerSecond)
	}
	ev.Msg("Transfer progress")
}
