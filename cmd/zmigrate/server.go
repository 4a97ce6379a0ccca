package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zmigrate/zmigrate/pkg/api"
	"github.com/zmigrate/zmigrate/pkg/config"
	"github.com/zmigrate/zmigrate/pkg/jobs"
	"github.com/zmigrate/zmigrate/pkg/log"
	"github.com/zmigrate/zmigrate/pkg/metrics"
	"github.com/zmigrate/zmigrate/pkg/proc"
	"github.com/zmigrate/zmigrate/pkg/replication"
	"github.com/zmigrate/zmigrate/pkg/storage"
	"github.com/zmigrate/zmigrate/pkg/stream"
	"github.com/zmigrate/zmigrate/pkg/tokens"
	"github.com/zmigrate/zmigrate/pkg/types"
	"github.com/zmigrate/zmigrate/pkg/zfs"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the replication daemon",
	Long: `Run the control API, the token-gated stream listeners, and the
background job workers in one process.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().StringP("config", "c", "", "Path to YAML config file")
	serverCmd.Flags().String("listen", "", "Control API listen address (overrides config)")
	serverCmd.Flags().String("stream-tcp", "", "Stream TCP listen address (overrides config)")
	serverCmd.Flags().String("stream-unix", "", "Stream unix socket path (overrides config)")
	serverCmd.Flags().String("redis", "", "Redis address (overrides config)")
	serverCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	applyServerFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := storage.New(cfg.Redis)
	defer store.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
	}
	metrics.RegisterComponent("redis", true, "connected")
	go watchRedis(ctx, store)

	mgr := jobs.NewManager(store, cfg.Jobs)
	mgr.Register(types.JobTypeReplication, jobs.ReplicationHandler(replication.NewEngine(cfg.Replication)))
	mgr.Start(ctx)
	defer mgr.Stop()
	metrics.RegisterComponent("jobs", true, fmt.Sprintf("%d workers", cfg.Jobs.Workers))

	tokStore := tokens.NewStore(store, cfg.Tokens)
	if cfg.Tokens.MACSecret == "" {
		logger.Warn().Msg("tokens.mac_secret is empty; set ZMIGRATE_MAC_SECRET so token tags survive restarts unforgeably")
	}

	streamSrv := stream.New(cfg.Stream, tokStore)
	if err := streamSrv.Listen(); err != nil {
		return err
	}
	streamErr := make(chan error, 1)
	go func() { streamErr <- streamSrv.Serve(ctx) }()
	metrics.RegisterComponent("stream", true, "listening")

	router := api.NewRouter(api.RouterConfig{
		Jobs:     mgr,
		Tokens:   tokStore,
		Admin:    zfs.NewClient(proc.Local{}),
		Stream:   streamSrv,
		Identity: api.StaticIdentity(cfg.Auth.StaticTokens),
	})
	apiSrv := api.NewServer(cfg.Listen, router)
	if err := apiSrv.Listen(); err != nil {
		_ = streamSrv.Close()
		return err
	}
	apiErr := make(chan error, 1)
	go func() { apiErr <- apiSrv.Serve() }()

	collector := metrics.NewCollector(mgr, tokStore)
	collector.Start()
	defer collector.Stop()

	logger.Info().
		Str("version", Version).
		Str("api", cfg.Listen).
		Str("stream_tcp", cfg.Stream.TCP).
		Str("stream_unix", cfg.Stream.Unix).
		Msg("zmigrate daemon ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-streamErr:
		if err != nil {
			runErr = fmt.Errorf("stream server failed: %w", err)
		}
	case err := <-apiErr:
		if err != nil {
			runErr = fmt.Errorf("control API failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Control API shutdown failed")
	}
	if err := streamSrv.Close(); err != nil {
		logger.Warn().Err(err).Msg("Stream server shutdown failed")
	}

	logger.Info().Msg("Shutdown complete")
	return runErr
}

// applyServerFlags lets explicit flags win over file values.
func applyServerFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("listen") {
		cfg.Listen, _ = cmd.Flags().GetString("listen")
	}
	if cmd.Flags().Changed("stream-tcp") {
		cfg.Stream.TCP, _ = cmd.Flags().GetString("stream-tcp")
	}
	if cmd.Flags().Changed("stream-unix") {
		cfg.Stream.Unix, _ = cmd.Flags().GetString("stream-unix")
	}
	if cmd.Flags().Changed("redis") {
		cfg.Redis.Addr, _ = cmd.Flags().GetString("redis")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
}

// watchRedis keeps the readiness probe honest about the store.
func watchRedis(ctx context.Context, store *storage.Store) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := store.Ping(pingCtx)
			cancel()
			if err != nil {
				metrics.UpdateComponent("redis", false, err.Error())
			} else {
				metrics.UpdateComponent("redis", true, "connected")
			}
		}
	}
}
