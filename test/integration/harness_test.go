package integration

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmigrate/zmigrate/pkg/api"
	"github.com/zmigrate/zmigrate/pkg/client"
	"github.com/zmigrate/zmigrate/pkg/config"
	"github.com/zmigrate/zmigrate/pkg/jobs"
	"github.com/zmigrate/zmigrate/pkg/proc"
	"github.com/zmigrate/zmigrate/pkg/replication"
	"github.com/zmigrate/zmigrate/pkg/storage"
	"github.com/zmigrate/zmigrate/pkg/stream"
	"github.com/zmigrate/zmigrate/pkg/tokens"
	"github.com/zmigrate/zmigrate/pkg/types"
	"github.com/zmigrate/zmigrate/pkg/zfs"
)

const apiAuthToken = "integration-auth-token"

// startStack brings up the whole daemon surface against miniredis:
// storage, token store, job manager running the real engine, stream
// server on a loopback port, and the HTTP API. Tests talk to it only
// through the public client, the way an operator's tooling would.
func startStack(t *testing.T) *client.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	st := storage.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.Stream.TCP = "127.0.0.1:0"
	cfg.Stream.Unix = ""
	cfg.Tokens.MACSecret = "integration-mac-secret"
	cfg.Jobs.Workers = 2
	cfg.Replication.SyncHolds = false

	tokStore := tokens.NewStore(st, cfg.Tokens)

	mgr := jobs.NewManager(st, cfg.Jobs)
	mgr.Register(types.JobTypeReplication, jobs.ReplicationHandler(replication.NewEngine(cfg.Replication)))
	mgr.Start(context.Background())
	t.Cleanup(mgr.Stop)

	streamSrv := stream.New(cfg.Stream, tokStore)
	require.NoError(t, streamSrv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- streamSrv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("stream server did not shut down")
		}
	})

	router := api.NewRouter(api.RouterConfig{
		Jobs:     mgr,
		Tokens:   tokStore,
		Admin:    zfs.NewClient(proc.Local{}),
		Stream:   streamSrv,
		Identity: api.StaticIdentity(map[string]string{apiAuthToken: "integration"}),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	c, err := client.New(srv.URL, apiAuthToken)
	require.NoError(t, err)
	return c
}

func writeStub(t *testing.T, dir, name, script string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
}

func stubPath(t *testing.T, dir string) {
	t.Helper()
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

// waitFor polls until the job satisfies cond or the deadline passes.
func waitFor(t *testing.T, c *client.Client, id string, cond func(*types.Job) bool) *types.Job {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		job, err := c.GetMigration(context.Background(), id)
		require.NoError(t, err)
		if cond(job) {
			return job
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("job did not reach the expected state")
	return nil
}

func waitTerminal(t *testing.T, c *client.Client, id string) *types.Job {
	t.Helper()
	return waitFor(t, c, id, func(job *types.Job) bool { return job.Status.Terminal() })
}
