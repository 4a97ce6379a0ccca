package api

import (
	"context"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zmigrate/zmigrate/pkg/log"
	"github.com/zmigrate/zmigrate/pkg/metrics"
	"github.com/zmigrate/zmigrate/pkg/tokens"
	"github.com/zmigrate/zmigrate/pkg/types"
	"github.com/zmigrate/zmigrate/pkg/zfs"
)

// Jobs is the job-manager surface the migration handlers use.
type Jobs interface {
	Create(ctx context.Context, jobType string, params any) (*types.Job, error)
	Get(ctx context.Context, id string) (*types.Job, error)
	List(ctx context.Context, status types.JobStatus, limit int) ([]*types.Job, error)
	Cancel(ctx context.Context, id string) error
	Stats(ctx context.Context) (*types.JobStats, error)
}

// TokenStore is the token-store surface the token handlers use.
type TokenStore interface {
	Issue(ctx context.Context, req tokens.IssueRequest) (*types.Token, error)
	Get(ctx context.Context, id string) (*types.Token, error)
	List(ctx context.Context) ([]*types.Token, error)
	Revoke(ctx context.Context, id string) error
	Stats(ctx context.Context) (*types.TokenStats, error)
}

// StreamInfo reports where the stream listeners are bound. Nil
// addresses mean the listener is not configured.
type StreamInfo interface {
	Addr(label string) net.Addr
}

// RouterConfig carries the wired components the handlers serve.
type RouterConfig struct {
	Jobs     Jobs
	Tokens   TokenStore
	Admin    *zfs.Client
	Stream   StreamInfo
	Identity IdentityFunc
}

// NewRouter builds the control-plane router: probe and scrape endpoints
// at the root, the authenticated JSON API under /api/v1.
func NewRouter(cfg RouterConfig) http.Handler {
	identity := cfg.Identity
	if identity == nil {
		identity = StaticIdentity(nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log.WithComponent("api")))
	r.Use(middleware.Recoverer)
	r.Use(observeRequests)

	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	migrations := newMigrationHandler(cfg.Jobs)
	toks := newTokenHandler(cfg.Tokens, cfg.Stream)
	admin := newAdminHandler(cfg.Admin)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authenticate(identity))

		r.Route("/migrations", func(r chi.Router) {
			r.Post("/", migrations.Create)
			r.Get("/", migrations.List)
			r.Get("/stats", migrations.Stats)
			r.Get("/{id}", migrations.Get)
			r.Delete("/{id}", migrations.Cancel)
			r.Get("/{id}/progress", migrations.Progress)
		})

		r.Route("/tokens", func(r chi.Router) {
			r.Post("/send", toks.CreateSend)
			r.Post("/receive", toks.CreateReceive)
			r.Get("/", toks.List)
			r.Get("/stats", toks.Stats)
			r.Get("/{id}", toks.Get)
			r.Delete("/{id}", toks.Revoke)
		})

		r.Get("/stream/endpoints", toks.StreamEndpoints)

		r.Route("/datasets", func(r chi.Router) {
			r.Get("/", admin.ListDatasets)
			r.Post("/", admin.CreateDataset)
			r.Delete("/", admin.DestroyDataset)
			r.Get("/properties", admin.GetProperty)
			r.Put("/properties", admin.SetProperty)
		})

		r.Route("/snapshots", func(r chi.Router) {
			r.Get("/", admin.ListSnapshots)
			r.Post("/", admin.CreateSnapshot)
			r.Delete("/", admin.DestroySnapshot)
			r.Post("/rollback", admin.Rollback)
			r.Get("/holds", admin.ListHolds)
			r.Post("/holds", admin.Hold)
			r.Delete("/holds", admin.Release)
		})

		r.Route("/pools", func(r chi.Router) {
			r.Get("/", admin.ListPools)
			r.Get("/status", admin.PoolStatus)
			r.Post("/scrub", admin.Scrub)
			r.Post("/import", admin.ImportPool)
			r.Post("/export", admin.ExportPool)
		})

		r.Route("/bookmarks", func(r chi.Router) {
			r.Get("/", admin.ListBookmarks)
			r.Post("/", admin.CreateBookmark)
			r.Delete("/", admin.DestroyBookmark)
		})

		r.Route("/volumes", func(r chi.Router) {
			r.Get("/", admin.ListVolumes)
			r.Post("/", admin.CreateVolume)
			r.Delete("/", admin.DestroyVolume)
		})

		r.Route("/clones", func(r chi.Router) {
			r.Get("/", admin.ListClones)
			r.Post("/", admin.CreateClone)
		})
	})

	return r
}
