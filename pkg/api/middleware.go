package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/zmigrate/zmigrate/pkg/metrics"
)

// IdentityFunc resolves a bearer token to an owner identity. An empty
// result rejects the caller.
type IdentityFunc func(token string) string

// StaticIdentity resolves callers against a fixed token→owner map. An
// empty map leaves the API open with every caller owned by "local",
// which fits a loopback-only daemon.
func StaticIdentity(tokens map[string]string) IdentityFunc {
	if len(tokens) == 0 {
		return func(string) string { return "local" }
	}
	return func(token string) string { return tokens[token] }
}

type contextKey int

const contextKeyOwner contextKey = iota

// authenticate resolves the caller's identity from the Authorization
// header and stores the owner in the request context. Unknown callers
// stop here with a 401.
func authenticate(identity IdentityFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := identity(bearerToken(r))
			if owner == "" {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyOwner, owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// ownerFromCtx returns the identity stored by authenticate.
func ownerFromCtx(ctx context.Context) string {
	owner, _ := ctx.Value(contextKeyOwner).(string)
	return owner
}

// requestLogger logs method, path, status, and latency for every
// request. middleware.RequestID must run first so the id is in context.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			timer := metrics.NewTimer()
			next.ServeHTTP(ww, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", timer.Duration()).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}

// observeRequests feeds the request counters and latency histogram.
func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		timer := metrics.NewTimer()
		next.ServeHTTP(ww, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
	})
}
