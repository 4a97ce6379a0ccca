package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zmigrate/zmigrate/pkg/log"
	"github.com/zmigrate/zmigrate/pkg/tokens"
	"github.com/zmigrate/zmigrate/pkg/types"
)

// TokenHandler serves capability token issuance and lifecycle. Every
// operation is scoped to the caller's owner identity.
type TokenHandler struct {
	store  TokenStore
	stream StreamInfo
	logger zerolog.Logger
}

func newTokenHandler(store TokenStore, stream StreamInfo) *TokenHandler {
	return &TokenHandler{store: store, stream: stream, logger: log.WithComponent("api")}
}

type tokenCreateRequest struct {
	Dataset      string              `json:"dataset"`
	Snapshot     string              `json:"snapshot,omitempty"`
	FromSnapshot string              `json:"from_snapshot,omitempty"`
	Parameters   types.TransferFlags `json:"parameters,omitempty"`
	BoundPeer    string              `json:"bound_peer,omitempty"`
	TTLSeconds   int                 `json:"ttl_seconds,omitempty"`
}

// streamEndpoints tells the caller where a token can be redeemed.
type streamEndpoints struct {
	TCP  string `json:"tcp,omitempty"`
	Unix string `json:"unix,omitempty"`
}

type tokenResponse struct {
	*types.Token
	Stream streamEndpoints `json:"stream"`
}

type tokenList struct {
	Tokens []*types.Token `json:"tokens"`
	Total  int            `json:"total"`
}

type revoked struct {
	Revoked bool `json:"revoked"`
}

func (h *TokenHandler) endpoints() streamEndpoints {
	var eps streamEndpoints
	if h.stream == nil {
		return eps
	}
	if addr := h.stream.Addr("tcp"); addr != nil {
		eps.TCP = addr.String()
	}
	if addr := h.stream.Addr("unix"); addr != nil {
		eps.Unix = addr.String()
	}
	return eps
}

// CreateSend handles POST /api/v1/tokens/send.
func (h *TokenHandler) CreateSend(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, types.OperationSend)
}

// CreateReceive handles POST /api/v1/tokens/receive.
func (h *TokenHandler) CreateReceive(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, types.OperationReceive)
}

func (h *TokenHandler) create(w http.ResponseWriter, r *http.Request, op types.Operation) {
	var req tokenCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if op == types.OperationSend && req.Snapshot == "" {
		writeError(w, types.NewValidationError("snapshot", "required for send tokens"))
		return
	}

	tok, err := h.store.Issue(r.Context(), tokens.IssueRequest{
		Operation:    op,
		Dataset:      req.Dataset,
		Snapshot:     req.Snapshot,
		FromSnapshot: req.FromSnapshot,
		Parameters:   req.Parameters,
		OwnerID:      ownerFromCtx(r.Context()),
		BoundPeer:    req.BoundPeer,
		TTL:          time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{Token: tok, Stream: h.endpoints()})
}

// List handles GET /api/v1/tokens, restricted to the caller's tokens.
func (h *TokenHandler) List(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list tokens")
		writeError(w, err)
		return
	}
	owner := ownerFromCtx(r.Context())
	mine := make([]*types.Token, 0, len(all))
	for _, tok := range all {
		if tok.OwnerID == owner {
			mine = append(mine, tok)
		}
	}
	writeJSON(w, http.StatusOK, tokenList{Tokens: mine, Total: len(mine)})
}

// Get handles GET /api/v1/tokens/{id}. Another owner's token reads as
// absent.
func (h *TokenHandler) Get(w http.ResponseWriter, r *http.Request) {
	tok, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if tok.OwnerID != ownerFromCtx(r.Context()) {
		writeError(w, types.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: tok, Stream: h.endpoints()})
}

// Revoke handles DELETE /api/v1/tokens/{id}. Revoking a token that no
// longer exists reports revoked:false rather than failing, so spent and
// expired ids can be cleaned up blindly.
func (h *TokenHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tok, err := h.store.Get(r.Context(), id)
	if err != nil {
		if statusFor(err) == http.StatusNotFound {
			writeJSON(w, http.StatusOK, revoked{Revoked: false})
			return
		}
		writeError(w, err)
		return
	}
	if tok.OwnerID != ownerFromCtx(r.Context()) {
		writeError(w, types.ErrNotFound)
		return
	}
	if err := h.store.Revoke(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, revoked{Revoked: true})
}

// Stats handles GET /api/v1/tokens/stats.
func (h *TokenHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read token stats")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// StreamEndpoints handles GET /api/v1/stream/endpoints.
func (h *TokenHandler) StreamEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.endpoints())
}
