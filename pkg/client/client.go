package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/zmigrate/zmigrate/pkg/types"
)

// Client calls the zmigrate control API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// New creates a client for the daemon at baseURL. The bearer token may
// be empty when the daemon runs with an open API.
func New(baseURL, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host required", baseURL)
	}
	return &Client{
		base:  u,
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// APIError is a non-2xx control API response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// Unwrap maps well-known statuses back onto the shared error
// taxonomy so callers can use errors.Is across the wire.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return types.ErrUnauthorized
	case http.StatusNotFound:
		return types.ErrNotFound
	case http.StatusTooManyRequests:
		return types.ErrQuotaExceeded
	case http.StatusServiceUnavailable:
		return types.ErrStoreUnavailable
	}
	return nil
}

// MigrationCreated acknowledges a queued migration.
type MigrationCreated struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// MigrationProgress is a point-in-time report for one job.
type MigrationProgress struct {
	JobID    string          `json:"job_id"`
	Status   types.JobStatus `json:"status"`
	Progress *types.Progress `json:"progress"`
	Error    string          `json:"error,omitempty"`
}

// StreamEndpoints tells a peer where tokens can be redeemed.
type StreamEndpoints struct {
	TCP  string `json:"tcp,omitempty"`
	Unix string `json:"unix,omitempty"`
}

// TokenRequest describes the capability to mint.
type TokenRequest struct {
	Dataset      string              `json:"dataset"`
	Snapshot     string              `json:"snapshot,omitempty"`
	FromSnapshot string              `json:"from_snapshot,omitempty"`
	Parameters   types.TransferFlags `json:"parameters,omitempty"`
	BoundPeer    string              `json:"bound_peer,omitempty"`
	TTLSeconds   int                 `json:"ttl_seconds,omitempty"`
}

// IssuedToken is a freshly minted capability plus where to redeem it.
type IssuedToken struct {
	types.Token
	Stream StreamEndpoints `json:"stream"`
}

// CreateMigration queues a replication job.
func (c *Client) CreateMigration(ctx context.Context, req types.MigrationRequest) (*MigrationCreated, error) {
	var out MigrationCreated
	if err := c.do(ctx, http.MethodPost, "/api/v1/migrations", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMigration fetches one job record.
func (c *Client) GetMigration(ctx context.Context, id string) (*types.Job, error) {
	var out types.Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/migrations/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMigrations returns jobs newest first, optionally filtered by
// status. A zero limit leaves the page size to the server.
func (c *Client) ListMigrations(ctx context.Context, status types.JobStatus, limit int) ([]*types.Job, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Jobs  []*types.Job `json:"jobs"`
		Total int          `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/migrations", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// CancelMigration requests cancellation of a running job.
func (c *Client) CancelMigration(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/migrations/"+id, nil, nil, nil)
}

// Progress fetches the job's last observed transfer state.
func (c *Client) Progress(ctx context.Context, id string) (*MigrationProgress, error) {
	var out MigrationProgress
	if err := c.do(ctx, http.MethodGet, "/api/v1/migrations/"+id+"/progress", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// JobStats reads queue and worker counters.
func (c *Client) JobStats(ctx context.Context) (*types.JobStats, error) {
	var out types.JobStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/migrations/stats", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSendToken mints a capability that authorizes streaming a
// snapshot out of the daemon.
func (c *Client) CreateSendToken(ctx context.Context, req TokenRequest) (*IssuedToken, error) {
	return c.createToken(ctx, "/api/v1/tokens/send", req)
}

// CreateReceiveToken mints a capability that authorizes streaming a
// snapshot into the daemon.
func (c *Client) CreateReceiveToken(ctx context.Context, req TokenRequest) (*IssuedToken, error) {
	return c.createToken(ctx, "/api/v1/tokens/receive", req)
}

func (c *Client) createToken(ctx context.Context, path string, req TokenRequest) (*IssuedToken, error) {
	var out IssuedToken
	if err := c.do(ctx, http.MethodPost, path, nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTokens returns the caller's active tokens.
func (c *Client) ListTokens(ctx context.Context) ([]*types.Token, error) {
	var out struct {
		Tokens []*types.Token `json:"tokens"`
		Total  int            `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/tokens", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

// GetToken fetches one of the caller's tokens.
func (c *Client) GetToken(ctx context.Context, id string) (*IssuedToken, error) {
	var out IssuedToken
	if err := c.do(ctx, http.MethodGet, "/api/v1/tokens/"+id, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeToken deletes a token. Revoking an id that no longer exists
// reports false without an error.
func (c *Client) RevokeToken(ctx context.Context, id string) (bool, error) {
	var out struct {
		Revoked bool `json:"revoked"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/v1/tokens/"+id, nil, nil, &out); err != nil {
		return false, err
	}
	return out.Revoked, nil
}

// TokenStats reads store-wide token counters.
func (c *Client) TokenStats(ctx context.Context) (*types.TokenStats, error) {
	var out types.TokenStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/tokens/stats", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Endpoints discovers where the daemon's stream listeners are bound.
func (c *Client) Endpoints(ctx context.Context) (*StreamEndpoints, error) {
	var out StreamEndpoints
	if err := c.do(ctx, http.MethodGet, "/api/v1/stream/endpoints", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	msg := resp.Status
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
