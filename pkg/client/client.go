// Package client is a typed Go client for the Motivate escrow API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ChinmayGopal931/Motivate-app/pkg/api"
	"github.com/ChinmayGopal931/Motivate-app/pkg/escrow"
	"github.com/ChinmayGopal931/Motivate-app/pkg/ledger"
)

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	Status int
	Title  string
	Detail string
	Kind   escrow.Kind
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("motivate api %d: %s (%s)", e.Status, e.Detail, e.Kind)
	}
	return fmt.Sprintf("motivate api %d: %s: %s", e.Status, e.Title, e.Detail)
}

// KindOf returns the escrow rejection kind carried by err, if any.
func KindOf(err error) escrow.Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// Client calls the escrow API as the party named by its token.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any, headers ...string) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var problem api.ProblemDetail
		if err := json.NewDecoder(resp.Body).Decode(&problem); err == nil {
			return &APIError{
				Status: resp.StatusCode,
				Title:  problem.Title,
				Detail: problem.Detail,
				Kind:   escrow.Kind(problem.Kind),
			}
		}
		return &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode), Detail: "unreadable error body"}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return &out, err
}

// CreatePromise calls POST /api/v1/promises. Each call carries a fresh
// Idempotency-Key, so transport retries cannot double-lock a stake.
func (c *Client) CreatePromise(ctx context.Context, req api.CreatePromiseRequest) (ledger.ID, error) {
	var out api.CreatePromiseResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/promises", req, &out, api.IdempotencyKeyHeader, uuid.NewString())
	return out.ID, err
}

// ResolvePromise calls POST /api/v1/promises/{id}/resolve.
func (c *Client) ResolvePromise(ctx context.Context, id ledger.ID) (*escrow.Settlement, error) {
	var out api.ResolvePromiseResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/promises/%d/resolve", id), nil, &out); err != nil {
		return nil, err
	}
	return out.Settlement, nil
}

// GetPromise calls GET /api/v1/promises/{id}.
func (c *Client) GetPromise(ctx context.Context, id ledger.ID) (*ledger.Promise, error) {
	var out ledger.Promise
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/promises/%d", id), nil, &out)
	return &out, err
}

// LockedFunds calls GET /api/v1/me/locked.
func (c *Client) LockedFunds(ctx context.Context) (int64, error) {
	var out api.LockedResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/me/locked", nil, &out)
	return out.LockedFunds, err
}

// CreatedPromiseIDs calls GET /api/v1/me/created.
func (c *Client) CreatedPromiseIDs(ctx context.Context) ([]ledger.ID, error) {
	var out api.IDsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/me/created", nil, &out)
	return out.IDs, err
}

// PromisesToVerify calls GET /api/v1/me/to-verify.
func (c *Client) PromisesToVerify(ctx context.Context) ([]ledger.ID, error) {
	var out api.IDsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/me/to-verify", nil, &out)
	return out.IDs, err
}

// Audit calls GET /api/v1/audit. Only the owner may call it.
func (c *Client) Audit(ctx context.Context) (*escrow.AuditReport, error) {
	var out escrow.AuditReport
	err := c.do(ctx, http.MethodGet, "/api/v1/audit", nil, &out)
	return &out, err
}
