package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTP forwards transfers to an external payout gateway. Any non-2xx answer is
// a failed transfer.
type HTTP struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
	logger     *slog.Logger
}

// HTTPOption configures the HTTP transferer.
type HTTPOption func(*HTTP)

// WithToken sets the bearer token sent to the gateway.
func WithToken(token string) HTTPOption {
	return func(h *HTTP) { h.Token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.HTTPClient = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTP) { h.logger = l }
}

// NewHTTP creates a transferer posting to endpoint.
func NewHTTP(endpoint string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		Endpoint: endpoint,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: slog.Default().With("component", "transfer"),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Transfer posts the payout and waits for the gateway's verdict. The payout
// key travels in the body and the Idempotency-Key header.
func (h *HTTP) Transfer(ctx context.Context, p Payout) error {
	p.Key = p.key()
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payout: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build payout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.Key)
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("payout gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		h.logger.Warn("payout rejected", "key", p.Key, "to", p.To, "amount", p.Amount, "status", resp.StatusCode)
		return fmt.Errorf("%w: gateway returned %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
