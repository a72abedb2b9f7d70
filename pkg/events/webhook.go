package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, prefixed
// with "sha256=".
const SignatureHeader = "X-Motivate-Signature"

// WebhookSink posts each event as JSON to a URL.
type WebhookSink struct {
	URL        string
	Secret     []byte
	HTTPClient *http.Client
}

// NewWebhookSink creates a sink. A nil secret disables signing.
func NewWebhookSink(url string, secret []byte) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Secret: secret,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Publish delivers ev. Any non-2xx answer is an error.
func (w *WebhookSink) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.URL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Motivate-Event", string(ev.Kind))
	req.Header.Set("X-Motivate-Delivery", ev.ID)
	if len(w.Secret) > 0 {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.Secret, body))
	}

	resp, err := w.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s: status %d", w.URL, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value against body.
func VerifySignature(secret, body []byte, signature string) error {
	if len(secret) == 0 {
		return errors.New("webhook HMAC: secret is empty")
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return fmt.Errorf("webhook HMAC: invalid hex signature: %w", err)
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return errors.New("webhook HMAC: signature mismatch")
	}
	return nil
}
