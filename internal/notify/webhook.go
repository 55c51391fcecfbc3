package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>" when a secret is set.
const SignatureHeader = "X-Slotify-Signature"

// WebhookSink POSTs each event as JSON to a URL.
type WebhookSink struct {
	URL    string
	Secret string
	Client *http.Client
}

// NewWebhookSink returns a sink with a client timeout of timeout (default 5s).
func NewWebhookSink(url, secret string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{URL: url, Secret: secret, Client: &http.Client{Timeout: timeout}}
}

func (w *WebhookSink) OnPositionChanged(ctx context.Context, c PositionChange) error {
	return w.send(ctx, Event{Kind: KindPosition, Position: &c})
}

func (w *WebhookSink) OnStatusChanged(ctx context.Context, c StatusChange) error {
	return w.send(ctx, Event{Kind: KindStatus, Status: &c})
}

// send succeeds only on a 2xx response.
func (w *WebhookSink) send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.Secret, body))
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: POST to %s: %w", w.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: %s returned %d", w.URL, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret. Receivers compute
// the same value to authenticate a delivery.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
