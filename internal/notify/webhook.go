package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook posts messages as JSON.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook notifier.
func NewWebhook(url string) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Name implements Notifier.
func (w *Webhook) Name() string { return "webhook" }

type webhookPayload struct {
	Kind    string `json:"kind"`
	Text    string `json:"text"`
	Time    int64  `json:"time"`
	IP      string `json:"ip,omitempty"`
	Country string `json:"country,omitempty"`
}

// Send implements Notifier. Any 2xx status is success.
func (w *Webhook) Send(ctx context.Context, msg Message) error {
	p := webhookPayload{Kind: msg.Kind, Text: msg.Text, Time: msg.At.Unix(), Country: msg.Country}
	if msg.IP.IsValid() {
		p.IP = msg.IP.String()
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: webhook: status %d", resp.StatusCode)
	}
	return nil
}
