package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// Telegram sends messages through the Bot API.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

// NewTelegram creates a Telegram notifier. baseURL may be empty.
func NewTelegram(token, chatID, baseURL string) (*Telegram, error) {
	if token == "" || chatID == "" {
		return nil, errors.New("notify: telegram needs a token and a chat id")
	}
	if baseURL == "" {
		baseURL = DefaultTelegramAPI
	}
	return &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Name implements Notifier.
func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
}

func formatText(msg Message) string {
	if msg.Country == "" {
		return msg.Text
	}
	return fmt.Sprintf("%s [%s]", msg.Text, msg.Country)
}

// Send implements Notifier. Messages with a Photo use sendPhoto with the
// text as caption.
func (t *Telegram) Send(ctx context.Context, msg Message) error {
	if msg.Photo != "" {
		return t.sendPhoto(ctx, msg.Photo, formatText(msg))
	}
	form := url.Values{"chat_id": {t.chatID}, "text": {formatText(msg)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("sendMessage"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return t.do(req)
}

func (t *Telegram) sendPhoto(ctx context.Context, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("notify: photo: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("chat_id", t.chatID)
	_ = w.WriteField("caption", caption)
	part, err := w.CreateFormFile("photo", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("sendPhoto"), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return t.do(req)
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) do(req *http.Request) error {
	resp, err := t.client.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of logs.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("notify: telegram: %w", err)
	}
	defer resp.Body.Close()

	var tr telegramResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&tr); err != nil {
		return fmt.Errorf("notify: telegram: status %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !tr.OK {
		return fmt.Errorf("notify: telegram: status %d: %s", resp.StatusCode, tr.Description)
	}
	return nil
}
