package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"donchianbot/internal/ports"
)

const telegramBaseURL = "https://api.telegram.org"

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat
// ID. It uses a default HTTP client with a 10-second timeout.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:   token,
		chatID:  chatID,
		baseURL: telegramBaseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts a message using the sendMessage API. The title is rendered in
// bold. Telegram reports failures in the body ("ok": false) as well as in the
// status code; both are checked.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)

	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: telegram: send request: %w", ports.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	reply := gjson.ParseBytes(respBody)

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: telegram: retry after %ds", ports.ErrRateLimited, reply.Get("parameters.retry_after").Int())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !reply.Get("ok").Bool() {
		desc := reply.Get("description").String()
		if desc == "" {
			desc = string(respBody)
		}
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, desc)
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
