package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fundingpool/config"
)

// RetryAfterError is returned when Telegram throttles the bot.
type RetryAfterError struct {
	RetryAfter time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("telegram: rate limited, retry after %v", e.RetryAfter)
}

// TelegramSender delivers messages through the Bot API sendMessage call.
type TelegramSender struct {
	apiURL string
	token  string
	chatID string
	client *http.Client
}

func NewTelegramSender(cfg config.TelegramConfig, timeout time.Duration) *TelegramSender {
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramSender{
		apiURL: apiURL,
		token:  cfg.BotToken,
		chatID: cfg.ChatID,
		client: &http.Client{Timeout: timeout},
	}
}

func (t *TelegramSender) Name() string { return "telegram" }

func (t *TelegramSender) Send(ctx context.Context, text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.token)

	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
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
		return fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusTooManyRequests {
		var payload struct {
			Parameters struct {
				RetryAfter int `json:"retry_after"`
			} `json:"parameters"`
		}
		_ = json.Unmarshal(respBody, &payload)
		wait := time.Duration(payload.Parameters.RetryAfter) * time.Second
		if wait <= 0 {
			wait = 5 * time.Second
		}
		return &RetryAfterError{RetryAfter: wait}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
