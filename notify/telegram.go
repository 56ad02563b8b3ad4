package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/codeGROOVE-dev/retry"
)

const (
	telegramAPI = "https://api.telegram.org"

	// maxCaptionRunes is the Bot API limit for photo captions.
	maxCaptionRunes = 1024
)

// TelegramError is a rejected Bot API call.
type TelegramError struct {
	Method      string
	Description string
	StatusCode  int
}

func (e *TelegramError) Error() string {
	return fmt.Sprintf("telegram %s: HTTP %d: %s", e.Method, e.StatusCode, e.Description)
}

func (e *TelegramError) temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// TelegramProvider sends notifications through the Telegram Bot API. Filter
// owners are chat ids.
type TelegramProvider struct {
	client     *http.Client
	logger     *slog.Logger
	apiURL     string
	token      string
	retryDelay time.Duration
}

// NewTelegramProvider creates a new Telegram provider for the bot token.
func NewTelegramProvider(token string, logger *slog.Logger) *TelegramProvider {
	return &TelegramProvider{
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		apiURL:     telegramAPI,
		token:      token,
		retryDelay: time.Second,
	}
}

type telegramResponse struct {
	Description string `json:"description"`
	OK          bool   `json:"ok"`
}

// Send posts msg as a photo with caption when it has a photo, falling back to
// a plain text message if the photo is rejected.
func (t *TelegramProvider) Send(ctx context.Context, msg *Message) error {
	if msg.PhotoURL != "" && utf8.RuneCountInString(msg.Body) <= maxCaptionRunes {
		err := t.call(ctx, "sendPhoto", map[string]any{
			"chat_id":    msg.To,
			"photo":      msg.PhotoURL,
			"caption":    msg.Body,
			"parse_mode": "HTML",
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		t.logger.Warn("Photo send failed, sending text only", "to", msg.To, "photo", msg.PhotoURL, "error", err)
	}

	return t.call(ctx, "sendMessage", map[string]any{
		"chat_id":    msg.To,
		"text":       msg.Body,
		"parse_mode": "HTML",
	})
}

func (t *TelegramProvider) call(ctx context.Context, method string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	endpoint := t.apiURL + "/bot" + t.token + "/" + method

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")

			startTime := time.Now()
			resp, err := t.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				// The token is part of the URL; log the method only.
				t.logger.Warn("Telegram API request failed", "method", method, "duration_ms", duration.Milliseconds())
				return fmt.Errorf("telegram %s: request failed", method)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					t.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			var tr telegramResponse
			raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return fmt.Errorf("read %s response: %w", method, err)
			}
			if err := json.Unmarshal(raw, &tr); err != nil && resp.StatusCode == http.StatusOK {
				return fmt.Errorf("decode %s response: %w", method, err)
			}
			if resp.StatusCode != http.StatusOK || !tr.OK {
				return &TelegramError{Method: method, StatusCode: resp.StatusCode, Description: tr.Description}
			}

			t.logger.Info("Telegram API request completed",
				"method", method,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(t.retryDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(t.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Info("Retrying Telegram call after error", "method", method, "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			var te *TelegramError
			if errors.As(err, &te) {
				return te.temporary()
			}
			return true
		}),
	)
}
