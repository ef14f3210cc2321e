// Package notify sends replication event notifications via Telegram.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/zfstools/autobackupd/internal/models"
)

// Service defines the interface for notification operations.
type Service interface {
	SendSyncEvent(ctx context.Context, cfg models.TelegramConfig, event models.SyncEvent) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the notification Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new notification service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new notification service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// sendMessageRequest is the request body for Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendSyncEvent sends a replication outcome notification.
func (s *Impl) SendSyncEvent(ctx context.Context, cfg models.TelegramConfig, event models.SyncEvent) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Info().
		Str("chat_id", cfg.ChatID).
		Str("dataset", event.Dataset).
		Str("host", event.Host).
		Bool("success", event.Success).
		Msg("sending sync notification")

	reqBody := sendMessageRequest{
		ChatID:    cfg.ChatID,
		Text:      s.formatEvent(event),
		ParseMode: "HTML",
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		return result, nil
	}

	result.MessageSent = true
	s.logger.Debug().Msg("sync notification sent")

	return result, nil
}

func (s *Impl) formatEvent(event models.SyncEvent) string {
	var b bytes.Buffer

	if event.Success {
		b.WriteString("✅ <b>Remote Sync Successful</b>\n\n")
	} else {
		b.WriteString("❌ <b>Remote Sync Failed</b>\n\n")
	}

	b.WriteString(fmt.Sprintf("📁 <b>Dataset:</b> %s\n", escapeHTML(event.Dataset)))
	b.WriteString(fmt.Sprintf("🖥 <b>Destination:</b> %s\n", escapeHTML(event.Host)))
	b.WriteString(fmt.Sprintf("📸 <b>Snapshot:</b> <code>%s</code>\n", escapeHTML(event.Snapshot)))
	b.WriteString(fmt.Sprintf("⏱ <b>Duration:</b> %s\n", event.Duration.Round(time.Second)))

	if !event.Success && event.Detail != "" {
		b.WriteString(fmt.Sprintf("\n⚠️ <b>Error:</b> <code>%s</code>\n", escapeHTML(event.Detail)))
	}

	return b.String()
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
