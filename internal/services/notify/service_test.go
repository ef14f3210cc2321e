package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zfstools/autobackupd/internal/models"
)

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if m.doFunc != nil {
		return m.doFunc(req)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
	}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() models.TelegramConfig {
	return models.TelegramConfig{
		BotToken: "test-token",
		ChatID:   "12345",
	}
}

func testEvent(success bool) models.SyncEvent {
	return models.SyncEvent{
		Dataset:  "tank/data",
		Host:     "backupsrv",
		Snapshot: "daily_backup_2025-01-15-00-00",
		Success:  success,
		Detail:   "connection reset",
		Duration: 42 * time.Second,
	}
}

func TestSendSyncEvent_Success(t *testing.T) {
	var capturedURL string
	var capturedBody sendMessageRequest

	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			capturedURL = req.URL.String()
			require.NoError(t, json.NewDecoder(req.Body).Decode(&capturedBody))
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
			}, nil
		},
	}

	svc := NewWithClient(testLogger(), client, "https://api.example.com")
	result, err := svc.SendSyncEvent(context.Background(), testConfig(), testEvent(true))

	require.NoError(t, err)
	assert.True(t, result.MessageSent)
	assert.Nil(t, result.Error)
	assert.Equal(t, "https://api.example.com/bottest-token/sendMessage", capturedURL)
	assert.Equal(t, "12345", capturedBody.ChatID)
	assert.Contains(t, capturedBody.Text, "Remote Sync Successful")
	assert.Contains(t, capturedBody.Text, "tank/data")
	assert.Contains(t, capturedBody.Text, "backupsrv")
}

func TestSendSyncEvent_FailureIncludesDetail(t *testing.T) {
	var capturedBody sendMessageRequest
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			require.NoError(t, json.NewDecoder(req.Body).Decode(&capturedBody))
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
			}, nil
		},
	}

	svc := NewWithClient(testLogger(), client, "https://api.example.com")
	result, err := svc.SendSyncEvent(context.Background(), testConfig(), testEvent(false))

	require.NoError(t, err)
	assert.True(t, result.MessageSent)
	assert.Contains(t, capturedBody.Text, "Remote Sync Failed")
	assert.Contains(t, capturedBody.Text, "connection reset")
}

func TestSendSyncEvent_HTTPError(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("network unreachable")
		},
	}

	svc := NewWithClient(testLogger(), client, "https://api.example.com")
	result, err := svc.SendSyncEvent(context.Background(), testConfig(), testEvent(true))

	require.NoError(t, err)
	assert.False(t, result.MessageSent)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "network unreachable")
}

func TestSendSyncEvent_APIError(t *testing.T) {
	client := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusForbidden,
				Body:       io.NopCloser(strings.NewReader(`{"ok":false}`)),
			}, nil
		},
	}

	svc := NewWithClient(testLogger(), client, "https://api.example.com")
	result, err := svc.SendSyncEvent(context.Background(), testConfig(), testEvent(true))

	require.NoError(t, err)
	assert.False(t, result.MessageSent)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "403")
}

func TestFormatEvent_EscapesHTML(t *testing.T) {
	svc := New(testLogger())

	event := testEvent(false)
	event.Detail = "stream <bad> & broken"

	text := svc.formatEvent(event)
	assert.Contains(t, text, "stream &lt;bad&gt; &amp; broken")
}
