package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("speech to text not configured")

const maxErrorBody = 512

// WhisperConfig points at an OpenAI-compatible transcription API.
type WhisperConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// WhisperClient calls POST {BaseURL}/audio/transcriptions.
type WhisperClient struct {
	cfg    WhisperConfig
	http   *http.Client
	logger *zap.Logger
}

// NewWhisperClient creates a speech-to-text client.
func NewWhisperClient(cfg WhisperConfig, logger *zap.Logger) *WhisperClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &WhisperClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

type whisperResponse struct {
	Text string `json:"text"`
}

type whisperError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Transcribe uploads audio as multipart form data and returns the recognised text.
func (c *WhisperClient) Transcribe(ctx context.Context, audio []byte, filename, language string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrNotConfigured
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	fields := map[string]string{"model": c.cfg.Model, "response_format": "json"}
	if language != "" {
		fields["language"] = language
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("post transcription: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr whisperError
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		c.logger.Warn("transcription api error", zap.Int("status", resp.StatusCode), zap.String("message", msg))
		return "", fmt.Errorf("transcription api: status %d: %s", resp.StatusCode, msg)
	}

	var out whisperResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return out.Text, nil
}
