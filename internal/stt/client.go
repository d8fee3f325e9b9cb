// Package stt is the HTTP client for the local transcription server.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/okanis/voicebridge/internal/reliability"
)

// Config holds the transcription server endpoint and retry policy.
type Config struct {
	BaseURL       string
	Language      string
	HTTPTimeout   time.Duration
	RetryAttempts int
	RetryBase     time.Duration
	RetryCap      time.Duration
}

func (c *Config) applyDefaults() {
	if c.Language == "" {
		c.Language = "en"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 2
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 250 * time.Millisecond
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 2 * time.Second
	}
}

// Client talks to one transcription server instance.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.HTTPTimeout}}
}

// Transcribe sends a complete WAV recording and returns the transcript,
// trimmed. An empty transcript is not an error; it means nothing was heard.
func (c *Client) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", nil
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(wav); err != nil {
		return "", err
	}
	_ = mw.WriteField("model", "whisper-1")
	_ = mw.WriteField("language", c.cfg.Language)
	if err := mw.Close(); err != nil {
		return "", err
	}

	var text string
	err = reliability.Retry(ctx, c.cfg.RetryAttempts, c.cfg.RetryBase, c.cfg.RetryCap, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/audio/transcriptions", bytes.NewReader(body.Bytes()))
		if err != nil {
			return false, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		resp, err := c.http.Do(req)
		if err != nil {
			return true, fmt.Errorf("transcriptions: %w", err)
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return true, err
		}
		if resp.StatusCode != http.StatusOK {
			return reliability.IsRetryableHTTPStatus(resp.StatusCode),
				fmt.Errorf("transcriptions: HTTP %d %s", resp.StatusCode, strings.TrimSpace(string(b)))
		}
		var out struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(b, &out); err != nil {
			return false, fmt.Errorf("transcriptions: decode response: %w", err)
		}
		text = strings.TrimSpace(out.Text)
		return false, nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// Health probes the transcription server.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: HTTP %d", resp.StatusCode)
	}
	return nil
}
