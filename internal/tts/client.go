// Package tts is the HTTP client for the local speech synthesis server. It
// exposes the streaming endpoint the playback engine consumes plus the two
// non-streaming synthesis routes the fallback chain relies on.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/okanis/voicebridge/internal/reliability"
)

const errBodyLimit = 4096

// Config holds the synthesis server endpoint and retry policy.
type Config struct {
	BaseURL       string
	HTTPTimeout   time.Duration
	RetryAttempts int
	RetryBase     time.Duration
	RetryCap      time.Duration
}

func (c *Config) applyDefaults() {
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

// Client talks to one synthesis server instance.
type Client struct {
	cfg    Config
	http   *http.Client
	stream *http.Client
}

func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.HTTPTimeout},
		// Streaming responses outlive any sane request timeout; the caller's
		// context bounds them instead.
		stream: &http.Client{},
	}
}

// OpenStream starts a streaming synthesis request and hands the raw WAV body
// to the caller, who owns closing it. No retry here: a broken stream is the
// playback engine's signal to stop trusting the streaming path.
func (c *Client) OpenStream(ctx context.Context, text, voice, language string) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("text", text)
	q.Set("voice", voice)
	q.Set("language", language)
	q.Set("output_file", "stream_output.wav")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tts-generate-streaming?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open synthesis stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, httpError("tts-generate-streaming", resp)
	}
	return resp.Body, nil
}

// Speech synthesizes text through the OpenAI-compatible route and returns a
// complete WAV clip.
func (c *Client) Speech(ctx context.Context, text, voice string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{
		"input":           text,
		"voice":           voice,
		"model":           "tts-1",
		"response_format": "wav",
	})
	if err != nil {
		return nil, err
	}

	var clip []byte
	err = reliability.Retry(ctx, c.cfg.RetryAttempts, c.cfg.RetryBase, c.cfg.RetryCap, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/audio/speech", bytes.NewReader(payload))
		if err != nil {
			return false, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return true, fmt.Errorf("audio/speech: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return reliability.IsRetryableHTTPStatus(resp.StatusCode), httpError("audio/speech", resp)
		}
		clip, err = io.ReadAll(resp.Body)
		return true, err
	})
	if err != nil {
		return nil, err
	}
	return clip, nil
}

// Generate synthesizes text through the native form route, then fetches the
// produced file. Two round trips, but it works on servers where the
// OpenAI-compatible route is disabled.
func (c *Client) Generate(ctx context.Context, text, voice, language string) ([]byte, error) {
	form := url.Values{}
	form.Set("text_input", text)
	form.Set("text_filtering", "standard")
	form.Set("character_voice_gen", voice)
	form.Set("narrator_enabled", "false")
	form.Set("language", language)
	form.Set("output_file_name", "fallback_output")
	form.Set("output_file_timestamp", "true")
	form.Set("autoplay", "false")

	var fileURL string
	err := reliability.Retry(ctx, c.cfg.RetryAttempts, c.cfg.RetryBase, c.cfg.RetryCap, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/tts-generate", strings.NewReader(form.Encode()))
		if err != nil {
			return false, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := c.http.Do(req)
		if err != nil {
			return true, fmt.Errorf("tts-generate: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return reliability.IsRetryableHTTPStatus(resp.StatusCode), httpError("tts-generate", resp)
		}
		var out struct {
			OutputFileURL string `json:"output_file_url"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
			return false, fmt.Errorf("tts-generate: decode response: %w", err)
		}
		if strings.TrimSpace(out.OutputFileURL) == "" {
			return false, fmt.Errorf("tts-generate: empty output_file_url")
		}
		fileURL = out.OutputFileURL
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(fileURL, "/") {
		fileURL = c.cfg.BaseURL + fileURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch generated clip: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("fetch generated clip", resp)
	}
	return io.ReadAll(resp.Body)
}

// Voices lists the voices installed on the synthesis server.
func (c *Client) Voices(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/voices", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("voices", resp)
	}
	var out struct {
		Voices []string `json:"voices"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("voices: decode response: %w", err)
	}
	return out.Voices, nil
}

// Ready probes the server's readiness endpoint.
func (c *Client) Ready(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/ready", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64))
	return resp.StatusCode == http.StatusOK && strings.TrimSpace(string(b)) == "Ready"
}

// StopGeneration asks the server to abort any in-flight synthesis. Used when
// playback is paused so the server does not keep burning GPU on audio nobody
// will hear.
func (c *Client) StopGeneration(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.cfg.BaseURL+"/api/stop-generation", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("stop-generation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError("stop-generation", resp)
	}
	return nil
}

func httpError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
	return fmt.Errorf("%s: HTTP %d %s", op, resp.StatusCode, strings.TrimSpace(string(msg)))
}
