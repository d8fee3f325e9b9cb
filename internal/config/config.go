// Package config loads all runtime settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice bridge.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	TTSBaseURL string
	STTBaseURL string

	DefaultVoice string
	Language     string

	SampleRate      int
	ChunkSize       int
	StallThreshold  time.Duration
	DrainMargin     time.Duration
	DrainPoll       time.Duration
	FallbackLatency time.Duration

	VADFrameDuration  time.Duration
	VADAggressiveness int

	ListenMaxDuration    time.Duration
	ListenSilenceTimeout time.Duration
	RecoveryListenMax    time.Duration
	RecoverySilence      time.Duration

	MicStatePath string
	DatabaseURL  string

	HTTPTimeout          time.Duration
	ServiceProbeInterval time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8787"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voicebridge"),
		AllowAnyOrigin:   false,

		TTSBaseURL: envOrDefault("TTS_BASE_URL", "http://127.0.0.1:7851"),
		STTBaseURL: envOrDefault("STT_BASE_URL", "http://127.0.0.1:8000"),

		DefaultVoice: envOrDefault("TTS_DEFAULT_VOICE", "Freya.wav"),
		Language:     envOrDefault("TTS_LANGUAGE", "en"),

		SampleRate:      16000,
		ChunkSize:       4096,
		StallThreshold:  10 * time.Second,
		DrainMargin:     500 * time.Millisecond,
		DrainPoll:       50 * time.Millisecond,
		FallbackLatency: 200 * time.Millisecond,

		VADFrameDuration:  30 * time.Millisecond,
		VADAggressiveness: 2,

		ListenMaxDuration:    10 * time.Second,
		ListenSilenceTimeout: 2 * time.Second,
		RecoveryListenMax:    8 * time.Second,
		RecoverySilence:      3 * time.Second,

		MicStatePath: envOrDefault("MIC_STATE_PATH", "mic_state.json"),
		DatabaseURL:  stringsTrimSpace("DATABASE_URL"),

		ShutdownTimeout:      15 * time.Second,
		HTTPTimeout:          30 * time.Second,
		ServiceProbeInterval: 30 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("CAPTURE_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.ChunkSize, err = intFromEnv("PLAYBACK_CHUNK_SIZE", cfg.ChunkSize)
	if err != nil {
		return Config{}, err
	}
	cfg.StallThreshold, err = durationFromEnv("PLAYBACK_STALL_THRESHOLD", cfg.StallThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.DrainMargin, err = durationFromEnv("PLAYBACK_DRAIN_MARGIN", cfg.DrainMargin)
	if err != nil {
		return Config{}, err
	}
	cfg.DrainPoll, err = durationFromEnv("PLAYBACK_DRAIN_POLL", cfg.DrainPoll)
	if err != nil {
		return Config{}, err
	}
	cfg.FallbackLatency, err = durationFromEnv("PLAYBACK_FALLBACK_LATENCY", cfg.FallbackLatency)
	if err != nil {
		return Config{}, err
	}
	cfg.VADFrameDuration, err = durationFromEnv("VAD_FRAME_DURATION", cfg.VADFrameDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.VADAggressiveness, err = intFromEnv("VAD_AGGRESSIVENESS", cfg.VADAggressiveness)
	if err != nil {
		return Config{}, err
	}
	cfg.ListenMaxDuration, err = durationFromEnv("LISTEN_MAX_DURATION", cfg.ListenMaxDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.ListenSilenceTimeout, err = durationFromEnv("LISTEN_SILENCE_TIMEOUT", cfg.ListenSilenceTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RecoveryListenMax, err = durationFromEnv("RECOVERY_LISTEN_MAX", cfg.RecoveryListenMax)
	if err != nil {
		return Config{}, err
	}
	cfg.RecoverySilence, err = durationFromEnv("RECOVERY_SILENCE_TIMEOUT", cfg.RecoverySilence)
	if err != nil {
		return Config{}, err
	}
	cfg.HTTPTimeout, err = durationFromEnv("APP_HTTP_TIMEOUT", cfg.HTTPTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ServiceProbeInterval, err = durationFromEnv("SERVICE_PROBE_INTERVAL", cfg.ServiceProbeInterval)
	if err != nil {
		return Config{}, err
	}

	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("CAPTURE_SAMPLE_RATE must be positive")
	}
	if cfg.ChunkSize <= 0 {
		return Config{}, fmt.Errorf("PLAYBACK_CHUNK_SIZE must be positive")
	}
	if cfg.StallThreshold < time.Second {
		return Config{}, fmt.Errorf("PLAYBACK_STALL_THRESHOLD must be at least 1s")
	}
	if cfg.VADFrameDuration < 10*time.Millisecond || cfg.VADFrameDuration > 100*time.Millisecond {
		return Config{}, fmt.Errorf("VAD_FRAME_DURATION must be between 10ms and 100ms")
	}
	if cfg.VADAggressiveness < 0 || cfg.VADAggressiveness > 3 {
		return Config{}, fmt.Errorf("VAD_AGGRESSIVENESS must be in [0, 3]")
	}
	if cfg.ListenSilenceTimeout >= cfg.ListenMaxDuration {
		return Config{}, fmt.Errorf("LISTEN_SILENCE_TIMEOUT must be shorter than LISTEN_MAX_DURATION")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
