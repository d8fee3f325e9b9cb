// voiceperf replays speak turns against a running bridge and reports the
// per-stage latency snapshot afterwards. It exercises the same HTTP surface a
// real agent integration uses.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okanis/voicebridge/internal/observability"
	"github.com/okanis/voicebridge/internal/voicemode"
)

type options struct {
	baseURL      string
	turns        int
	interTurn    time.Duration
	speakTimeout time.Duration
	texts        []string
	watchMic     bool
	reset        bool
	verbose      bool
}

var defaultUtterances = []string{
	"Checking the streaming playback path, one.",
	"Checking the streaming playback path, two.",
	"This is a longer utterance so the stall detector has a realistic stream to watch while the buffer fills.",
	"Short check.",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceperf: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voiceperf: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var speakTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8787", "bridge base URL")
	flag.IntVar(&cfg.turns, "turns", 8, "number of speak turns to replay")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 250, "delay between turns in milliseconds")
	flag.IntVar(&speakTimeoutMS, "speak-timeout-ms", 60000, "per-turn timeout in milliseconds")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.watchMic, "watch-mic", false, "subscribe to the mic level websocket during the run")
	flag.BoolVar(&cfg.reset, "reset", true, "reset the latency window before replaying")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if speakTimeoutMS < 1000 {
		speakTimeoutMS = 1000
	}
	cfg.interTurn = time.Duration(interTurnMS) * time.Millisecond
	cfg.speakTimeout = time.Duration(speakTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	client := &http.Client{Timeout: cfg.speakTimeout}

	if cfg.reset {
		if _, err := fetchLatency(ctx, client, cfg.baseURL, true); err != nil {
			return fmt.Errorf("reset latency window: %w", err)
		}
	}

	if cfg.watchMic {
		stop, err := watchMic(ctx, cfg.baseURL)
		if err != nil {
			return fmt.Errorf("mic websocket: %w", err)
		}
		defer stop()
	}

	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		start := time.Now()
		res, err := speak(ctx, client, cfg.baseURL, text)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		if cfg.verbose {
			fmt.Printf("voiceperf: turn %d/%d route=%s spoken=%v wall=%s\n",
				i+1, cfg.turns, res.Route, res.Spoken, time.Since(start).Round(time.Millisecond))
			if res.Instruction != "" {
				fmt.Printf("voiceperf:   instruction: %s\n", res.Instruction)
			}
		}
		if cfg.interTurn > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurn)
		}
	}

	snap, err := fetchLatency(ctx, client, cfg.baseURL, false)
	if err != nil {
		return fmt.Errorf("fetch latency snapshot: %w", err)
	}
	printSnapshot(snap)
	return nil
}

func speak(ctx context.Context, client *http.Client, baseURL, text string) (voicemode.SpeakResult, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return voicemode.SpeakResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/voice/speak", bytes.NewReader(payload))
	if err != nil {
		return voicemode.SpeakResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return voicemode.SpeakResult{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return voicemode.SpeakResult{}, err
	}
	if res.StatusCode != http.StatusOK {
		return voicemode.SpeakResult{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out voicemode.SpeakResult
	if err := json.Unmarshal(body, &out); err != nil {
		return voicemode.SpeakResult{}, err
	}
	return out, nil
}

func fetchLatency(ctx context.Context, client *http.Client, baseURL string, reset bool) (observability.StageSnapshot, error) {
	u := baseURL + "/v1/perf/latency"
	if reset {
		u += "?reset=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return observability.StageSnapshot{}, err
	}
	res, err := client.Do(req)
	if err != nil {
		return observability.StageSnapshot{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return observability.StageSnapshot{}, err
	}
	if res.StatusCode != http.StatusOK {
		return observability.StageSnapshot{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var snap observability.StageSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return observability.StageSnapshot{}, err
	}
	return snap, nil
}

func printSnapshot(snap observability.StageSnapshot) {
	fmt.Printf("voiceperf: latency window=%d generated_at=%s\n", snap.WindowSize, snap.GeneratedAt.Format(time.RFC3339))
	if len(snap.Stages) == 0 {
		fmt.Println("voiceperf: no stage samples recorded")
		return
	}
	fmt.Printf("%-14s %7s %9s %9s %9s %9s %11s\n", "stage", "n", "last_ms", "avg_ms", "p50_ms", "p95_ms", "target_p95")
	for _, st := range snap.Stages {
		target := "-"
		if st.TargetP95MS > 0 {
			target = fmt.Sprintf("%.0f", st.TargetP95MS)
			if st.P95MS > st.TargetP95MS {
				target += " !"
			}
		}
		fmt.Printf("%-14s %7d %9.1f %9.1f %9.1f %9.1f %11s\n",
			st.Stage, st.Samples, st.LastMS, st.AvgMS, st.P50MS, st.P95MS, target)
	}
	for _, ind := range snap.Indicators {
		fmt.Printf("voiceperf: indicator %s=%d\n", ind.Name, ind.Count)
	}
}

func watchMic(ctx context.Context, baseURL string) (func(), error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/mic/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			var frame struct {
				Level     float64 `json:"level"`
				Muted     bool    `json:"muted"`
				TTSPaused bool    `json:"tts_paused"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			fmt.Printf("voiceperf: mic level=%.3f muted=%v tts_paused=%v\n", frame.Level, frame.Muted, frame.TTSPaused)
		}
	}()
	return func() { _ = conn.Close() }, nil
}
