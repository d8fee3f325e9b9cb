// Package httpapi exposes the bridge over HTTP: voice operations, mic panel
// state, the level websocket, and operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/okanis/voicebridge/internal/capture"
	"github.com/okanis/voicebridge/internal/micstate"
	"github.com/okanis/voicebridge/internal/observability"
	"github.com/okanis/voicebridge/internal/transcript"
	"github.com/okanis/voicebridge/internal/voicemode"
)

// VoiceService is the voicemode surface the HTTP layer drives.
type VoiceService interface {
	SpeakWithRecovery(ctx context.Context, text string) (voicemode.SpeakResult, error)
	Listen(ctx context.Context) (voicemode.ListenResult, error)
	Converse(ctx context.Context, text string) (voicemode.ConverseResult, error)
	SetVoice(ctx context.Context, voice string) error
	Voice() string
	Voices(ctx context.Context) ([]string, error)
	Status(ctx context.Context) voicemode.Status
	Transcript(ctx context.Context, limit int) ([]transcript.Utterance, error)
}

type Config struct {
	AllowAnyOrigin bool
	LevelInterval  time.Duration
}

type Server struct {
	cfg      Config
	svc      VoiceService
	mic      *micstate.File
	meter    *capture.LevelMeter
	metrics  *observability.Metrics
	stages   *observability.StageWindow
	upgrader websocket.Upgrader
}

func New(cfg Config, svc VoiceService, mic *micstate.File, meter *capture.LevelMeter, metrics *observability.Metrics, stages *observability.StageWindow) *Server {
	if cfg.LevelInterval <= 0 {
		cfg.LevelInterval = 100 * time.Millisecond
	}
	return &Server{
		cfg:     cfg,
		svc:     svc,
		mic:     mic,
		meter:   meter,
		metrics: metrics,
		stages:  stages,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive the mic panel unless the
				// deployment explicitly opens it up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/voice/speak", s.handleSpeak)
	r.Post("/v1/voice/listen", s.handleListen)
	r.Post("/v1/voice/converse", s.handleConverse)
	r.Put("/v1/voice/voice", s.handleSetVoice)
	r.Get("/v1/voice/voices", s.handleVoices)
	r.Get("/v1/voice/status", s.handleStatus)

	r.Get("/v1/mic/state", s.handleGetMicState)
	r.Put("/v1/mic/state", s.handlePutMicState)
	r.Get("/v1/mic/ws", s.handleMicWS)

	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/transcript", s.handleTranscript)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	st := s.svc.Status(r.Context())
	if !st.ServicesAvailable {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"voice":  st,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"voice":  st,
	})
}

type speakRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "empty_text", "text is required")
		return
	}
	res, err := s.svc.SpeakWithRecovery(r.Context(), req.Text)
	if err != nil {
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":  err.Error(),
			"result": res,
		})
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Listen(r.Context())
	if err != nil {
		if errors.Is(err, voicemode.ErrVoiceModeDisabled) {
			respondError(w, http.StatusConflict, "voice_disabled", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "listen_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleConverse(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "empty_text", "text is required")
		return
	}
	res, err := s.svc.Converse(r.Context(), req.Text)
	if err != nil {
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":  err.Error(),
			"result": res,
		})
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type setVoiceRequest struct {
	Voice string `json:"voice"`
}

func (s *Server) handleSetVoice(w http.ResponseWriter, r *http.Request) {
	var req setVoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.svc.SetVoice(r.Context(), req.Voice); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid_voice", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"voice": s.svc.Voice()})
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.svc.Voices(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "voices_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"voices": voices,
		"active": s.svc.Voice(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Status(r.Context()))
}

func (s *Server) handleGetMicState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.mic.Load())
}

func (s *Server) handlePutMicState(w http.ResponseWriter, r *http.Request) {
	var req micstate.State
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	switch req.Mode {
	case micstate.ModePushToTalk, micstate.ModeToggle, micstate.ModeAlwaysOn:
	default:
		respondError(w, http.StatusBadRequest, "invalid_mode", "mode must be push_to_talk, toggle, or always_on")
		return
	}
	if req.Volume < 0 || req.Volume > 2 {
		respondError(w, http.StatusBadRequest, "invalid_volume", "volume must be in [0, 2]")
		return
	}
	if err := s.mic.Save(req); err != nil {
		respondError(w, http.StatusInternalServerError, "save_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, req)
}

// micLevelFrame is one websocket push to the panel.
type micLevelFrame struct {
	Type      string  `json:"type"`
	Level     float64 `json:"level"`
	Muted     bool    `json:"muted"`
	Recording bool    `json:"recording"`
	TTSPaused bool    `json:"tts_paused"`
}

// micTranscriptFrame reports the result of a panel-triggered capture.
type micTranscriptFrame struct {
	Type       string `json:"type"`
	Heard      bool   `json:"heard"`
	Transcript string `json:"transcript"`
	Error      string `json:"error,omitempty"`
}

// micControl is an inbound websocket command from the panel.
type micControl struct {
	Action string  `json:"action"`
	Volume float64 `json:"volume"`
}

func (s *Server) handleMicWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	results := make(chan micTranscriptFrame, 4)
	var listenActive atomic.Bool

	// Writer: push the level at a fixed cadence, plus capture results as
	// they land.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(s.cfg.LevelInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case res := <-results:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(res); err != nil {
					cancel()
					return
				}
			case <-ticker.C:
				st := s.mic.Load()
				frame := micLevelFrame{
					Type:      "level",
					Muted:     st.Muted,
					Recording: st.Recording,
					TTSPaused: st.TTSPaused,
				}
				if s.meter != nil {
					frame.Level = s.meter.Level()
				}
				if s.metrics != nil {
					s.metrics.MicLevel.Set(frame.Level)
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(frame); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(4096)
	for {
		var cmd micControl
		if err := conn.ReadJSON(&cmd); err != nil {
			break
		}
		s.applyMicControl(cmd)
		if cmd.Action == "start_recording" {
			s.startPanelListen(ctx, &listenActive, results)
		}
	}
	cancel()
	<-writerDone
}

// startPanelListen runs one capture-and-transcribe session for a panel
// start_recording control and queues the transcript for the writer. At most
// one session per connection runs at a time; the session ends on the capture
// engine's own silence timeout or max duration, so stop_recording only
// clears the display flag.
func (s *Server) startPanelListen(ctx context.Context, active *atomic.Bool, results chan<- micTranscriptFrame) {
	if !active.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer active.Store(false)
		res, err := s.svc.Listen(ctx)
		_, _ = s.mic.Update(func(st *micstate.State) { st.Recording = false })
		frame := micTranscriptFrame{Type: "transcript", Heard: res.Heard, Transcript: res.Transcript}
		if err != nil {
			frame.Error = err.Error()
		}
		select {
		case results <- frame:
		case <-ctx.Done():
		}
	}()
}

func (s *Server) applyMicControl(cmd micControl) {
	_, _ = s.mic.Update(func(st *micstate.State) {
		switch cmd.Action {
		case "mute":
			st.Muted = true
		case "unmute":
			st.Muted = false
		case "start_recording":
			st.Recording = true
		case "stop_recording":
			st.Recording = false
		case "pause_tts":
			st.TTSPaused = true
		case "resume_tts":
			st.TTSPaused = false
		case "set_volume":
			if cmd.Volume >= 0 && cmd.Volume <= 2 {
				st.Volume = cmd.Volume
			}
		}
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	if s.stages == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	if r.URL.Query().Get("reset") == "true" {
		s.stages.Reset()
	}
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be in [1, 1000]")
			return
		}
		limit = n
	}
	rows, err := s.svc.Transcript(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "transcript_failed", err.Error())
		return
	}
	if rows == nil {
		rows = []transcript.Utterance{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"utterances": rows})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
