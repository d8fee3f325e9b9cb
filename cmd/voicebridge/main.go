package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/okanis/voicebridge/internal/capture"
	"github.com/okanis/voicebridge/internal/config"
	"github.com/okanis/voicebridge/internal/device"
	"github.com/okanis/voicebridge/internal/httpapi"
	"github.com/okanis/voicebridge/internal/micstate"
	"github.com/okanis/voicebridge/internal/observability"
	"github.com/okanis/voicebridge/internal/playback"
	"github.com/okanis/voicebridge/internal/stt"
	"github.com/okanis/voicebridge/internal/transcript"
	"github.com/okanis/voicebridge/internal/tts"
	"github.com/okanis/voicebridge/internal/vad"
	"github.com/okanis/voicebridge/internal/voicemode"
)

func main() {
	// .env is optional; deployments usually set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(512)

	ctx := context.Background()
	transcripts, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer transcripts.Close()

	backend := device.NewPortAudio()
	if err := backend.Initialize(); err != nil {
		log.Fatalf("audio backend init failed: %v", err)
	}
	defer func() {
		if err := backend.Terminate(); err != nil {
			log.Printf("audio backend terminate failed: %v", err)
		}
	}()

	mic := micstate.NewFile(cfg.MicStatePath)
	meter := capture.NewLevelMeter(func() float64 { return mic.Load().Volume })

	frameSize := int(float64(cfg.SampleRate) * cfg.VADFrameDuration.Seconds())
	input, err := backend.OpenInput(cfg.SampleRate, 1, frameSize)
	if err != nil {
		log.Fatalf("open microphone failed: %v", err)
	}

	source := capture.NewSource(input, meter, mic.Muted)
	capturer := capture.NewCapturer(source, capture.Config{
		SampleRate:    cfg.SampleRate,
		FrameDuration: cfg.VADFrameDuration,
		Detector:      vad.NewEnergy(cfg.VADAggressiveness),
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go func() {
		if err := source.Run(runCtx); err != nil {
			log.Printf("capture source stopped: %v", err)
		}
	}()

	playCfg := playback.Config{
		ChunkSize:       cfg.ChunkSize,
		StallThreshold:  cfg.StallThreshold,
		DrainMargin:     cfg.DrainMargin,
		DrainPoll:       cfg.DrainPoll,
		FallbackLatency: cfg.FallbackLatency,
	}
	engine := playback.NewEngine(backend, mic.Paused, playCfg)
	player := playback.NewPlayer(backend, mic.Paused, playCfg)

	ttsClient := tts.NewClient(tts.Config{
		BaseURL:     cfg.TTSBaseURL,
		HTTPTimeout: cfg.HTTPTimeout,
	})
	sttClient := stt.NewClient(stt.Config{
		BaseURL:     cfg.STTBaseURL,
		Language:    cfg.Language,
		HTTPTimeout: cfg.HTTPTimeout,
	})

	chain := playback.NewChain(player,
		&tts.SpeechStrategy{Client: ttsClient},
		&tts.GenerateStrategy{Client: ttsClient, Language: cfg.Language},
	)

	svc := voicemode.NewService(voicemode.Deps{
		TTS:         ttsClient,
		STT:         sttClient,
		Engine:      engine,
		Fallback:    chain,
		Capture:     capturer,
		Mic:         mic,
		Transcripts: transcripts,
		Metrics:     metrics,
		Stages:      stages,
	}, voicemode.Options{
		Voice:                cfg.DefaultVoice,
		Language:             cfg.Language,
		SampleRate:           cfg.SampleRate,
		ListenMaxDuration:    cfg.ListenMaxDuration,
		ListenSilenceTimeout: cfg.ListenSilenceTimeout,
		RecoveryListenMax:    cfg.RecoveryListenMax,
		RecoverySilence:      cfg.RecoverySilence,
		ServiceProbeInterval: cfg.ServiceProbeInterval,
	})

	api := httpapi.New(httpapi.Config{AllowAnyOrigin: cfg.AllowAnyOrigin}, svc, mic, meter, metrics, stages)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	// Closing the stream unblocks the source's pending device read.
	_ = input.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
