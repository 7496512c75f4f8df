package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/jacspeelman/dolores-voice/pkg/config"
	"github.com/jacspeelman/dolores-voice/pkg/logging"
	"github.com/jacspeelman/dolores-voice/pkg/orchestrator"
	llmProvider "github.com/jacspeelman/dolores-voice/pkg/providers/llm"
	sttProvider "github.com/jacspeelman/dolores-voice/pkg/providers/stt"
	ttsProvider "github.com/jacspeelman/dolores-voice/pkg/providers/tts"
	"github.com/jacspeelman/dolores-voice/pkg/server"
)

const (
	exitFatal     = 1
	exitPortInUse = 2
	shutdownGrace = 2 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "note: no .env file found, using system environment variables")
	}

	level := zerolog.InfoLevel
	if lv, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && os.Getenv("LOG_LEVEL") != "" {
		level = lv
	}
	logger := logging.New(os.Stderr, level)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(exitFatal)
	}

	stt := sttProvider.NewDeepgram(cfg.DeepgramKey)
	stt.SetLanguage(cfg.Language)
	stt.SetInterimResults(cfg.STTStreaming)

	var llm orchestrator.LLMProvider
	switch cfg.LLMProvider {
	case "anthropic":
		llm = llmProvider.NewAnthropicLLM(cfg.AnthropicKey, cfg.LLMModel)
	case "openai":
		fallthrough
	default:
		llm = llmProvider.NewOpenAILLM(cfg.OpenAIKey, cfg.LLMModel)
	}

	tts := ttsProvider.NewElevenLabs(cfg.ElevenLabsKey, cfg.ElevenLabsVoice)

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.Language = cfg.Language
	orchCfg.PlaybackTimeout = cfg.PlaybackTimeout
	orchCfg.PostPlaybackMute = cfg.PostPlaybackMute
	orchCfg.PostInterruptMute = cfg.PostInterruptMute

	srv := server.New(server.Options{
		STT:    stt,
		LLM:    llm,
		TTS:    tts,
		Config: orchCfg,
		Logger: logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(fmt.Sprintf(":%d", cfg.Port))
	}()

	select {
	case err := <-errCh:
		if err != nil {
			if isAddrInUse(err) {
				logger.Error("port already bound", "port", cfg.Port, "error", err)
				os.Exit(exitPortInUse)
			}
			logger.Error("server failed", "error", err)
			os.Exit(exitFatal)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) ||
		strings.Contains(err.Error(), "address already in use")
}
