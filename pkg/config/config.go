package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const DefaultPort = 8765

// Config is the process configuration, read from the environment. Upstream
// credentials are required; everything else has a default.
type Config struct {
	Port     int
	Language string

	DeepgramKey     string
	ElevenLabsKey   string
	ElevenLabsVoice string

	LLMProvider  string // "openai" or "anthropic"
	OpenAIKey    string
	AnthropicKey string
	LLMModel     string

	STTStreaming bool

	// Hand-tuned conversation timings. Deliberately configurable, never zero.
	PlaybackTimeout   time.Duration
	PostPlaybackMute  time.Duration
	PostInterruptMute time.Duration
}

// Load reads the environment. Call godotenv.Load beforehand if a .env file
// should participate.
func Load() (Config, error) {
	cfg := Config{
		Port:              intEnv("PORT", DefaultPort),
		Language:          stringEnv("LANGUAGE", "nl"),
		DeepgramKey:       os.Getenv("DEEPGRAM_API_KEY"),
		ElevenLabsKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoice:   stringEnv("TTS_VOICE", os.Getenv("ELEVENLABS_VOICE_ID")),
		LLMProvider:       stringEnv("LLM_PROVIDER", "openai"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:      os.Getenv("ANTHROPIC_API_KEY"),
		LLMModel:          os.Getenv("LLM_MODEL"),
		STTStreaming:      boolEnv("STT_STREAMING", true),
		PlaybackTimeout:   msEnv("PLAYBACK_TIMEOUT_MS", 30*time.Second),
		PostPlaybackMute:  msEnv("POST_PLAYBACK_MUTE_MS", 500*time.Millisecond),
		PostInterruptMute: msEnv("POST_INTERRUPT_MUTE_MS", 150*time.Millisecond),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DeepgramKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY must be set")
	}
	if c.ElevenLabsKey == "" {
		return fmt.Errorf("ELEVENLABS_API_KEY must be set")
	}
	if c.ElevenLabsVoice == "" {
		return fmt.Errorf("ELEVENLABS_VOICE_ID must be set")
	}

	switch c.LLMProvider {
	case "openai":
		if c.OpenAIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY must be set for the openai LLM")
		}
	case "anthropic":
		if c.AnthropicKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY must be set for the anthropic LLM")
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q (must be openai or anthropic)", c.LLMProvider)
	}

	if c.PlaybackTimeout <= 0 || c.PostPlaybackMute <= 0 || c.PostInterruptMute <= 0 {
		return fmt.Errorf("playback and mute timings must be positive")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	return nil
}

func stringEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func boolEnv(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func msEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
