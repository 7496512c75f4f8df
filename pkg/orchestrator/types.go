package orchestrator

import (
	"context"
	"time"
)

// Logger is the minimal logging surface the pipeline needs. Callers plug in
// a real implementation (see pkg/logging); the default is a no-op.
type Logger interface {
	Debug(msg string, args ...interface{})

	Info(msg string, args ...interface{})

	Warn(msg string, args ...interface{})

	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// State is the session's pipeline phase. Transitions happen only inside the
// session actor, so observers always see a total order.
type State string

const (
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
)

// STTEventKind discriminates events coming back from a live STT upstream.
type STTEventKind int

const (
	STTInterim STTEventKind = iota
	STTFinal
	STTUtteranceEnd
	STTError
	STTClosed
)

// STTEvent is the single message type a live STT session publishes.
// Interim and Final carry the segment text; UtteranceEnd carries the full
// accumulated transcript of the user turn.
type STTEvent struct {
	Kind STTEventKind
	Text string
	Err  error
}

// STTStream is one bound upstream STT connection. Send must not block the
// caller; Close tears the upstream down and is idempotent.
type STTStream interface {
	Send(pcm []byte) error
	Close() error
}

// STTProvider opens live transcription sessions. The ctx bounds the startup
// handshake only; the returned stream lives until Close.
type STTProvider interface {
	Start(ctx context.Context, onEvent func(STTEvent)) (STTStream, error)
	Name() string
}

// LLMProvider streams a chat completion. onDelta is invoked for each text
// fragment in order; returning an error stops the stream. Non-text output
// (tool calls, media references) never reaches onDelta.
type LLMProvider interface {
	Stream(ctx context.Context, messages []Message, onDelta func(delta string) error) error
	Name() string
}

// TTSProvider synthesizes one sentence into one raw PCM S16LE 16kHz mono
// artifact.
type TTSProvider interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Name() string
}

// SpeakerVerifier gates inbound audio frames before they reach the STT
// upstream. The default accepts everything.
type SpeakerVerifier interface {
	Authorized(pcm []byte) bool
	Name() string
}

type allowAllVerifier struct{}

func (allowAllVerifier) Authorized(pcm []byte) bool { return true }
func (allowAllVerifier) Name() string               { return "off" }

// AllowAllSpeakers is the verifier used when no speaker verification is
// configured.
func AllowAllSpeakers() SpeakerVerifier { return allowAllVerifier{} }

// Sender is the session's outbound edge. Implementations must not block the
// caller; the transport queues and applies its own backpressure policy.
type Sender interface {
	SendState(state State)
	SendTranscript(text string)
	SendAudio(index int, pcm []byte)
	SendAudioEnd()
	SendError(reason string)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Config struct {
	Language     string
	SystemPrompt string

	SampleRate int
	Channels   int

	STTStartTimeout time.Duration
	LLMTimeout      time.Duration
	TTSTimeout      time.Duration

	// Hand-tuned conversation timings. All three must be non-zero.
	PlaybackTimeout   time.Duration
	PostPlaybackMute  time.Duration
	PostInterruptMute time.Duration
}

func DefaultConfig() Config {
	return Config{
		Language:          "nl",
		SystemPrompt:      DefaultSystemPrompt,
		SampleRate:        16000,
		Channels:          1,
		STTStartTimeout:   10 * time.Second,
		LLMTimeout:        30 * time.Second,
		TTSTimeout:        30 * time.Second,
		PlaybackTimeout:   30 * time.Second,
		PostPlaybackMute:  500 * time.Millisecond,
		PostInterruptMute: 150 * time.Millisecond,
	}
}

// DefaultSystemPrompt is the fixed contract sent with every LLM request:
// short spoken answers, no markup the TTS would read aloud.
const DefaultSystemPrompt = "Je bent een behulpzame spraakassistent. Antwoord kort, in een tot drie zinnen, " +
	"in natuurlijke spreektaal. Gebruik geen opsommingstekens, markdown of andere opmaak."
