package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/jacspeelman/dolores-voice/pkg/orchestrator"
)

const (
	defaultModel = "nova-2"

	// Upstream endpointing: ~500ms of silence closes a segment, ~1500ms of
	// silence after the last word ends the utterance.
	endpointingMs   = 500
	utteranceEndMs  = 1500
	sendQueueFrames = 256
)

// Deepgram opens live transcription sessions against the Deepgram streaming
// API. One Start call binds exactly one upstream WebSocket.
type Deepgram struct {
	apiKey   string
	host     string
	model    string
	language string
	interim  bool
}

func NewDeepgram(apiKey string) *Deepgram {
	return &Deepgram{
		apiKey:   apiKey,
		host:     "api.deepgram.com",
		model:    defaultModel,
		language: "nl",
		interim:  true,
	}
}

// SetLanguage overrides the transcription language (BCP-47 or ISO 639-1).
func (d *Deepgram) SetLanguage(lang string) {
	if lang != "" {
		d.language = lang
	}
}

// SetInterimResults toggles interim transcripts from the upstream.
func (d *Deepgram) SetInterimResults(enabled bool) {
	d.interim = enabled
}

func (d *Deepgram) Name() string {
	return "deepgram"
}

func (d *Deepgram) Start(ctx context.Context, onEvent func(orchestrator.STTEvent)) (orchestrator.STTStream, error) {
	params := url.Values{}
	params.Set("model", d.model)
	params.Set("language", d.language)
	params.Set("encoding", "linear16")
	params.Set("sample_rate", "16000")
	params.Set("channels", "1")
	params.Set("smart_format", "true")
	params.Set("interim_results", fmt.Sprintf("%t", d.interim))
	params.Set("endpointing", fmt.Sprintf("%d", endpointingMs))
	params.Set("utterance_end_ms", fmt.Sprintf("%d", utteranceEndMs))

	u := url.URL{Scheme: "wss", Host: d.host, Path: "/v1/listen", RawQuery: params.Encode()}

	header := http.Header{}
	header.Set("Authorization", "Token "+d.apiKey)

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to deepgram: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	streamCtx, cancel := context.WithCancel(context.Background())
	ls := &liveStream{
		conn:    conn,
		onEvent: onEvent,
		frames:  make(chan []byte, sendQueueFrames),
		ctx:     streamCtx,
		cancel:  cancel,
	}
	go ls.writeLoop()
	go ls.readLoop()

	return ls, nil
}

// liveStream is one bound Deepgram connection. It accumulates finalized
// segments and flushes the full utterance when the upstream signals the user
// stopped speaking.
type liveStream struct {
	conn    *websocket.Conn
	onEvent func(orchestrator.STTEvent)
	frames  chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once

	// Owned by readLoop.
	segments []string
}

// Send queues one PCM frame for the upstream. It never blocks: when the queue
// is full the frame is dropped, which the endpointing tolerates.
func (s *liveStream) Send(pcm []byte) error {
	select {
	case <-s.ctx.Done():
		return orchestrator.ErrSessionClosed
	case s.frames <- pcm:
		return nil
	default:
		return nil
	}
}

func (s *liveStream) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.frames:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, frame); err != nil {
				s.cancel()
				return
			}
		}
	}
}

type deepgramMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *liveStream) readLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				s.onEvent(orchestrator.STTEvent{Kind: orchestrator.STTClosed})
			} else {
				s.onEvent(orchestrator.STTEvent{Kind: orchestrator.STTError, Err: err})
			}
			s.cancel()
			return
		}

		var msg deepgramMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		s.handleMessage(msg)
	}
}

func (s *liveStream) handleMessage(msg deepgramMessage) {
	switch msg.Type {
	case "Results":
		text := ""
		if len(msg.Channel.Alternatives) > 0 {
			text = strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
		}
		if !msg.IsFinal {
			if text != "" {
				s.onEvent(orchestrator.STTEvent{Kind: orchestrator.STTInterim, Text: text})
			}
			return
		}
		if text != "" {
			s.segments = append(s.segments, text)
			s.onEvent(orchestrator.STTEvent{Kind: orchestrator.STTFinal, Text: text})
		}
		if msg.SpeechFinal {
			s.flushUtterance()
		}
	case "UtteranceEnd":
		s.flushUtterance()
	}
}

func (s *liveStream) flushUtterance() {
	full := strings.Join(s.segments, " ")
	s.segments = nil
	s.onEvent(orchestrator.STTEvent{Kind: orchestrator.STTUtteranceEnd, Text: full})
}

// Close tears down the upstream. Idempotent; in-flight reads unblock via the
// stream context.
func (s *liveStream) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
		s.cancel()
	})
	return nil
}
