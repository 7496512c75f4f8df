package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestElevenLabsSynthesize(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x01, 0x02}, 160)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.Contains(r.URL.Path, "/v1/text-to-speech/voice-1/stream") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("output_format"); got != "pcm_16000" {
			t.Errorf("output_format = %q", got)
		}

		var req struct {
			Text    string `json:"text"`
			ModelID string `json:"model_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Text != "Hoi daar." {
			t.Errorf("text = %q", req.Text)
		}

		w.Write(pcm)
	}))
	defer server.Close()

	el := NewElevenLabs("test-key", "voice-1")
	el.baseURL = server.URL

	audio, err := el.Synthesize(context.Background(), "Hoi daar.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(audio, pcm) {
		t.Fatalf("audio mismatch: %d bytes", len(audio))
	}

	if el.Name() != "elevenlabs" {
		t.Errorf("expected elevenlabs, got %s", el.Name())
	}
}

func TestElevenLabsSynthesizeUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"detail":"rate limited"}`)
	}))
	defer server.Close()

	el := NewElevenLabs("k", "v")
	el.baseURL = server.URL

	if _, err := el.Synthesize(context.Background(), "zin"); err == nil {
		t.Fatal("expected error for 429 response")
	}
}

func TestElevenLabsSetVoice(t *testing.T) {
	el := NewElevenLabs("k", "default-voice")
	el.SetVoice("")
	if el.voiceID != "default-voice" {
		t.Error("empty voice must not override")
	}
	el.SetVoice("other")
	if el.voiceID != "other" {
		t.Error("voice override failed")
	}
}
