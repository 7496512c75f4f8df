package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ElevenLabs synthesizes one sentence per call into raw PCM S16LE, 16kHz,
// mono. Calls are made one at a time by the session's serial job runner; the
// upstream rate-limits parallel synthesis.
type ElevenLabs struct {
	apiKey  string
	baseURL string
	voiceID string
	modelID string
}

func NewElevenLabs(apiKey, voiceID string) *ElevenLabs {
	return &ElevenLabs{
		apiKey:  apiKey,
		baseURL: "https://api.elevenlabs.io",
		voiceID: voiceID,
		modelID: "eleven_turbo_v2_5",
	}
}

// SetVoice overrides the configured voice id.
func (t *ElevenLabs) SetVoice(voiceID string) {
	if voiceID != "" {
		t.voiceID = voiceID
	}
}

func (t *ElevenLabs) Synthesize(ctx context.Context, text string) ([]byte, error) {
	u := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=pcm_16000", t.baseURL, t.voiceID)

	payload := map[string]interface{}{
		"text":     text,
		"model_id": t.modelID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", t.apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("elevenlabs error (status %d): %s", resp.StatusCode, string(respBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return audio, nil
}

func (t *ElevenLabs) Name() string {
	return "elevenlabs"
}
