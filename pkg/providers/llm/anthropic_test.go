package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/jacspeelman/dolores-voice/pkg/orchestrator"
)

func TestAnthropicLLMStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var req struct {
			System   string              `json:"system"`
			Messages []map[string]string `json:"messages"`
			Stream   bool                `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Stream {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.System == "" {
			t.Error("system prompt should be lifted out of the messages")
		}
		for _, m := range req.Messages {
			if m["role"] == "system" {
				t.Error("system role must not appear in messages")
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\n")
		fmt.Fprint(w, "data: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hoi\"}}\n\n")
		// Tool-use input is a different delta type and must be filtered.
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"q\\\":\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\" daar.\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"message_stop\"}\n\n")
	}))
	defer server.Close()

	l := &AnthropicLLM{apiKey: "test-key", url: server.URL, model: "m"}

	messages := []orchestrator.Message{
		{Role: "system", Content: "wees kort"},
		{Role: "user", Content: "hoi"},
	}

	var deltas []string
	err := l.Stream(context.Background(), messages, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"Hoi", " daar."}
	if !reflect.DeepEqual(deltas, want) {
		t.Fatalf("deltas = %q, want %q", deltas, want)
	}

	if l.Name() != "anthropic-llm" {
		t.Errorf("expected anthropic-llm, got %s", l.Name())
	}
}

func TestAnthropicLLMStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"overloaded"}}`)
	}))
	defer server.Close()

	l := &AnthropicLLM{apiKey: "k", url: server.URL, model: "m"}
	err := l.Stream(context.Background(), nil, func(string) error { return nil })
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}
