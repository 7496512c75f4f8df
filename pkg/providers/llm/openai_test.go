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

func TestOpenAILLMStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var req struct {
			Stream   bool                   `json:"stream"`
			Messages []orchestrator.Message `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Stream {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		// Role-only first chunk, then content deltas, then a tool-call chunk
		// without content, then DONE.
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hoi. \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Alles goed?\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"id\":\"x\"}]}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	l := &OpenAILLM{apiKey: "test-key", url: server.URL, model: "gpt-4o-mini"}

	var deltas []string
	err := l.Stream(context.Background(), []orchestrator.Message{{Role: "user", Content: "hoi"}}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"Hoi. ", "Alles goed?"}
	if !reflect.DeepEqual(deltas, want) {
		t.Fatalf("deltas = %q, want %q", deltas, want)
	}

	if l.Name() != "openai-llm" {
		t.Errorf("expected openai-llm, got %s", l.Name())
	}
}

func TestOpenAILLMStreamUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer server.Close()

	l := &OpenAILLM{apiKey: "k", url: server.URL, model: "m"}
	err := l.Stream(context.Background(), nil, func(string) error { return nil })
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
}

func TestOpenAILLMStreamConsumerStops(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 100; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"zin %d. \"}}]}\n\n", i)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	l := &OpenAILLM{apiKey: "k", url: server.URL, model: "m"}

	stop := fmt.Errorf("stop here")
	count := 0
	err := l.Stream(context.Background(), nil, func(string) error {
		count++
		if count == 3 {
			return stop
		}
		return nil
	})
	if err != stop {
		t.Fatalf("expected consumer error to surface, got %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 deltas consumed, got %d", count)
	}
}

func TestSSEData(t *testing.T) {
	if _, ok := sseData("event: ping"); ok {
		t.Error("non-data line should not parse")
	}
	if got, ok := sseData("data: {\"x\":1}"); !ok || got != `{"x":1}` {
		t.Errorf("got %q ok=%v", got, ok)
	}
	if got, ok := sseData("data:[DONE]"); !ok || got != "[DONE]" {
		t.Errorf("got %q ok=%v", got, ok)
	}
}
