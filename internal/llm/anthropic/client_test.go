package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/paritoshk/LLM-document-judge/internal/common"
	"github.com/paritoshk/LLM-document-judge/internal/llm"
)

func newTestClient(baseURL string) *Client {
	return NewClient(Config{
		APIKey:  "test-key",
		BaseURL: baseURL,
		Model:   "test-model",
		Timeout: time.Second,
	}, nil)
}

func TestInferRequestShape(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" || r.Header.Get("anthropic-version") == "" {
			t.Errorf("auth headers missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content":     []map[string]string{{"type": "text", "text": `{"ok":`}, {"type": "text", "text": `true}`}},
			"stop_reason": "end_turn",
		})
	}))
	defer srv.Close()

	out, err := newTestClient(srv.URL).Infer(context.Background(), llm.TextRequest{
		System:    "be terse",
		Prompts:   []string{"first turn", "second turn"},
		MaxTokens: 512,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out != `{"ok":true}` {
		t.Fatalf("text blocks not concatenated: %q", out)
	}

	if got["model"] != "test-model" || got["system"] != "be terse" {
		t.Fatalf("body = %v", got)
	}
	if got["max_tokens"].(float64) != 512 {
		t.Fatalf("max_tokens = %v", got["max_tokens"])
	}
	if got["temperature"].(float64) != 0 {
		t.Fatalf("temperature = %v", got["temperature"])
	}
	msgs := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected each prompt as its own turn, got %d", len(msgs))
	}
	if msgs[1].(map[string]any)["role"] != "user" {
		t.Fatalf("messages = %v", msgs)
	}
}

func TestInferVisionBlocks(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": `{"selections":[]}`}},
		})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).InferVision(context.Background(), llm.VisionRequest{
		Prompt: "judge these",
		Pages: []llm.PageBlock{
			{PageNumber: 1, MediaType: "application/pdf", Data: []byte("%PDF")},
			{PageNumber: 2, MediaType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs := got["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("vision request should be one turn, got %d", len(msgs))
	}
	blocks := msgs[0].(map[string]any)["content"].([]any)
	if len(blocks) != 3 {
		t.Fatalf("expected text + 2 page blocks, got %d", len(blocks))
	}
	if blocks[0].(map[string]any)["type"] != "text" {
		t.Fatalf("first block must be the prompt: %v", blocks[0])
	}
	pdfBlock := blocks[1].(map[string]any)
	if pdfBlock["type"] != "document" {
		t.Fatalf("pdf pages must use document blocks: %v", pdfBlock)
	}
	src := pdfBlock["source"].(map[string]any)
	if src["type"] != "base64" || src["media_type"] != "application/pdf" || src["data"] == "" {
		t.Fatalf("source = %v", src)
	}
	if blocks[2].(map[string]any)["type"] != "image" {
		t.Fatalf("png page must use an image block: %v", blocks[2])
	}
}

func TestInferClassifiesStatuses(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	c := newTestClient(srv.URL)

	_, err := c.Infer(context.Background(), llm.TextRequest{Prompts: []string{"x"}})
	if !errors.Is(err, common.ErrUpstreamTransient) {
		t.Fatalf("429 should be transient, got %v", err)
	}

	status = http.StatusBadRequest
	_, err = c.Infer(context.Background(), llm.TextRequest{Prompts: []string{"x"}})
	if !errors.Is(err, common.ErrUpstreamFatal) {
		t.Fatalf("400 should be fatal, got %v", err)
	}
}
