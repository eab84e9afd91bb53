package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/medigraph/clinagent/reasoning"
)

func TestInfer_StructuredOutput(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"assessment\":\"stable\"}"}}]}`))
	}))
	defer server.Close()

	client, err := New("test-key", WithBaseURL(server.URL), WithModel("test-model"))
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	raw, err := client.Infer(context.Background(), reasoning.Request{
		System: "clinical assistant",
		Prompt: "assess",
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"assessment": map[string]any{"type": "string"},
			},
		},
	})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}

	var out struct {
		Assessment string `json:"assessment"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Assessment != "stable" {
		t.Fatalf("unexpected output %s", raw)
	}
	if captured["model"] != "test-model" {
		t.Fatalf("model not forwarded: %v", captured["model"])
	}
	format, ok := captured["response_format"].(map[string]any)
	if !ok || format["type"] != "json_schema" {
		t.Fatalf("expected json_schema response format, got %v", captured["response_format"])
	}
}

func TestInfer_StripsMarkdownFences(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"` + "```json\\n{\\\"ok\\\":true}\\n```" + `"}}]}`))
	}))
	defer server.Close()

	client, err := New("test-key", WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	raw, err := client.Infer(context.Background(), reasoning.Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Fatalf("fences not stripped: %s", raw)
	}
}

func TestEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0.3,0.4]},{"index":0,"embedding":[0.1,0.2]}]}`))
	}))
	defer server.Close()

	client, err := New("test-key", WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	vectors, err := client.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vectors) != 2 || vectors[0][0] != 0.1 || vectors[1][0] != 0.3 {
		t.Fatalf("vectors not ordered by index: %v", vectors)
	}
}

func TestAPIErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer server.Close()

	client, err := New("test-key", WithBaseURL(server.URL))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := client.Infer(context.Background(), reasoning.Request{Prompt: "x"}); err == nil {
		t.Fatal("expected API error")
	}
}
