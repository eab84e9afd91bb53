package qdrant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fixedEmbedder struct {
	vector []float32
	err    error
}

func (f *fixedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	_ = ctx
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}

func TestSearch(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/guidelines/points/search" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"result": [
			{"score": 0.91, "payload": {"content": "Target BP under 130/80 for diabetic patients.", "source": "ADA 2025"}},
			{"score": 0.74, "payload": {"content": "Start statin at moderate intensity.", "source": "ACC/AHA"}},
			{"score": 0.5, "payload": {}}
		]}`))
	}))
	defer server.Close()

	client, err := New(server.URL, "guidelines", &fixedEmbedder{vector: []float32{0.1, 0.2}})
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	snippets, err := client.Search(context.Background(), "bp targets in diabetes", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(snippets) != 2 {
		t.Fatalf("expected payload-less hits dropped, got %d snippets", len(snippets))
	}
	if snippets[0].Source != "ADA 2025" || snippets[0].Score != 0.91 {
		t.Fatalf("unexpected top snippet %+v", snippets[0])
	}
	if captured["limit"] != float64(2) {
		t.Fatalf("limit not forwarded: %v", captured["limit"])
	}
}

func TestSearch_EmbedderFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("search must not reach qdrant when embedding fails")
	}))
	defer server.Close()

	client, err := New(server.URL, "guidelines", &fixedEmbedder{err: errors.New("embedding backend down")})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := client.Search(context.Background(), "query", 3); err == nil {
		t.Fatal("expected embed error to surface")
	}
}
