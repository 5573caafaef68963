package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/OFFIS-RIT/docgraph/pkg/ai"
)

func newTestServer(t *testing.T, chatContent string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode embedding request: %v", err)
		}
		data := make([]map[string]any, 0, len(req.Input))
		// answer in reverse order to exercise index mapping
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float64{float64(i + 1), 0.5, 0.25},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "test-embed",
			"data":   data,
			"usage":  map[string]any{"prompt_tokens": 4, "total_tokens": 4},
		})
	})
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-chat",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": chatContent},
			}},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server, dim int) *GraphOpenAIClient {
	return NewGraphOpenAIClient(NewGraphOpenAIClientParams{
		EmbeddingModel:     "test-embed",
		ExtractionModel:    "test-chat",
		EmbeddingDimension: dim,
		EmbeddingURL:       srv.URL + "/",
		EmbeddingKey:       "key",
		ChatURL:            srv.URL + "/",
		ChatKey:            "key",
	})
}

func TestGenerateEmbeddings(t *testing.T) {
	srv := newTestServer(t, "{}")
	client := newTestClient(srv, 2)

	got, err := client.GenerateEmbeddings(context.Background(), [][]byte{[]byte("first"), []byte("  "), []byte("second")})
	if err != nil {
		t.Fatalf("GenerateEmbeddings() error = %v", err)
	}
	want := [][]float32{{1, 0.5}, {0, 0}, {2, 0.5}}
	if len(got) != len(want) {
		t.Fatalf("GenerateEmbeddings() = %#v, want %#v", got, want)
	}
	for i := range want {
		if len(got[i]) != 2 || got[i][0] != want[i][0] || got[i][1] != want[i][1] {
			t.Fatalf("GenerateEmbeddings()[%d] = %#v, want %#v", i, got[i], want[i])
		}
	}
	if m := client.GetMetrics(); m.TotalTokens != 4 {
		t.Fatalf("expected 4 tokens in metrics, got %d", m.TotalTokens)
	}
	client.ResetMetrics()
	if m := client.GetMetrics(); m.TotalTokens != 0 {
		t.Fatalf("expected reset metrics, got %+v", m)
	}
}

func TestGenerateCompletionWithFormat(t *testing.T) {
	type answer struct {
		Name string `json:"name"`
	}

	srv := newTestServer(t, `{"name":"Acme"}`)
	client := newTestClient(srv, 2)

	var out answer
	if err := client.GenerateCompletionWithFormat(context.Background(), "answer", "test", "prompt", &out); err != nil {
		t.Fatalf("GenerateCompletionWithFormat() error = %v", err)
	}
	if out.Name != "Acme" {
		t.Fatalf("expected Acme, got %q", out.Name)
	}
}

func TestGenerateCompletionWithFormat_Malformed(t *testing.T) {
	type answer struct {
		Name string `json:"name"`
	}

	srv := newTestServer(t, "I could not find anything")
	client := newTestClient(srv, 2)

	var out answer
	err := client.GenerateCompletionWithFormat(context.Background(), "answer", "test", "prompt", &out)
	if !errors.Is(err, ai.ErrMalformedOutput) {
		t.Fatalf("expected ErrMalformedOutput, got %v", err)
	}
}

func TestUnconfiguredClients(t *testing.T) {
	client := NewGraphOpenAIClient(NewGraphOpenAIClientParams{EmbeddingDimension: 2})
	if client.ChatClient != nil || client.EmbeddingClient != nil {
		t.Fatal("expected nil clients without api keys")
	}
	if _, err := client.GenerateEmbedding(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected error from unconfigured embedding client")
	}
	var out struct{}
	if err := client.GenerateCompletionWithFormat(context.Background(), "n", "d", "p", &out); err == nil {
		t.Fatal("expected error from unconfigured chat client")
	}
}
