package embeddings

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/openai/openai-go/option"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{name: "identical", a: []float32{1, 0, 0}, b: []float32{1, 0, 0}, expected: 1},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, expected: 0},
		{name: "opposite", a: []float32{1, 1}, b: []float32{-1, -1}, expected: -1},
		{name: "scaled", a: []float32{1, 2}, b: []float32{2, 4}, expected: 1},
		{name: "mismatched length", a: []float32{1}, b: []float32{1, 2}, expected: 0},
		{name: "zero vector", a: []float32{0, 0}, b: []float32{1, 1}, expected: 0},
		{name: "empty", expected: 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CosineSimilarity(tc.a, tc.b)
			if math.Abs(float64(got-tc.expected)) > 0.0001 {
				t.Errorf("got %f, want %f", got, tc.expected)
			}
		})
	}
}

func TestTopK(t *testing.T) {
	query := []float32{1, 0}
	vectors := [][]float32{
		{0, 1},     // orthogonal
		{1, 0},     // identical
		{1, 1},     // 45 degrees
		{-1, 0},    // opposite
		{0.9, 0.1}, // close
	}

	got := TopK(query, vectors, 3)
	want := []int{1, 4, 2}
	if !slices.Equal(got, want) {
		t.Errorf("TopK = %v, want %v", got, want)
	}

	if got := TopK(query, vectors, 10); len(got) != len(vectors) {
		t.Errorf("TopK(k > n) returned %d results, want %d", len(got), len(vectors))
	}
	if got := TopK(query, nil, 1); got != nil {
		t.Errorf("TopK(empty) = %v, want nil", got)
	}
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "nomic-embed-text" || req.Prompt != "hello" {
			t.Errorf("request = %+v", req)
		}
		w.Write([]byte(`{"embedding":[0.1,0.2,0.3]}`))
	}))
	defer srv.Close()

	emb, err := NewOllama(Config{BaseURL: srv.URL}).Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(emb) != 3 {
		t.Errorf("len = %d, want 3", len(emb))
	}
}

func TestOllamaGenerate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, "boom"},
		{"empty embedding", http.StatusOK, `{"embedding":[]}`},
		{"bad json", http.StatusOK, `{`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			if _, err := NewOllama(Config{BaseURL: srv.URL}).Generate(context.Background(), "x"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "text-embedding-3-small" || req["input"] != "remember this" {
			t.Errorf("request = %v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","model":"text-embedding-3-small","data":[{"object":"embedding","index":0,"embedding":[0.5,-0.25]}],"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}))
	defer srv.Close()

	c := NewOpenAI("", option.WithAPIKey("sk-test"), option.WithBaseURL(srv.URL))
	emb, err := c.Generate(context.Background(), "remember this")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !slices.Equal(emb, []float32{0.5, -0.25}) {
		t.Errorf("embedding = %v", emb)
	}
}
