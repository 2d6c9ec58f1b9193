package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/invopop/jsonschema"
)

func TestOllamaChat_Request(t *testing.T) {
	var got map[string]any
	var imageHits atomic.Int32
	var imageUA atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cat.png":
			imageHits.Add(1)
			imageUA.Store(r.UserAgent())
			w.Write([]byte("PNGDATA"))
		case "/api/chat":
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				t.Errorf("decode request: %v", err)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"model":             "llama3.2-vision",
				"message":           map[string]any{"role": "assistant", "content": `{"reasoning":"r","tool_args":null}`},
				"done":              true,
				"prompt_eval_count": 12,
				"eval_count":        7,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, 8192, nil)
	req := ChatRequest{
		Model: "llama3.2-vision",
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "what is this", ImageURL: srv.URL + "/cat.png"},
		},
		Schema: &jsonschema.Schema{Type: "object"},
	}

	resp, err := c.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != `{"reasoning":"r","tool_args":null}` {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 12/7", resp.InputTokens, resp.OutputTokens)
	}
	if ua, _ := imageUA.Load().(string); ua != AttachmentUserAgent() {
		t.Errorf("image User-Agent = %q, want %q", ua, AttachmentUserAgent())
	}

	if got["stream"] != false {
		t.Errorf("stream = %v, want false", got["stream"])
	}
	format, ok := got["format"].(map[string]any)
	if !ok || format["type"] != "object" {
		t.Errorf("format = %v, want schema object", got["format"])
	}
	opts, _ := got["options"].(map[string]any)
	if opts["num_ctx"] != float64(8192) {
		t.Errorf("num_ctx = %v, want 8192", opts["num_ctx"])
	}

	msgs := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	user := msgs[1].(map[string]any)
	images, _ := user["images"].([]any)
	want := base64.StdEncoding.EncodeToString([]byte("PNGDATA"))
	if len(images) != 1 || images[0] != want {
		t.Errorf("images = %v, want [%s]", images, want)
	}

	// A second request reuses the cached attachment.
	if _, err := c.Chat(context.Background(), req); err != nil {
		t.Fatalf("second Chat: %v", err)
	}
	if n := imageHits.Load(); n != 1 {
		t.Errorf("image fetched %d times, want 1", n)
	}
}

func TestOllamaChat_BrokenImageSkipped(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{"message": map[string]any{"content": "{}"}})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, 0, nil)
	_, err := c.Chat(context.Background(), ChatRequest{
		Model:    "m",
		Messages: []Message{{Role: "user", Content: "hi", ImageURL: srv.URL + "/missing.png"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if _, ok := got["options"]; ok {
		t.Error("options sent with zero num_ctx")
	}
	if _, ok := got["format"]; ok {
		t.Error("format sent without schema")
	}
	user := got["messages"].([]any)[0].(map[string]any)
	if _, ok := user["images"]; ok {
		t.Error("images sent for an attachment that failed to download")
	}
}

func TestOllamaChat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, 0, nil)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "nope"})
	if err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestOllamaPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s, want /api/tags", r.URL.Path)
		}
		w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	if err := NewOllamaClient(srv.URL, 0, nil).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
