package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/httpkit"
)

// maxImageBytes bounds attachment downloads for vision models.
const maxImageBytes = 20_000_000

// imageFetchTimeout bounds one attachment download.
const imageFetchTimeout = 30 * time.Second

// AttachmentUserAgent is sent when downloading image attachments.
func AttachmentUserAgent() string {
	return buildinfo.UserAgent() + " attachment-fetch"
}

// imageCacheSize caps how many encoded attachments are kept between
// iterations of a turn.
const imageCacheSize = 32

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	numCtx     int
	httpClient *http.Client
	logger     *slog.Logger

	// fetchClient downloads image attachments from chat platform CDNs.
	fetchClient *http.Client

	mu     sync.Mutex
	images map[string]string
}

// NewOllamaClient creates a new Ollama client. numCtx sets the context
// window requested for every chat; zero keeps the model default.
func NewOllamaClient(baseURL string, numCtx int, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: baseURL,
		numCtx:  numCtx,
		// The turn deadline bounds generation time.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		fetchClient: httpkit.NewClient(
			httpkit.WithTimeout(imageFetchTimeout),
			httpkit.WithUserAgent(AttachmentUserAgent()),
		),
		logger: logger,
		images: make(map[string]string),
	}
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   any             `json:"format,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	NumCtx int `json:"num_ctx,omitempty"`
}

type ollamaResponse struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`

	TotalDuration   int64 `json:"total_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
}

// Chat sends a non-streaming chat request with the schema as format.
func (c *OllamaClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := ollamaRequest{
		Model:    req.Model,
		Messages: make([]ollamaMessage, 0, len(req.Messages)),
	}
	if req.Schema != nil {
		body.Format = req.Schema
	}
	if c.numCtx > 0 {
		body.Options = &ollamaOptions{NumCtx: c.numCtx}
	}
	for _, m := range req.Messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		if m.ImageURL != "" {
			if img, err := c.image(ctx, m.ImageURL); err != nil {
				c.logger.Warn("skipping image attachment", "url", m.ImageURL, "error", err)
			} else {
				om.Images = []string{img}
			}
		}
		body.Messages = append(body.Messages, om)
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "ollama request payload", "model", req.Model, "bytes", len(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "ollama response content", "content", out.Message.Content)

	return &ChatResponse{
		Model:        out.Model,
		Content:      out.Message.Content,
		InputTokens:  out.PromptEvalCount,
		OutputTokens: out.EvalCount,
		Duration:     time.Since(start),
	}, nil
}

// image downloads url and returns it base64 encoded, as the Ollama
// images field expects.
func (c *OllamaClient) image(ctx context.Context, url string) (string, error) {
	c.mu.Lock()
	if img, ok := c.images[url]; ok {
		c.mu.Unlock()
		return img, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.fetchClient.Do(req)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		httpkit.DrainAndClose(resp.Body, 4096)
		return "", fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	data, err := httpkit.ReadLimited(resp.Body, maxImageBytes)
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}
	img := base64.StdEncoding.EncodeToString(data)

	c.mu.Lock()
	if len(c.images) >= imageCacheSize {
		clear(c.images)
	}
	c.images[url] = img
	c.mu.Unlock()
	return img, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}
