package main

import (
	"log/slog"

	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/embeddings"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/media"
	"github.com/nugget/parley/internal/tools"
)

// backend is everything built from the configured model provider.
type backend struct {
	client   llm.Client
	decider  *llm.Decider
	embedder embeddings.Embedder
	images   tools.ImageGenerator
	speech   tools.SpeechSynthesizer
	model    string
}

// newBackend builds the model, embedding and media clients for the
// configured backend. Ollama has no image or speech endpoints, so those
// tools report themselves unavailable there.
func newBackend(cfg *config.Config, logger *slog.Logger) *backend {
	var (
		provider llm.Client
		b        backend
	)

	switch cfg.Backend {
	case config.BackendOpenAI:
		opts := llm.RequestOptions(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
		provider = llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
		b.model = cfg.OpenAI.Model
		b.embedder = embeddings.NewOpenAI(cfg.OpenAI.EmbeddingModel, opts...)
		b.images = media.NewOpenAIImages(cfg.OpenAI.ImageModel, logger, opts...)
		b.speech = media.NewOpenAISpeech(cfg.OpenAI.TTSModel, cfg.OpenAI.TTSVoice, opts...)
	default:
		provider = llm.NewOllamaClient(cfg.Ollama.URL, cfg.Ollama.NumCtx, logger)
		b.model = cfg.Ollama.Model
		b.embedder = embeddings.NewOllama(embeddings.Config{
			BaseURL: cfg.Ollama.URL,
			Model:   cfg.Ollama.EmbeddingModel,
		})
		b.images = media.Unavailable{Backend: config.BackendOllama}
		b.speech = media.Unavailable{Backend: config.BackendOllama}
	}

	multi := llm.NewMultiClient(provider)
	multi.AddProvider(cfg.Backend, provider)
	multi.AddModel(b.model, cfg.Backend)
	b.client = multi
	b.decider = llm.NewDecider(multi, b.model, logger)

	logger.Info("model backend initialized", "backend", cfg.Backend, "model", b.model)
	return &b
}
