// Package media generates images and speech for replies.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nugget/parley/internal/httpkit"
)

// maxAudioBytes bounds a synthesized clip.
const maxAudioBytes = 25 << 20

// OpenAIImages generates images with the OpenAI images endpoint.
type OpenAIImages struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIImages creates an image generator. opts carry credentials
// and transport.
func NewOpenAIImages(model string, logger *slog.Logger, opts ...option.RequestOption) *OpenAIImages {
	if model == "" {
		model = "dall-e-3"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIImages{client: openai.NewClient(opts...), model: model, logger: logger}
}

// Generate renders prompt as one 1024x1024 HD image and returns its URL.
func (g *OpenAIImages) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          openai.ImageModel(g.model),
		N:              openai.Int(1),
		Size:           openai.ImageGenerateParamsSize("1024x1024"),
		Quality:        openai.ImageGenerateParamsQuality("hd"),
		ResponseFormat: openai.ImageGenerateParamsResponseFormat("url"),
	})
	if err != nil {
		return "", fmt.Errorf("generate image: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", errors.New("generate image: no image returned")
	}
	g.logger.Debug("image generated", "model", g.model, "revised_prompt", resp.Data[0].RevisedPrompt)
	return resp.Data[0].URL, nil
}

// OpenAISpeech synthesizes speech with the OpenAI TTS endpoint.
type OpenAISpeech struct {
	client openai.Client
	model  string
	voice  string
}

// NewOpenAISpeech creates a speech synthesizer.
func NewOpenAISpeech(model, voice string, opts ...option.RequestOption) *OpenAISpeech {
	if model == "" {
		model = "tts-1"
	}
	if voice == "" {
		voice = "alloy"
	}
	return &OpenAISpeech{client: openai.NewClient(opts...), model: model, voice: voice}
}

// Synthesize returns WAV audio for text. Markdown is reduced to plain
// text first so formatting is not read aloud.
func (s *OpenAISpeech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	input := PlainText(text)
	if input == "" {
		return nil, errors.New("synthesize: nothing to say")
	}
	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          input,
		Model:          openai.SpeechModel(s.model),
		Voice:          openai.AudioSpeechNewParamsVoice(s.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormat("wav"),
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("synthesize: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	audio, err := httpkit.ReadLimited(resp.Body, maxAudioBytes)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	return audio, nil
}

// Unavailable is the capability used when the configured backend has
// no such feature.
type Unavailable struct {
	Backend string
}

// Generate always fails.
func (u Unavailable) Generate(context.Context, string) (string, error) {
	return "", fmt.Errorf("image generation not available for backend %s", u.Backend)
}

// Synthesize always fails.
func (u Unavailable) Synthesize(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("speech synthesis not available for backend %s", u.Backend)
}
