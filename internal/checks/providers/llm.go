package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/v2"
	openaioption "github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
	"github.com/smallbiznis/checkledger/internal/config"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"

	askMaxTokens = 1024
)

// Prober sends one prompt to an LLM and returns its text answer.
type Prober interface {
	Name() string
	Ask(ctx context.Context, prompt string) (string, error)
}

type OpenAIProber struct {
	client openai.Client
	model  string
}

func NewOpenAIProber(cfg config.ProvidersConfig) *OpenAIProber {
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return nil
	}
	opts := []openaioption.RequestOption{openaioption.WithAPIKey(cfg.OpenAIAPIKey)}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, openaioption.WithBaseURL(cfg.OpenAIBaseURL))
	}
	if cfg.HTTPTimeout > 0 {
		opts = append(opts, openaioption.WithRequestTimeout(cfg.HTTPTimeout))
	}
	return &OpenAIProber{client: openai.NewClient(opts...), model: cfg.OpenAIModel}
}

func (p *OpenAIProber) Name() string { return ProviderOpenAI }

func (p *OpenAIProber) Ask(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
		Model:    shared.ChatModel(p.model),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrInvalidResponse
	}
	return resp.Choices[0].Message.Content, nil
}

type AnthropicProber struct {
	client anthropic.Client
	model  string
}

func NewAnthropicProber(cfg config.ProvidersConfig) *AnthropicProber {
	if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
		return nil
	}
	opts := []anthropicoption.RequestOption{anthropicoption.WithAPIKey(cfg.AnthropicAPIKey)}
	if cfg.HTTPTimeout > 0 {
		opts = append(opts, anthropicoption.WithRequestTimeout(cfg.HTTPTimeout))
	}
	return &AnthropicProber{client: anthropic.NewClient(opts...), model: cfg.AnthropicModel}
}

func (p *AnthropicProber) Name() string { return ProviderAnthropic }

func (p *AnthropicProber) Ask(ctx context.Context, prompt string) (string, error) {
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		MaxTokens: askMaxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Model:     anthropic.Model(p.model),
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, block := range msg.Content {
		b.WriteString(block.Text)
	}
	return b.String(), nil
}

type GeminiProber struct {
	client *genai.Client
	model  string
}

func NewGeminiProber(ctx context.Context, cfg config.ProvidersConfig) (*GeminiProber, error) {
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return nil, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &GeminiProber{client: client, model: cfg.GeminiModel}, nil
}

func (p *GeminiProber) Name() string { return ProviderGemini }

func (p *GeminiProber) Ask(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), nil)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// NewProbers builds every prober that has credentials. Missing keys are skipped, not fatal.
func NewProbers(cfg config.Config, log *zap.Logger) (map[string]Prober, error) {
	log = log.Named("checks.providers")
	probers := map[string]Prober{}

	if p := NewOpenAIProber(cfg.Providers); p != nil {
		probers[p.Name()] = p
	}
	if p := NewAnthropicProber(cfg.Providers); p != nil {
		probers[p.Name()] = p
	}
	gemini, err := NewGeminiProber(context.Background(), cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("init gemini prober: %w", err)
	}
	if gemini != nil {
		probers[gemini.Name()] = gemini
	}

	names := make([]string, 0, len(probers))
	for name := range probers {
		names = append(names, name)
	}
	log.Info("llm probers configured", zap.Strings("providers", names))
	return probers, nil
}
