package ai

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/zhouzirui/z-relay/backend/internal/config"
)

// GeminiProvider opens chat sessions against Google's Gemini API.
type GeminiProvider struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

// NewGeminiProvider creates a Gemini client from cfg.
func NewGeminiProvider(ctx context.Context, cfg config.AIConfig) (*GeminiProvider, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	var generateCfg *genai.GenerateContentConfig
	if prompt := strings.TrimSpace(cfg.SystemPrompt); prompt != "" {
		generateCfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(prompt, genai.RoleUser),
		}
	}

	return &GeminiProvider{
		client: client,
		model:  cfg.ModelName(),
		config: generateCfg,
	}, nil
}

// Name implements Provider.
func (p *GeminiProvider) Name() string { return config.ProviderGemini }

// NewSession starts an empty Gemini chat; the SDK keeps the turn history.
func (p *GeminiProvider) NewSession(ctx context.Context) (Session, error) {
	chat, err := p.client.Chats.Create(ctx, p.model, p.config, nil)
	if err != nil {
		return nil, err
	}
	return &geminiSession{chat: chat}, nil
}

type geminiSession struct {
	chat *genai.Chat
}

func (s *geminiSession) Send(ctx context.Context, text string) (string, error) {
	resp, err := s.chat.Send(ctx, genai.NewPartFromText(text))
	if err != nil {
		return "", err
	}

	reply := resp.Text()
	if strings.TrimSpace(reply) == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}
