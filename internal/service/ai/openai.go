package ai

import (
	"context"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/zhouzirui/z-relay/backend/internal/config"
)

// OpenAIClient is the subset of *openai.Client used by sessions.
type OpenAIClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client       OpenAIClient
	model        string
	systemPrompt string
}

// NewOpenAIProvider creates a provider using the official client.
func NewOpenAIProvider(cfg config.AIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return NewOpenAIProviderWithClient(openai.NewClientWithConfig(clientCfg), cfg.ModelName(), cfg.SystemPrompt)
}

// NewOpenAIProviderWithClient is NewOpenAIProvider with an injected client.
func NewOpenAIProviderWithClient(client OpenAIClient, model, systemPrompt string) *OpenAIProvider {
	return &OpenAIProvider{
		client:       client,
		model:        model,
		systemPrompt: strings.TrimSpace(systemPrompt),
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return config.ProviderOpenAI }

// NewSession implements Provider.
func (p *OpenAIProvider) NewSession(context.Context) (Session, error) {
	session := &openAISession{provider: p}
	if p.systemPrompt != "" {
		session.history = append(session.history, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.systemPrompt,
		})
	}
	return session, nil
}

type openAISession struct {
	provider *OpenAIProvider
	history  []openai.ChatCompletionMessage
}

func (s *openAISession) Send(ctx context.Context, text string) (string, error) {
	userMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}

	messages := make([]openai.ChatCompletionMessage, 0, len(s.history)+1)
	messages = append(messages, s.history...)
	messages = append(messages, userMsg)

	resp, err := s.provider.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.provider.model,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyReply
	}

	reply := resp.Choices[0].Message
	s.history = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: reply.Content,
	})
	return reply.Content, nil
}
