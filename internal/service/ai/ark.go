package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-relay/backend/internal/config"
)

// ArkProvider runs conversations through an eino chain backed by a
// Volcengine Ark chat model. The model is stateless, so each session
// carries its own history.
type ArkProvider struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	systemPrompt string
}

// NewArkProvider creates the Ark chat model described by cfg.
func NewArkProvider(ctx context.Context, cfg config.AIConfig) (*ArkProvider, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewArkProviderWithModel(ctx, chatModel, cfg.SystemPrompt)
}

// NewArkProviderWithModel compiles the prompt chain around chatModel.
func NewArkProviderWithModel(ctx context.Context, chatModel model.BaseChatModel, systemPrompt string) (*ArkProvider, error) {
	systemPrompt = strings.TrimSpace(systemPrompt)

	templates := make([]schema.MessagesTemplate, 0, 3)
	if systemPrompt != "" {
		templates = append(templates, schema.SystemMessage("{system}"))
	}
	templates = append(templates,
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(prompt.FromMessages(schema.FString, templates...))
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &ArkProvider{chain: runnable, systemPrompt: systemPrompt}, nil
}

// Name implements Provider.
func (p *ArkProvider) Name() string { return config.ProviderArk }

// NewSession implements Provider.
func (p *ArkProvider) NewSession(context.Context) (Session, error) {
	return &arkSession{provider: p}, nil
}

type arkSession struct {
	provider *ArkProvider
	history  []*schema.Message
}

func (s *arkSession) Send(ctx context.Context, text string) (string, error) {
	input := map[string]any{
		"system":  s.provider.systemPrompt,
		"history": s.history,
		"query":   text,
	}

	response, err := s.provider.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run chat chain: %w", err)
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return "", ErrEmptyReply
	}

	s.history = append(s.history,
		schema.UserMessage(text),
		schema.AssistantMessage(response.Content, nil),
	)
	return response.Content, nil
}
