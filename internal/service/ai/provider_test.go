package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockOpenAIClient struct {
	requests []openai.ChatCompletionRequest
	replies  []string
	err      error
}

func (m *mockOpenAIClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	if len(m.replies) == 0 {
		return openai.ChatCompletionResponse{}, nil
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply},
		}},
	}, nil
}

func TestOpenAISessionAccumulatesHistory(t *testing.T) {
	client := &mockOpenAIClient{replies: []string{"hello", "fine"}}
	provider := NewOpenAIProviderWithClient(client, "gpt-test", "be brief")

	session, err := provider.NewSession(context.Background())
	require.NoError(t, err)

	reply, err := session.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)

	reply, err = session.Send(context.Background(), "how are you")
	require.NoError(t, err)
	assert.Equal(t, "fine", reply)

	require.Len(t, client.requests, 2)
	second := client.requests[1]
	assert.Equal(t, "gpt-test", second.Model)
	require.Len(t, second.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, second.Messages[0].Role)
	assert.Equal(t, "hi", second.Messages[1].Content)
	assert.Equal(t, "hello", second.Messages[2].Content)
	assert.Equal(t, "how are you", second.Messages[3].Content)
}

func TestOpenAISessionFailedTurnIsNotRecorded(t *testing.T) {
	client := &mockOpenAIClient{err: errors.New("quota exceeded")}
	provider := NewOpenAIProviderWithClient(client, "gpt-test", "")
	session, err := provider.NewSession(context.Background())
	require.NoError(t, err)

	_, err = session.Send(context.Background(), "hi")
	require.Error(t, err)

	client.err = nil
	client.replies = []string{"ok"}
	_, err = session.Send(context.Background(), "retry")
	require.NoError(t, err)

	last := client.requests[len(client.requests)-1]
	require.Len(t, last.Messages, 1)
	assert.Equal(t, "retry", last.Messages[0].Content)
}

func TestOpenAISessionEmptyReply(t *testing.T) {
	provider := NewOpenAIProviderWithClient(&mockOpenAIClient{}, "gpt-test", "")
	session, err := provider.NewSession(context.Background())
	require.NoError(t, err)

	_, err = session.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrEmptyReply)
}

type fakeChatModel struct {
	inputs  [][]*schema.Message
	replies []string
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.inputs = append(f.inputs, input)
	if len(f.replies) == 0 {
		return nil, errors.New("no scripted reply")
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return schema.AssistantMessage(reply, nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := f.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (f *fakeChatModel) BindTools([]*schema.ToolInfo) error { return nil }

func TestArkSessionReplaysHistoryThroughChain(t *testing.T) {
	ctx := context.Background()
	fake := &fakeChatModel{replies: []string{"hello", "sure"}}

	provider, err := NewArkProviderWithModel(ctx, fake, "you are terse")
	require.NoError(t, err)

	session, err := provider.NewSession(ctx)
	require.NoError(t, err)

	_, err = session.Send(ctx, "hi")
	require.NoError(t, err)
	reply, err := session.Send(ctx, "again")
	require.NoError(t, err)
	assert.Equal(t, "sure", reply)

	require.Len(t, fake.inputs, 2)
	second := fake.inputs[1]
	require.Len(t, second, 4)
	assert.Equal(t, schema.System, second[0].Role)
	assert.Equal(t, "you are terse", second[0].Content)
	assert.Equal(t, "hi", second[1].Content)
	assert.Equal(t, schema.Assistant, second[2].Role)
	assert.Equal(t, "again", second[3].Content)
}

type stubSession struct {
	reply string
	delay time.Duration
	err   error
}

func (s *stubSession) Send(ctx context.Context, _ string) (string, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.reply, s.err
}

type stubProvider struct {
	session Session
	err     error
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) NewSession(context.Context) (Session, error) {
	return p.session, p.err
}

func TestBoundedSessionTimesOut(t *testing.T) {
	provider := Bounded(&stubProvider{session: &stubSession{reply: "late", delay: time.Second}}, 20*time.Millisecond)

	session, err := provider.NewSession(context.Background())
	require.NoError(t, err)

	_, err = session.Send(context.Background(), "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvider)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "stub", perr.Provider)
	assert.Equal(t, "send", perr.Op)
}

func TestBoundedWrapsSessionCreationErrors(t *testing.T) {
	provider := Bounded(&stubProvider{err: errors.New("dial failed")}, time.Second)

	_, err := provider.NewSession(context.Background())
	assert.ErrorIs(t, err, ErrProvider)
	assert.Contains(t, err.Error(), "dial failed")
}

func TestBoundedPassesReplies(t *testing.T) {
	provider := Bounded(&stubProvider{session: &stubSession{reply: "pong"}}, time.Second)
	session, err := provider.NewSession(context.Background())
	require.NoError(t, err)

	reply, err := session.Send(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)
}
