package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/ai"
)

var (
	ErrChatNotFound        = errors.New("chat not found")
	ErrInvalidInput        = errors.New("text is required")
	ErrProviderUnavailable = fmt.Errorf("%w: no provider configured", ai.ErrProvider)
)

// Store loads and snapshots the full chat set.
type Store interface {
	Load(ctx context.Context) ([]chat.Chat, error)
	Save(ctx context.Context, chats []chat.Chat) error
}

// Recorder receives every accepted message as soon as it is appended.
type Recorder interface {
	Append(ctx context.Context, chatID string, msg chat.Message) error
}

// PostResult holds the messages created by one PostMessage call. AIError
// is set when an AI reply was requested but could not be produced.
type PostResult struct {
	Messages []chat.Message
	AIError  error
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder streams each new message to rec in addition to the
// shutdown snapshot.
func WithRecorder(rec Recorder) Option {
	return func(s *Service) { s.recorder = rec }
}

// WithClock overrides the message timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service orchestrates message ingestion, AI replies and persistence.
type Service struct {
	registry *Registry
	store    Store
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewService wires a registry to its durable store. store may be nil for
// purely in-memory use.
func NewService(registry *Registry, store Store, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		registry: registry,
		store:    store,
		logger:   logger.Named("chat"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load fills the registry from the store. Any error is fatal to startup.
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	chats, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load chats: %w", err)
	}
	s.registry.Restore(chats)
	s.logger.Info("chats restored", zap.Int("chats", len(chats)))
	return nil
}

// Flush overwrites the store with a snapshot of every chat.
func (s *Service) Flush(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Save(ctx, s.registry.Snapshot()); err != nil {
		return fmt.Errorf("save chats: %w", err)
	}
	return nil
}

// CreateChat registers a new empty chat.
func (s *Service) CreateChat(ctx context.Context) (string, error) {
	return s.registry.CreateChat(ctx)
}

// HasChat reports whether chatID is registered.
func (s *Service) HasChat(chatID string) bool {
	return s.registry.Exists(chatID)
}

// ListChats returns every chat id in registration order.
func (s *Service) ListChats(_ context.Context) []string {
	return s.registry.ChatIDs()
}

// Messages returns the full ordered history of a chat.
func (s *Service) Messages(_ context.Context, chatID string) ([]chat.Message, error) {
	return s.registry.Messages(chatID)
}

// PostMessage records text as a user message and, when askAI is set, asks
// the provider for a reply. Provider failures never fail the call: the
// user message is kept and PostResult.AIError explains the missing reply.
func (s *Service) PostMessage(ctx context.Context, chatID, text string, askAI bool) (PostResult, error) {
	e, err := s.registry.lookup(chatID)
	if err != nil {
		return PostResult{}, err
	}
	if strings.TrimSpace(text) == "" {
		return PostResult{}, ErrInvalidInput
	}
	// Replays resend stored text, so the live turn must see the same bytes.
	text = chat.NormalizeText(text)

	e.turn.Lock()
	defer e.turn.Unlock()

	// The session must be obtained before the new message is appended so
	// that a replay covers only earlier turns.
	var (
		session    ai.Session
		sessionErr error
	)
	if askAI {
		session, sessionErr = s.registry.sessionLocked(ctx, e)
	}

	userMsg := chat.NewMessage(text, false, s.now())
	s.accept(ctx, e, userMsg)
	result := PostResult{Messages: []chat.Message{userMsg}}

	if !askAI {
		return result, nil
	}
	if sessionErr != nil {
		result.AIError = sessionErr
		s.logger.Warn("ai session unavailable", zap.String("chat_id", chatID), zap.Error(sessionErr))
		return result, nil
	}

	reply, err := session.Send(ctx, text)
	if err != nil {
		result.AIError = err
		s.logger.Warn("ai reply failed", zap.String("chat_id", chatID), zap.Error(err))
		return result, nil
	}

	aiMsg := chat.NewMessage(reply, true, s.now())
	s.accept(ctx, e, aiMsg)
	result.Messages = append(result.Messages, aiMsg)
	return result, nil
}

func (s *Service) accept(ctx context.Context, e *entry, msg chat.Message) {
	e.append(msg)
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Append(context.WithoutCancel(ctx), e.id, msg); err != nil {
		s.logger.Error("failed to record message",
			zap.String("chat_id", e.id),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}
