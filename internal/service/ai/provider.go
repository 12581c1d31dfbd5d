package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zhouzirui/z-relay/backend/internal/config"
)

var (
	// ErrProvider matches every error produced by a provider call.
	ErrProvider = errors.New("ai provider error")
	// ErrEmptyReply reports a response that carried no text.
	ErrEmptyReply = errors.New("provider returned an empty reply")
)

// Session is one stateful conversation with the AI provider. A Session
// belongs to exactly one chat and is not safe for concurrent Send calls.
type Session interface {
	// Send submits text as the next user turn and returns the reply.
	Send(ctx context.Context, text string) (string, error)
}

// Provider opens conversation sessions.
type Provider interface {
	Name() string
	NewSession(ctx context.Context) (Session, error)
}

// ProviderError describes a failed provider call.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrProvider) match any ProviderError.
func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// NewProvider builds the provider selected by cfg and wraps it so that
// every call is bounded by cfg.Timeout.
func NewProvider(ctx context.Context, cfg config.AIConfig) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.ProviderName() {
	case config.ProviderGemini:
		p, err = NewGeminiProvider(ctx, cfg)
	case config.ProviderArk:
		p, err = NewArkProvider(ctx, cfg)
	case config.ProviderOpenAI:
		p = NewOpenAIProvider(cfg)
	default:
		err = fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return Bounded(p, cfg.Timeout), nil
}

// Bounded decorates p so that session creation and every Send run under a
// deadline of timeout, and every failure surfaces as a *ProviderError.
func Bounded(p Provider, timeout time.Duration) Provider {
	return &boundedProvider{inner: p, timeout: timeout}
}

type boundedProvider struct {
	inner   Provider
	timeout time.Duration
}

func (b *boundedProvider) Name() string { return b.inner.Name() }

func (b *boundedProvider) NewSession(ctx context.Context) (Session, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	session, err := b.inner.NewSession(ctx)
	if err != nil {
		return nil, wrap(b.inner.Name(), "new session", err)
	}
	return &boundedSession{provider: b, inner: session}, nil
}

func (b *boundedProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}

type boundedSession struct {
	provider *boundedProvider
	inner    Session
}

func (s *boundedSession) Send(ctx context.Context, text string) (string, error) {
	ctx, cancel := s.provider.withTimeout(ctx)
	defer cancel()

	reply, err := s.inner.Send(ctx, text)
	if err != nil {
		return "", wrap(s.provider.Name(), "send", err)
	}
	return reply, nil
}

func wrap(provider, op string, err error) error {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return err
	}
	return &ProviderError{Provider: provider, Op: op, Err: err}
}
