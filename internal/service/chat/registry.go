package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/ai"
)

// entry is one registered chat. turn serialises AI turns (replay, send and
// the appends around them); mu guards messages and session.
type entry struct {
	id       string
	turn     sync.Mutex
	mu       sync.RWMutex
	messages []chat.Message
	session  ai.Session
}

func (e *entry) append(msg chat.Message) {
	e.mu.Lock()
	e.messages = append(e.messages, msg)
	e.mu.Unlock()
}

func (e *entry) snapshot() []chat.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	copied := make([]chat.Message, len(e.messages))
	copy(copied, e.messages)
	return copied
}

// Registry owns every chat and its live provider session. Chats are kept in
// registration order.
type Registry struct {
	provider ai.Provider
	logger   *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// NewRegistry returns an empty registry. provider may be nil, in which case
// every session request fails with ErrProviderUnavailable.
func NewRegistry(provider ai.Provider, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		provider: provider,
		logger:   logger.Named("registry"),
		entries:  make(map[string]*entry),
	}
}

// CreateChat registers an empty chat under a fresh id and eagerly opens its
// provider session. A failed session open is logged; the session is then
// rebuilt on first use.
func (r *Registry) CreateChat(ctx context.Context) (string, error) {
	e := &entry{id: uuid.NewString(), messages: make([]chat.Message, 0, 16)}

	if r.provider != nil {
		session, err := r.provider.NewSession(ctx)
		if err != nil {
			r.logger.Warn("eager session creation failed", zap.String("chat_id", e.id), zap.Error(err))
		} else {
			e.session = session
		}
	}

	r.mu.Lock()
	r.entries[e.id] = e
	r.order = append(r.order, e.id)
	r.mu.Unlock()

	r.logger.Debug("chat created", zap.String("chat_id", e.id))
	return e.id, nil
}

// Restore registers loaded chats without sessions. Chats whose id is
// already registered are skipped.
func (r *Registry) Restore(chats []chat.Chat) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range chats {
		if _, ok := r.entries[c.ID]; ok {
			r.logger.Warn("skipping duplicate chat on restore", zap.String("chat_id", c.ID))
			continue
		}
		r.entries[c.ID] = &entry{id: c.ID, messages: c.Clone().Messages}
		r.order = append(r.order, c.ID)
	}
}

func (r *Registry) lookup(chatID string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[chatID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	return e, nil
}

// Exists reports whether chatID is registered.
func (r *Registry) Exists(chatID string) bool {
	_, err := r.lookup(chatID)
	return err == nil
}

// ChatIDs lists registered chats in registration order. The result is
// never nil.
func (r *Registry) ChatIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// Messages returns a copy of a chat's history.
func (r *Registry) Messages(chatID string) ([]chat.Message, error) {
	e, err := r.lookup(chatID)
	if err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

// Snapshot deep-copies every chat in registration order.
func (r *Registry) Snapshot() []chat.Chat {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.entries[id])
	}
	r.mu.RUnlock()

	chats := make([]chat.Chat, 0, len(entries))
	for _, e := range entries {
		chats = append(chats, chat.Chat{ID: e.id, Messages: e.snapshot()})
	}
	return chats
}

// HasSession reports whether chatID currently holds a live session.
func (r *Registry) HasSession(chatID string) bool {
	e, err := r.lookup(chatID)
	if err != nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session != nil
}

// Session returns the live session for chatID, rebuilding it by replay
// when none exists.
func (r *Registry) Session(ctx context.Context, chatID string) (ai.Session, error) {
	e, err := r.lookup(chatID)
	if err != nil {
		return nil, err
	}

	e.turn.Lock()
	defer e.turn.Unlock()
	return r.sessionLocked(ctx, e)
}

// Rebuild discards any live session for chatID and reconstructs one by
// replay: a new provider session receives the text of every user message
// of the chat, in order, and the replies are dropped. If any replay turn
// fails the new session is discarded and the error returned.
func (r *Registry) Rebuild(ctx context.Context, chatID string) (ai.Session, error) {
	e, err := r.lookup(chatID)
	if err != nil {
		return nil, err
	}

	e.turn.Lock()
	defer e.turn.Unlock()
	return r.rebuildLocked(ctx, e)
}

// sessionLocked requires e.turn.
func (r *Registry) sessionLocked(ctx context.Context, e *entry) (ai.Session, error) {
	e.mu.RLock()
	session := e.session
	e.mu.RUnlock()
	if session != nil {
		return session, nil
	}
	return r.rebuildLocked(ctx, e)
}

// rebuildLocked requires e.turn.
func (r *Registry) rebuildLocked(ctx context.Context, e *entry) (ai.Session, error) {
	if r.provider == nil {
		return nil, ErrProviderUnavailable
	}

	e.mu.Lock()
	e.session = nil
	e.mu.Unlock()

	session, err := r.provider.NewSession(ctx)
	if err != nil {
		return nil, err
	}

	replayed := 0
	for _, msg := range e.snapshot() {
		if msg.IsAI {
			continue
		}
		if _, err := session.Send(ctx, msg.Text); err != nil {
			r.logger.Warn("session replay failed",
				zap.String("chat_id", e.id),
				zap.Int("replayed", replayed),
				zap.Error(err),
			)
			return nil, fmt.Errorf("replay chat %s: %w", e.id, err)
		}
		replayed++
	}

	e.mu.Lock()
	e.session = session
	e.mu.Unlock()

	r.logger.Info("session rebuilt", zap.String("chat_id", e.id), zap.Int("replayed", replayed))
	return session, nil
}
