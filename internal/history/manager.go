package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/docsage/internal/observability"
	"github.com/haasonsaas/docsage/pkg/models"
)

// TitleLength bounds titles derived from the first user message.
const TitleLength = 50

// Manager is the only writer of conversation message sequences. Every
// mutation is read-modify-Put against the Store under one lock, so a failed
// Put leaves the stored conversation untouched.
type Manager struct {
	store   Store
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "history")
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() Store { return m.store }

// Create starts an empty conversation with a fresh id.
func (m *Manager) Create(ctx context.Context, title string) (*models.Conversation, error) {
	now := m.now().UTC()
	conv := &models.Conversation{
		ID:           uuid.NewString(),
		Title:        title,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Put(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv.Clone(), nil
}

// Get returns a copy of the conversation.
func (m *Manager) Get(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return conv.Clone(), nil
}

// Load returns the ordered messages of a conversation. An unknown id is an
// empty conversation, not an error. The returned slice is the caller's.
func (m *Manager) Load(ctx context.Context, id string) ([]models.Message, error) {
	conv, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrConversationNotFound) {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return append([]models.Message{}, conv.Messages...), nil
}

// Append commits a user/assistant pair as one unit, creating the
// conversation on its first turn. Either both messages are stored or
// neither is.
func (m *Manager) Append(ctx context.Context, id string, user, assistant models.Message) error {
	if id == "" {
		return errors.New("append: conversation id is required")
	}
	if user.Role != models.RoleUser {
		return fmt.Errorf("append: first message role is %q, want %q", user.Role, models.RoleUser)
	}
	if assistant.Role != models.RoleAssistant {
		return fmt.Errorf("append: second message role is %q, want %q", assistant.Role, models.RoleAssistant)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	conv, err := m.store.Get(ctx, id)
	switch {
	case errors.Is(err, ErrConversationNotFound):
		conv = &models.Conversation{ID: id, CreatedAt: now}
	case err != nil:
		return fmt.Errorf("append to %s: %w", id, err)
	default:
		conv = conv.Clone()
	}

	conv.Messages = append(conv.Messages, user, assistant)
	if conv.Title == "" {
		conv.Title = deriveTitle(conv.Messages)
	}
	conv.LastActiveAt = now
	if err := m.store.Put(ctx, conv); err != nil {
		return fmt.Errorf("append to %s: %w", id, err)
	}
	return nil
}

// Truncate evicts the oldest turn pairs until at most maxTurns remain and
// reports how many pairs were removed. A leading system message is kept.
// maxTurns below one disables truncation.
func (m *Manager) Truncate(ctx context.Context, id string, maxTurns int) (int, error) {
	if maxTurns < 1 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrConversationNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("truncate %s: %w", id, err)
	}

	turns := conv.TurnCount()
	if turns <= maxTurns {
		return 0, nil
	}
	evicted := turns - maxTurns

	conv = conv.Clone()
	start := 0
	if conv.HasSystemPrefix() {
		start = 1
	}
	kept := make([]models.Message, 0, len(conv.Messages)-2*evicted)
	kept = append(kept, conv.Messages[:start]...)
	kept = append(kept, conv.Messages[start+2*evicted:]...)
	conv.Messages = kept

	if err := m.store.Put(ctx, conv); err != nil {
		return 0, fmt.Errorf("truncate %s: %w", id, err)
	}
	m.metrics.RecordEvictedTurns(evicted)
	m.logger.Debug("evicted turns", "conversation_id", id, "evicted", evicted, "kept", maxTurns)
	return evicted, nil
}

// List returns conversation summaries, most recently active first.
func (m *Manager) List(ctx context.Context) ([]models.ConversationSummary, error) {
	convs, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]models.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		out = append(out, conv.Summary())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	return out, nil
}

// Clear deletes one conversation.
func (m *Manager) Clear(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(ctx, id)
}

// ClearAll deletes every conversation.
func (m *Manager) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DeleteAll(ctx)
}

// Close releases the store.
func (m *Manager) Close() error {
	return m.store.Close()
}

func deriveTitle(msgs []models.Message) string {
	for _, msg := range msgs {
		if msg.Role == models.RoleUser {
			return models.Preview(msg.Content, TitleLength)
		}
	}
	return ""
}
