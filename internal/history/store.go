package history

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/haasonsaas/docsage/pkg/models"
)

// ErrConversationNotFound is returned for unknown conversation ids.
var ErrConversationNotFound = errors.New("history: conversation not found")

// Store persists whole conversations. Put must be atomic: after an error
// the stored conversation is exactly what it was before the call.
type Store interface {
	Get(ctx context.Context, id string) (*models.Conversation, error)
	Put(ctx context.Context, conv *models.Conversation) error
	List(ctx context.Context) ([]*models.Conversation, error)
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
	Close() error
}

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*models.Conversation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: map[string]*models.Conversation{}}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return conv.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return errors.New("history: conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = conv.Clone()
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		out = append(out, conv.Clone())
	}
	sortByCreated(out)
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return ErrConversationNotFound
	}
	delete(s.convs, id)
	return nil
}

func (s *MemoryStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = map[string]*models.Conversation{}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func sortByCreated(convs []*models.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].ID < convs[j].ID
		}
		return convs[i].CreatedAt.Before(convs[j].CreatedAt)
	})
}
