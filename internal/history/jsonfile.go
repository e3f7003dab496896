package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/docsage/pkg/models"
)

// JSONFileStore keeps every conversation in one JSON file, rewritten
// through a temporary file and rename on each change.
type JSONFileStore struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	convs map[string]*models.Conversation
}

// OpenJSONFile loads path, creating parent directories as needed. A file
// that cannot be parsed is moved aside and the store starts empty.
func OpenJSONFile(path string, logger *slog.Logger) (*JSONFileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("history: json file path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("history: create directory: %w", err)
	}
	s := &JSONFileStore{path: path, logger: logger, convs: map[string]*models.Conversation{}}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("history: read %s: %w", path, err)
	}
	convs, err := decodeHistoryFile(data)
	if err != nil {
		backup := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		logger.Warn("history file unreadable, starting fresh", "path", path, "backup", backup, "error", err)
		if rerr := os.Rename(path, backup); rerr != nil {
			return nil, fmt.Errorf("history: move unreadable file aside: %w", rerr)
		}
		return s, nil
	}
	for _, conv := range convs {
		s.convs[conv.ID] = conv
	}
	return s, nil
}

func (s *JSONFileStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return conv.Clone(), nil
}

func (s *JSONFileStore) Put(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return fmt.Errorf("history: conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.convs[conv.ID]
	s.convs[conv.ID] = conv.Clone()
	if err := s.flush(); err != nil {
		if existed {
			s.convs[conv.ID] = prev
		} else {
			delete(s.convs, conv.ID)
		}
		return err
	}
	return nil
}

func (s *JSONFileStore) List(ctx context.Context) ([]*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

func (s *JSONFileStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.convs[id]
	if !ok {
		return ErrConversationNotFound
	}
	delete(s.convs, id)
	if err := s.flush(); err != nil {
		s.convs[id] = prev
		return err
	}
	return nil
}

func (s *JSONFileStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.convs
	s.convs = map[string]*models.Conversation{}
	if err := s.flush(); err != nil {
		s.convs = prev
		return err
	}
	return nil
}

func (s *JSONFileStore) Close() error { return nil }

func (s *JSONFileStore) snapshot() []*models.Conversation {
	out := make([]*models.Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		out = append(out, conv.Clone())
	}
	sortByCreated(out)
	return out
}

// flush requires s.mu.
func (s *JSONFileStore) flush() error {
	data, err := json.MarshalIndent(s.snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("history: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("history: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("history: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("history: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("history: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("history: replace %s: %w", s.path, err)
	}
	return nil
}

// decodeHistoryFile accepts the current array of conversations and the
// legacy object mapping conversation id to its message list.
func decodeHistoryFile(data []byte) ([]*models.Conversation, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var convs []*models.Conversation
		if err := json.Unmarshal(data, &convs); err != nil {
			return nil, err
		}
		for _, conv := range convs {
			if conv == nil || conv.ID == "" {
				return nil, fmt.Errorf("conversation without id")
			}
		}
		return convs, nil
	}

	var legacy map[string][]legacyMessage
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, err
	}
	convs := make([]*models.Conversation, 0, len(legacy))
	for id, msgs := range legacy {
		conv := &models.Conversation{ID: id, Messages: make([]models.Message, 0, len(msgs))}
		for _, lm := range msgs {
			ts, err := parseLegacyTime(lm.Timestamp)
			if err != nil {
				return nil, fmt.Errorf("conversation %s: %w", id, err)
			}
			conv.Messages = append(conv.Messages, models.Message{Role: models.Role(lm.Role), Content: lm.Content, CreatedAt: ts})
		}
		if n := len(conv.Messages); n > 0 {
			conv.CreatedAt = conv.Messages[0].CreatedAt
			conv.LastActiveAt = conv.Messages[n-1].CreatedAt
		}
		conv.Title = deriveTitle(conv.Messages)
		convs = append(convs, conv)
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].ID < convs[j].ID })
	return convs, nil
}

type legacyMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Legacy timestamps are local times without a zone.
var legacyLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseLegacyTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range legacyLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
