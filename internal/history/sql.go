package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/haasonsaas/docsage/pkg/models"
)

// SQL dialects supported by SQLStore.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		last_active_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (conversation_id, seq)
	)`,
}

// SQLStore keeps conversations in SQLite or Postgres. Each Put rewrites the
// conversation's messages inside one transaction.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// OpenSQL opens dsn with the driver for dialect and creates the schema.
// For SQLite the dsn is a file path.
func OpenSQL(ctx context.Context, dialect, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("history: %s dsn is required", dialect)
	}
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("history: unsupported sql dialect %q", dialect)
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	if dialect == DialectSQLite {
		// One writer avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping database: %w", err)
	}

	s := newSQLStore(db, dialect)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("history: create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT id, title, created_at, last_active_at FROM conversations WHERE id = ?`), id,
	).Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: get conversation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY seq`), id)
	if err != nil {
		return nil, fmt.Errorf("history: get messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan message: %w", err)
		}
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: read messages: %w", err)
	}
	return conv, nil
}

func (s *SQLStore) Put(ctx context.Context, conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return errors.New("history: conversation id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO conversations (id, title, created_at, last_active_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET title = excluded.title, last_active_at = excluded.last_active_at`),
		conv.ID, conv.Title, conv.CreatedAt.UTC(), conv.LastActiveAt.UTC()); err != nil {
		return fmt.Errorf("history: upsert conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM messages WHERE conversation_id = ?`), conv.ID); err != nil {
		return fmt.Errorf("history: clear messages: %w", err)
	}
	insert := s.rebind(`INSERT INTO messages (conversation_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`)
	for i, msg := range conv.Messages {
		if _, err := tx.ExecContext(ctx, insert, conv.ID, i, string(msg.Role), msg.Content, msg.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("history: insert message %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, last_active_at FROM conversations ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("history: list conversations: %w", err)
	}
	var convs []*models.Conversation
	byID := map[string]*models.Conversation{}
	for rows.Next() {
		conv := &models.Conversation{}
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.LastActiveAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("history: scan conversation: %w", err)
		}
		convs = append(convs, conv)
		byID[conv.ID] = conv
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: read conversations: %w", err)
	}

	msgRows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, role, content, created_at FROM messages ORDER BY conversation_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("history: list messages: %w", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var (
			id  string
			msg models.Message
		)
		if err := msgRows.Scan(&id, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("history: scan message: %w", err)
		}
		if conv, ok := byID[id]; ok {
			conv.Messages = append(conv.Messages, msg)
		}
	}
	if err := msgRows.Err(); err != nil {
		return nil, fmt.Errorf("history: read messages: %w", err)
	}
	return convs, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM messages WHERE conversation_id = ?`), id); err != nil {
		return fmt.Errorf("history: delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM conversations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("history: delete conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConversationNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{`DELETE FROM messages`, `DELETE FROM conversations`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("history: %s: %w", strings.ToLower(stmt), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
