// Package database persists the bridge's durable state: topic
// bindings and a small key/value table for cursors and settings. The
// backing store is a single sqlite file.
package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/coder/quartz"
	"github.com/jmoiron/sqlx"
	"golang.org/x/xerrors"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = xerrors.New("not found")

// Topic is the durable binding for one chat thread. Workspace, Port,
// and SessionID are filled in lazily as the thread is resolved; a
// zero value means unresolved.
type Topic struct {
	ChatID     int64  `db:"chat_id"`
	ThreadID   int64  `db:"thread_id"`
	TopicTitle string `db:"topic_title"`
	Workspace  string `db:"workspace"`
	Port       int    `db:"port"`
	SessionID  string `db:"session_id"`
	UpdatedAt  int64  `db:"updated_at"`
}

// Store is the persistence interface the daemon depends on.
type Store interface {
	// GetKV returns the value for key. ok is false when unset.
	GetKV(ctx context.Context, key string) (value string, ok bool, err error)
	SetKV(ctx context.Context, key, value string) error
	DeleteKV(ctx context.Context, key string) error

	GetTopic(ctx context.Context, chatID, threadID int64) (Topic, error)
	// UpsertTopic inserts or fully replaces a binding, refreshing
	// its activity timestamp.
	UpsertTopic(ctx context.Context, topic Topic) error
	SetTopicTitle(ctx context.Context, chatID, threadID int64, title string) error
	SetTopicWorkspace(ctx context.Context, chatID, threadID int64, workspace string) error
	SetTopicPort(ctx context.Context, chatID, threadID int64, port int) error
	SetTopicSession(ctx context.Context, chatID, threadID int64, sessionID string) error
	// ClearTopicBinding drops the workspace, port, and session while
	// keeping the topic row and its title.
	ClearTopicBinding(ctx context.Context, chatID, threadID int64) error
	// TouchTopic refreshes the activity timestamp used for retention
	// and eviction ordering.
	TouchTopic(ctx context.Context, chatID, threadID int64) error
	// ListTopics returns all bindings, most recently active first.
	ListTopics(ctx context.Context) ([]Topic, error)
	// PruneTopics deletes bindings inactive longer than retention,
	// then trims the table to maxTopics by discarding the oldest.
	PruneTopics(ctx context.Context, retention time.Duration, maxTopics int) (int64, error)

	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS topics (
	chat_id INTEGER NOT NULL,
	thread_id INTEGER NOT NULL,
	topic_title TEXT NOT NULL DEFAULT '',
	workspace TEXT NOT NULL DEFAULT '',
	port INTEGER NOT NULL DEFAULT 0,
	session_id TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (chat_id, thread_id)
);
CREATE INDEX IF NOT EXISTS idx_topics_updated ON topics(updated_at);
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

type sqlStore struct {
	db    *sqlx.DB
	clock quartz.Clock
}

// Open opens or creates the sqlite database at path and applies the
// schema.
func Open(path string) (Store, error) {
	return open(path, quartz.NewReal())
}

// OpenWithClock is Open with an injected clock for tests.
func OpenWithClock(path string, clock quartz.Clock) (Store, error) {
	return open(path, clock)
}

func open(path string, clock quartz.Clock) (Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Errorf("open sqlite database: %w", err)
	}
	// sqlite serializes writers; a second connection only produces
	// busy errors.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, xerrors.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("apply schema: %w", err)
	}
	return &sqlStore{db: db, clock: clock}, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) now() int64 {
	return s.clock.Now().Unix()
}

func (s *sqlStore) GetKV(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM kv WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Errorf("get kv %q: %w", key, err)
	}
	return value, true, nil
}

func (s *sqlStore) SetKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return xerrors.Errorf("set kv %q: %w", key, err)
	}
	return nil
}

func (s *sqlStore) DeleteKV(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	if err != nil {
		return xerrors.Errorf("delete kv %q: %w", key, err)
	}
	return nil
}

func (s *sqlStore) GetTopic(ctx context.Context, chatID, threadID int64) (Topic, error) {
	var topic Topic
	err := s.db.GetContext(ctx, &topic,
		"SELECT * FROM topics WHERE chat_id = ? AND thread_id = ?", chatID, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return Topic{}, ErrNotFound
	}
	if err != nil {
		return Topic{}, xerrors.Errorf("get topic %d/%d: %w", chatID, threadID, err)
	}
	return topic, nil
}

func (s *sqlStore) UpsertTopic(ctx context.Context, topic Topic) error {
	topic.UpdatedAt = s.now()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO topics (chat_id, thread_id, topic_title, workspace, port, session_id, updated_at)
		VALUES (:chat_id, :thread_id, :topic_title, :workspace, :port, :session_id, :updated_at)
		ON CONFLICT(chat_id, thread_id) DO UPDATE SET
			topic_title = excluded.topic_title,
			workspace = excluded.workspace,
			port = excluded.port,
			session_id = excluded.session_id,
			updated_at = excluded.updated_at
	`, topic)
	if err != nil {
		return xerrors.Errorf("upsert topic %d/%d: %w", topic.ChatID, topic.ThreadID, err)
	}
	return nil
}

// setTopicColumn updates one column for an existing topic, creating
// the row when absent so lazy resolution can fill fields in any
// order.
func (s *sqlStore) setTopicColumn(ctx context.Context, chatID, threadID int64, column string, value any) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		"UPDATE topics SET "+column+" = ?, updated_at = ? WHERE chat_id = ? AND thread_id = ?",
		value, now, chatID, threadID)
	if err != nil {
		return xerrors.Errorf("set topic %s: %w", column, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO topics (chat_id, thread_id, "+column+", updated_at) VALUES (?, ?, ?, ?)",
			chatID, threadID, value, now)
		if err != nil {
			return xerrors.Errorf("insert topic for %s: %w", column, err)
		}
	}
	return nil
}

func (s *sqlStore) SetTopicTitle(ctx context.Context, chatID, threadID int64, title string) error {
	return s.setTopicColumn(ctx, chatID, threadID, "topic_title", title)
}

func (s *sqlStore) SetTopicWorkspace(ctx context.Context, chatID, threadID int64, workspace string) error {
	return s.setTopicColumn(ctx, chatID, threadID, "workspace", workspace)
}

func (s *sqlStore) SetTopicPort(ctx context.Context, chatID, threadID int64, port int) error {
	return s.setTopicColumn(ctx, chatID, threadID, "port", port)
}

func (s *sqlStore) SetTopicSession(ctx context.Context, chatID, threadID int64, sessionID string) error {
	return s.setTopicColumn(ctx, chatID, threadID, "session_id", sessionID)
}

func (s *sqlStore) ClearTopicBinding(ctx context.Context, chatID, threadID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE topics SET workspace = '', port = 0, session_id = '', updated_at = ?
		WHERE chat_id = ? AND thread_id = ?
	`, s.now(), chatID, threadID)
	if err != nil {
		return xerrors.Errorf("clear topic binding %d/%d: %w", chatID, threadID, err)
	}
	return nil
}

func (s *sqlStore) TouchTopic(ctx context.Context, chatID, threadID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE topics SET updated_at = ? WHERE chat_id = ? AND thread_id = ?",
		s.now(), chatID, threadID)
	if err != nil {
		return xerrors.Errorf("touch topic %d/%d: %w", chatID, threadID, err)
	}
	return nil
}

func (s *sqlStore) ListTopics(ctx context.Context) ([]Topic, error) {
	var topics []Topic
	err := s.db.SelectContext(ctx, &topics,
		"SELECT * FROM topics ORDER BY updated_at DESC, chat_id, thread_id")
	if err != nil {
		return nil, xerrors.Errorf("list topics: %w", err)
	}
	return topics, nil
}

func (s *sqlStore) PruneTopics(ctx context.Context, retention time.Duration, maxTopics int) (int64, error) {
	var pruned int64
	cutoff := s.clock.Now().Add(-retention).Unix()
	res, err := s.db.ExecContext(ctx, "DELETE FROM topics WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, xerrors.Errorf("prune expired topics: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		pruned += n
	}

	if maxTopics > 0 {
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM topics WHERE (chat_id, thread_id) NOT IN (
				SELECT chat_id, thread_id FROM topics
				ORDER BY updated_at DESC, chat_id, thread_id
				LIMIT ?
			)
		`, maxTopics)
		if err != nil {
			return pruned, xerrors.Errorf("trim topics: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			pruned += n
		}
	}
	return pruned, nil
}
