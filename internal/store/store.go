// Package store is the durable record of inbound channel messages and parked
// (waiting) tasks. Messages are append-only and deduplicated on
// (channel, message_id); they are never deleted while unprocessed.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "tether-v1-messages-waiting"
)

// Message is one inbound channel message. MessageID is unique within its
// channel; adapters compose it so that it stays unique across chats.
type Message struct {
	Channel    string    `json:"channel"`
	MessageID  string    `json:"message_id"`
	ChatID     string    `json:"chat_id"`
	Sender     string    `json:"sender"`
	Text       string    `json:"text"`
	ReplyTo    string    `json:"reply_to,omitempty"`
	Kind       string    `json:"kind"` // "user" or "bot"
	ReceivedAt time.Time `json:"received_at"`
	Processed  bool      `json:"processed"`
}

// WaitingTask is a suspended task awaiting a specific user reply.
type WaitingTask struct {
	ID              string    `json:"id"`
	Channel         string    `json:"channel"`
	ChatID          string    `json:"chat_id"`
	Instruction     string    `json:"instruction"`
	AwaitingReplyTo string    `json:"awaiting_reply_to,omitempty"`
	ParkedAt        time.Time `json:"parked_at"`
}

// Store wraps the sqlite database holding messages and waiting tasks.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the store at the given path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.configurePragmas(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&checksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if checksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, checksum, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			channel TEXT NOT NULL,
			message_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			reply_to TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'user' CHECK(kind IN ('user', 'bot')),
			received_at DATETIME NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (channel, message_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unprocessed ON messages(processed, received_at);`,
		`CREATE TABLE IF NOT EXISTS waiting_tasks (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			instruction TEXT NOT NULL,
			awaiting_reply_to TEXT NOT NULL DEFAULT '',
			parked_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_waiting_chat ON waiting_tasks(channel, chat_id, parked_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersion, schemaChecksum,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

// Append stores an inbound message. It is idempotent on (channel, message_id):
// duplicate delivery from an unreliable transport returns inserted=false and
// changes nothing.
func (s *Store) Append(ctx context.Context, msg Message) (inserted bool, err error) {
	if msg.Channel == "" || msg.MessageID == "" {
		return false, fmt.Errorf("append: channel and message_id are required")
	}
	kind := msg.Kind
	if kind == "" {
		kind = "user"
	}
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(channel, message_id, chat_id, sender, text, reply_to, kind, received_at, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, msg.Channel, msg.MessageID, msg.ChatID, msg.Sender, msg.Text, msg.ReplyTo, kind, receivedAt.UTC(), boolToInt(msg.Processed))
	if err != nil {
		return false, fmt.Errorf("append message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append rows affected: %w", err)
	}
	return n > 0, nil
}

// Unprocessed returns all unprocessed user messages in arrival order.
func (s *Store) Unprocessed(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, message_id, chat_id, sender, text, reply_to, kind, received_at, processed
		FROM messages
		WHERE processed = 0 AND kind = 'user'
		ORDER BY received_at ASC, message_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesByIDs returns the stored messages for the given ids on one channel,
// in arrival order. Used by crash recovery to reconstruct original texts.
func (s *Store) MessagesByIDs(ctx context.Context, channel string, ids []string) ([]Message, error) {
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		row := s.db.QueryRowContext(ctx, `
			SELECT channel, message_id, chat_id, sender, text, reply_to, kind, received_at, processed
			FROM messages WHERE channel = ? AND message_id = ?;
		`, channel, id)
		msg, err := scanMessage(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load message %s: %w", id, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// MarkProcessed flips processed for the given messages on one channel.
func (s *Store) MarkProcessed(ctx context.Context, channel string, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET processed = 1 WHERE channel = ? AND message_id = ?;`,
			channel, id,
		); err != nil {
			return fmt.Errorf("mark processed %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// MarkAllProcessed flips every unprocessed message and returns how many were
// cleared. Used by the interrupt path so the pre-interrupt backlog is never
// re-executed.
func (s *Store) MarkAllProcessed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET processed = 1 WHERE processed = 0;`)
	if err != nil {
		return 0, fmt.Errorf("mark all processed: %w", err)
	}
	return res.RowsAffected()
}

// PendingCount returns the number of unprocessed user messages.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE processed = 0 AND kind = 'user';`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// SaveBotReply records an outbound reply so conversational context survives
// restarts. Bot messages are stored processed and never routed.
func (s *Store) SaveBotReply(ctx context.Context, channel, chatID, text, replyTo string) error {
	_, err := s.Append(ctx, Message{
		Channel:    channel,
		MessageID:  "bot_" + uuid.NewString(),
		ChatID:     chatID,
		Text:       text,
		ReplyTo:    replyTo,
		Kind:       "bot",
		ReceivedAt: time.Now().UTC(),
		Processed:  true,
	})
	return err
}

// CleanupProcessed deletes processed messages older than the cutoff and
// returns how many were removed. Unprocessed messages are never swept.
func (s *Store) CleanupProcessed(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE processed = 1 AND received_at < ?;`,
		olderThan.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup processed: %w", err)
	}
	return res.RowsAffected()
}

// ParkWaiting suspends a task awaiting a user reply and returns its id.
func (s *Store) ParkWaiting(ctx context.Context, task WaitingTask) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.ParkedAt.IsZero() {
		task.ParkedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO waiting_tasks (id, channel, chat_id, instruction, awaiting_reply_to, parked_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, task.ID, task.Channel, task.ChatID, task.Instruction, task.AwaitingReplyTo, task.ParkedAt.UTC())
	if err != nil {
		return "", fmt.Errorf("park waiting task: %w", err)
	}
	return task.ID, nil
}

// WaitingForChat returns the parked tasks for one chat, most recently parked
// first.
func (s *Store) WaitingForChat(ctx context.Context, channel, chatID string) ([]WaitingTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, chat_id, instruction, awaiting_reply_to, parked_at
		FROM waiting_tasks
		WHERE channel = ? AND chat_id = ?
		ORDER BY parked_at DESC;
	`, channel, chatID)
	if err != nil {
		return nil, fmt.Errorf("query waiting tasks: %w", err)
	}
	defer rows.Close()

	var out []WaitingTask
	for rows.Next() {
		var t WaitingTask
		if err := rows.Scan(&t.ID, &t.Channel, &t.ChatID, &t.Instruction, &t.AwaitingReplyTo, &t.ParkedAt); err != nil {
			return nil, fmt.Errorf("scan waiting task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// WaitingCount returns the number of parked tasks.
func (s *Store) WaitingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM waiting_tasks;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count waiting: %w", err)
	}
	return n, nil
}

// ResolveWaiting consumes a parked task. Returns false if it was already gone.
func (s *Store) ResolveWaiting(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM waiting_tasks WHERE id = ?;`, id)
	if err != nil {
		return false, fmt.Errorf("resolve waiting task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var processed int
		if err := rows.Scan(&m.Channel, &m.MessageID, &m.ChatID, &m.Sender, &m.Text, &m.ReplyTo, &m.Kind, &m.ReceivedAt, &processed); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Processed = processed != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row *sql.Row) (Message, error) {
	var m Message
	var processed int
	if err := row.Scan(&m.Channel, &m.MessageID, &m.ChatID, &m.Sender, &m.Text, &m.ReplyTo, &m.Kind, &m.ReceivedAt, &processed); err != nil {
		return Message{}, err
	}
	m.Processed = processed != 0
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
