package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/flotilla-ai/flotilla/pkg/llm"
	"github.com/flotilla-ai/flotilla/pkg/tokens"
)

// Config configures the history store.
type Config struct {
	// Driver is one of sqlite, postgres, mysql.
	Driver string `yaml:"driver" json:"driver" mapstructure:"driver"`
	// DSN is the connection string (file path for sqlite).
	DSN      string `yaml:"dsn" json:"dsn" mapstructure:"dsn"`
	MaxConns int    `yaml:"max_conns" json:"max_conns" mapstructure:"max_conns"`
	MaxIdle  int    `yaml:"max_idle" json:"max_idle" mapstructure:"max_idle"`
}

// SetDefaults applies defaults for missing fields.
func (c *Config) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.DSN == "" && c.Driver == "sqlite" {
		c.DSN = ".flotilla/conversation_history.db"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 2
	}
}

// Validate checks the config.
func (c *Config) Validate() error {
	switch c.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported driver: %s (supported: sqlite, postgres, mysql)", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	return nil
}

const createMessagesTableSQL = `
CREATE TABLE IF NOT EXISTS conversation_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL CHECK(role IN ('user','assistant','system')),
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON conversation_messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON conversation_messages(conversation_id, created_at);
`

const createContextTablesSQL = `
CREATE TABLE IF NOT EXISTS context_sessions (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    effective_messages TEXT NOT NULL,
    token_count INTEGER NOT NULL,
    message_count INTEGER NOT NULL,
    compression_summary TEXT,
    compressed_message_ids TEXT,
    last_action TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS context_checkpoints (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    messages TEXT NOT NULL,
    token_count INTEGER NOT NULL,
    message_count INTEGER NOT NULL,
    reason TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_conversation ON context_checkpoints(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS message_marks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id INTEGER NOT NULL,
    conversation_id TEXT NOT NULL,
    mark_type TEXT NOT NULL,
    action_id TEXT,
    created_at INTEGER NOT NULL,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_marks_conversation ON message_marks(conversation_id);
`

// Store is the SQL-backed history store. All writes go through a single
// writer mutex; readers run concurrently against the pool.
type Store struct {
	db      *sql.DB
	dialect string
	writeMu sync.Mutex
}

// NewStore creates a store from config, opening the database and
// initializing the schema.
func NewStore(cfg Config) (*Store, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid history config: %w", err)
	}

	driverName := cfg.Driver
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)
	if cfg.Driver == "sqlite" && strings.Contains(cfg.DSN, ":memory:") {
		// Each in-memory sqlite connection is its own database.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Driver, err)
	}

	s := &Store{db: db, dialect: cfg.Driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewStoreWithDB wraps an existing connection (tests).
func NewStoreWithDB(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	messagesSQL := createMessagesTableSQL
	contextSQL := createContextTablesSQL
	switch s.dialect {
	case "postgres":
		messagesSQL = strings.ReplaceAll(messagesSQL, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
		contextSQL = strings.ReplaceAll(contextSQL, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
	case "mysql":
		messagesSQL = strings.ReplaceAll(messagesSQL, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGINT PRIMARY KEY AUTO_INCREMENT")
		contextSQL = strings.ReplaceAll(contextSQL, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGINT PRIMARY KEY AUTO_INCREMENT")
	}

	for _, stmt := range splitStatements(messagesSQL + contextSQL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// rebind converts ?-placeholders to the dialect's form.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeContent serializes a message body for storage, inlining image
// parts as <img>REF</img>.
func NormalizeContent(m llm.Message) string {
	return m.Text()
}

// Append stores messages for a conversation in a single transaction.
func (s *Store) Append(ctx context.Context, conversationID string, messages []llm.Message) error {
	if conversationID == "" {
		return fmt.Errorf("conversationID cannot be empty")
	}
	if len(messages) == 0 {
		return nil
	}
	for i, m := range messages {
		if !m.Role.Valid() {
			return fmt.Errorf("message at index %d has invalid role %q", i, m.Role)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insertSQL := s.rebind(`
INSERT INTO conversation_messages (conversation_id, role, content, created_at, metadata)
VALUES (?, ?, ?, ?, ?)`)

	now := time.Now().UnixMilli()
	for i, m := range messages {
		// Monotonic created_at within the batch preserves append order for
		// readers sorting on (created_at, id).
		if _, err = tx.ExecContext(ctx, insertSQL,
			conversationID, string(m.Role), NormalizeContent(m), now+int64(i), nil,
		); err != nil {
			err = fmt.Errorf("failed to insert message at index %d: %w", i, err)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Read returns messages for a conversation in ascending createdAt order.
// The window is anchored at the newest entry: a positive limit returns the
// most recent limit messages, and offset first skips that many of the
// newest, stepping the window back through history. limit <= 0 returns
// everything after the skip.
func (s *Store) Read(ctx context.Context, conversationID string, limit, offset int) ([]Entry, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversationID cannot be empty")
	}

	query := `
SELECT id, conversation_id, role, content, created_at, COALESCE(metadata, '')
FROM conversation_messages
WHERE conversation_id = ?
ORDER BY created_at ASC, id ASC`
	args := []any{conversationID}
	if limit > 0 || offset > 0 {
		// Take the window newest-first in a subquery, then re-sort ascending
		// for the caller.
		lim := limit
		if lim <= 0 {
			// OFFSET needs a LIMIT on sqlite and mysql; cap high enough to
			// be unbounded in practice.
			lim = 1<<31 - 1
		}
		query = `
SELECT id, conversation_id, role, content, created_at, COALESCE(metadata, '')
FROM (
    SELECT id, conversation_id, role, content, created_at, metadata
    FROM conversation_messages
    WHERE conversation_id = ?
    ORDER BY created_at DESC, id DESC
    LIMIT ? OFFSET ?
) sub
ORDER BY created_at ASC, id ASC`
		args = append(args, lim, offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var createdAt int64
		var role string
		if err := rows.Scan(&e.ID, &e.ConversationID, &role, &e.Content, &createdAt, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		e.Role = llm.Role(role)
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return entries, nil
}

// Count returns the number of stored messages for a conversation.
func (s *Store) Count(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM conversation_messages WHERE conversation_id = ?`),
		conversationID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// First returns the oldest entry for a conversation, or nil.
func (s *Store) First(ctx context.Context, conversationID string) (*Entry, error) {
	return s.edge(ctx, conversationID, "ASC")
}

// Last returns the newest entry for a conversation, or nil.
func (s *Store) Last(ctx context.Context, conversationID string) (*Entry, error) {
	return s.edge(ctx, conversationID, "DESC")
}

func (s *Store) edge(ctx context.Context, conversationID, dir string) (*Entry, error) {
	query := fmt.Sprintf(`
SELECT id, conversation_id, role, content, created_at, COALESCE(metadata, '')
FROM conversation_messages
WHERE conversation_id = ?
ORDER BY created_at %s, id %s
LIMIT 1`, dir, dir)

	var e Entry
	var createdAt int64
	var role string
	err := s.db.QueryRowContext(ctx, s.rebind(query), conversationID).Scan(
		&e.ID, &e.ConversationID, &role, &e.Content, &createdAt, &e.Metadata,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	e.Role = llm.Role(role)
	e.CreatedAt = time.UnixMilli(createdAt)
	return &e, nil
}

// DeleteConversation removes all messages, marks, checkpoints, and context
// state for a conversation.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("conversationID cannot be empty")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"conversation_messages", "message_marks", "context_checkpoints", "context_sessions"} {
		if _, err = tx.ExecContext(ctx,
			s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE conversation_id = ?`, table)),
			conversationID,
		); err != nil {
			err = fmt.Errorf("failed to delete from %s: %w", table, err)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteOlderThan removes messages created before the timestamp and returns
// the number deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM conversation_messages WHERE created_at < ?`),
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CreateCheckpoint snapshots messages for a conversation and returns the
// checkpoint id.
func (s *Store) CreateCheckpoint(ctx context.Context, conversationID string, messages []llm.Message, tokenCount int, reason string) (string, error) {
	return s.createCheckpointExpiring(ctx, conversationID, messages, tokenCount, reason, nil)
}

// CreateCheckpointExpiring snapshots messages with an expiry time.
func (s *Store) CreateCheckpointExpiring(ctx context.Context, conversationID string, messages []llm.Message, tokenCount int, reason string, expiresAt time.Time) (string, error) {
	return s.createCheckpointExpiring(ctx, conversationID, messages, tokenCount, reason, &expiresAt)
}

func (s *Store) createCheckpointExpiring(ctx context.Context, conversationID string, messages []llm.Message, tokenCount int, reason string, expiresAt *time.Time) (string, error) {
	if conversationID == "" {
		return "", fmt.Errorf("conversationID cannot be empty")
	}

	payload, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint messages: %w", err)
	}

	id := uuid.New().String()
	var expires any
	if expiresAt != nil {
		expires = expiresAt.UnixMilli()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, s.rebind(`
INSERT INTO context_checkpoints (id, conversation_id, messages, token_count, message_count, reason, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		id, conversationID, string(payload), tokenCount, len(messages), reason, time.Now().UnixMilli(), expires,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return id, nil
}

// ListCheckpoints returns a conversation's checkpoints, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, conversationID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, conversation_id, messages, token_count, message_count, reason, created_at, expires_at
FROM context_checkpoints
WHERE conversation_id = ?
ORDER BY created_at DESC, id DESC`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var payload string
	var createdAt int64
	var expiresAt sql.NullInt64
	if err := row.Scan(&cp.ID, &cp.ConversationID, &payload, &cp.TokenCount, &cp.MessageCount, &cp.Reason, &createdAt, &expiresAt); err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &cp.Messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint messages: %w", err)
	}
	cp.CreatedAt = time.UnixMilli(createdAt)
	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64)
		cp.ExpiresAt = &t
	}
	return &cp, nil
}

// GetCheckpoint returns a checkpoint by id, or nil.
func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, conversation_id, messages, token_count, message_count, reason, created_at, expires_at
FROM context_checkpoints
WHERE id = ?`), checkpointID)

	cp, err := scanCheckpoint(row)
	if err != nil {
		if strings.Contains(err.Error(), sql.ErrNoRows.Error()) {
			return nil, nil
		}
		return nil, err
	}
	return cp, nil
}

// RestoreCheckpoint returns the snapshot payload for a checkpoint, or nil
// when it does not exist.
func (s *Store) RestoreCheckpoint(ctx context.Context, checkpointID string) (*RestoredCheckpoint, error) {
	cp, err := s.GetCheckpoint(ctx, checkpointID)
	if err != nil || cp == nil {
		return nil, err
	}
	return &RestoredCheckpoint{
		ConversationID: cp.ConversationID,
		Messages:       cp.Messages,
		TokenCount:     cp.TokenCount,
	}, nil
}

// ErrCheckpointMismatch is returned when a rollback names a checkpoint that
// belongs to a different conversation.
var ErrCheckpointMismatch = fmt.Errorf("checkpoint conversation mismatch")

// ErrCheckpointNotFound is returned when a checkpoint does not exist.
var ErrCheckpointNotFound = fmt.Errorf("checkpoint not found")

// RollbackToCheckpoint replaces the conversation's full history with the
// checkpoint snapshot. The delete and re-insert run inside one transaction
// so readers never observe a partial state. An implicit "pre-rollback"
// checkpoint of the current tail is created first, making the operation
// reversible.
func (s *Store) RollbackToCheckpoint(ctx context.Context, conversationID, checkpointID string) (*RestoredCheckpoint, error) {
	cp, err := s.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, ErrCheckpointNotFound
	}
	if cp.ConversationID != conversationID {
		return nil, ErrCheckpointMismatch
	}

	current, err := s.Read(ctx, conversationID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read current history: %w", err)
	}
	currentMessages := make([]llm.Message, len(current))
	total := 0
	for i, e := range current {
		currentMessages[i] = e.Message()
		total += tokens.EstimateMessage(currentMessages[i])
	}
	if _, err := s.CreateCheckpoint(ctx, conversationID, currentMessages, total, "pre-rollback"); err != nil {
		return nil, fmt.Errorf("failed to create pre-rollback checkpoint: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		s.rebind(`DELETE FROM conversation_messages WHERE conversation_id = ?`),
		conversationID,
	); err != nil {
		err = fmt.Errorf("failed to clear history: %w", err)
		return nil, err
	}

	insertSQL := s.rebind(`
INSERT INTO conversation_messages (conversation_id, role, content, created_at, metadata)
VALUES (?, ?, ?, ?, ?)`)
	now := time.Now().UnixMilli()
	for i, m := range cp.Messages {
		if _, err = tx.ExecContext(ctx, insertSQL,
			conversationID, string(m.Role), NormalizeContent(m), now+int64(i), nil,
		); err != nil {
			err = fmt.Errorf("failed to reinsert message at index %d: %w", i, err)
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rollback: %w", err)
	}

	return &RestoredCheckpoint{
		ConversationID: cp.ConversationID,
		Messages:       cp.Messages,
		TokenCount:     cp.TokenCount,
	}, nil
}

// PruneCheckpoints keeps at most max checkpoints for a conversation,
// deleting the oldest beyond the cap. Returns the number deleted.
func (s *Store) PruneCheckpoints(ctx context.Context, conversationID string, max int) (int64, error) {
	if max <= 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, s.rebind(`
DELETE FROM context_checkpoints
WHERE conversation_id = ?
  AND id NOT IN (
    SELECT id FROM (
      SELECT id FROM context_checkpoints
      WHERE conversation_id = ?
      ORDER BY created_at DESC, id DESC
      LIMIT ?
    ) keep
  )`), conversationID, conversationID, max)
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ExpireCheckpoints deletes checkpoints whose expiry has passed and returns
// the number deleted.
func (s *Store) ExpireCheckpoints(ctx context.Context, now time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM context_checkpoints WHERE expires_at IS NOT NULL AND expires_at < ?`),
		now.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// MarkMessage records an advisory annotation on a stored message.
func (s *Store) MarkMessage(ctx context.Context, messageID int64, conversationID string, kind MarkKind, actionID, metadata string) error {
	if conversationID == "" {
		return fmt.Errorf("conversationID cannot be empty")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO message_marks (message_id, conversation_id, mark_type, action_id, created_at, metadata)
VALUES (?, ?, ?, ?, ?, ?)`),
		messageID, conversationID, string(kind), actionID, time.Now().UnixMilli(), metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert mark: %w", err)
	}
	return nil
}

// ListMarks returns marks for a conversation, oldest first.
func (s *Store) ListMarks(ctx context.Context, conversationID string) ([]Mark, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, message_id, conversation_id, mark_type, COALESCE(action_id, ''), created_at, COALESCE(metadata, '')
FROM message_marks
WHERE conversation_id = ?
ORDER BY created_at ASC, id ASC`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query marks: %w", err)
	}
	defer rows.Close()

	var out []Mark
	for rows.Next() {
		var m Mark
		var createdAt int64
		var kind string
		if err := rows.Scan(&m.ID, &m.MessageID, &m.ConversationID, &kind, &m.ActionID, &createdAt, &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan mark: %w", err)
		}
		m.Kind = MarkKind(kind)
		m.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating marks: %w", err)
	}
	return out, nil
}

// SaveEffectiveContext upserts the effective context for a session.
func (s *Store) SaveEffectiveContext(ctx context.Context, ec *EffectiveContext) error {
	if ec == nil || ec.SessionID == "" {
		return fmt.Errorf("effective context with session id is required")
	}

	payload, err := json.Marshal(ec.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal effective messages: %w", err)
	}
	ids, err := json.Marshal(ec.CompressedMessageIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal compressed ids: %w", err)
	}

	now := time.Now()
	if ec.CreatedAt.IsZero() {
		ec.CreatedAt = now
	}
	ec.UpdatedAt = now

	var lastAction any
	if len(ec.LastAction) > 0 {
		lastAction = string(ec.LastAction)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Delete-then-insert keeps the upsert portable across dialects.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		s.rebind(`DELETE FROM context_sessions WHERE id = ?`), ec.SessionID,
	); err != nil {
		err = fmt.Errorf("failed to clear context session: %w", err)
		return err
	}

	if _, err = tx.ExecContext(ctx, s.rebind(`
INSERT INTO context_sessions (id, conversation_id, effective_messages, token_count, message_count, compression_summary, compressed_message_ids, last_action, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ec.SessionID, ec.ConversationID, string(payload), ec.TokenCount, ec.MessageCount,
		ec.CompressionSummary, string(ids), lastAction, ec.CreatedAt.UnixMilli(), ec.UpdatedAt.UnixMilli(),
	); err != nil {
		err = fmt.Errorf("failed to insert context session: %w", err)
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit context session: %w", err)
	}
	return nil
}

// GetEffectiveContext returns the effective context for a session, or nil.
func (s *Store) GetEffectiveContext(ctx context.Context, sessionID string) (*EffectiveContext, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, conversation_id, effective_messages, token_count, message_count,
       COALESCE(compression_summary, ''), COALESCE(compressed_message_ids, '[]'), COALESCE(last_action, ''), created_at, updated_at
FROM context_sessions
WHERE id = ?`), sessionID)

	var ec EffectiveContext
	var payload, ids, lastAction string
	var createdAt, updatedAt int64
	err := row.Scan(&ec.SessionID, &ec.ConversationID, &payload, &ec.TokenCount, &ec.MessageCount,
		&ec.CompressionSummary, &ids, &lastAction, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query context session: %w", err)
	}

	if err := json.Unmarshal([]byte(payload), &ec.Messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal effective messages: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &ec.CompressedMessageIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal compressed ids: %w", err)
	}
	if lastAction != "" {
		ec.LastAction = json.RawMessage(lastAction)
	}
	ec.CreatedAt = time.UnixMilli(createdAt)
	ec.UpdatedAt = time.UnixMilli(updatedAt)
	return &ec, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
