// Package sqlite implements the conversation store on a local SQLite file.
// Messages are ordered by an explicit sequence column so tool observations
// can land before the trailing assistant placeholder.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	manta "github.com/rheza/manta"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	user       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	server_msg_id   TEXT PRIMARY KEY,
	conv_id         TEXT NOT NULL REFERENCES conversations(id),
	seq             INTEGER NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	tool_calls      TEXT,
	tool_call_id    TEXT NOT NULL DEFAULT '',
	name            TEXT NOT NULL DEFAULT '',
	generated_files TEXT,
	status          TEXT NOT NULL,
	client_msg_id   TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conv_seq ON messages(conv_id, seq);
CREATE TABLE IF NOT EXISTS idempotency (
	user          TEXT NOT NULL,
	client_msg_id TEXT NOT NULL,
	server_msg_id TEXT NOT NULL,
	PRIMARY KEY (user, client_msg_id)
);
`

// Store implements manta.ConversationStore backed by a local SQLite file.
type Store struct {
	db         *sql.DB
	outputsDir string
	logger     *slog.Logger
}

var _ manta.ConversationStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// New opens a Store using a local SQLite file at dbPath with working
// directories under outputsDir. A single shared connection serializes all
// writers through one handle, eliminating SQLITE_BUSY from concurrent
// connections.
func New(dbPath, outputsDir string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: schema: %w", err)
	}

	s := &Store{db: db, outputsDir: outputsDir}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	if err := os.MkdirAll(outputsDir, 0o755); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: outputs dir: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// AppendUserMessage inserts a completed user message; the idempotency entry
// commits in the same transaction.
func (s *Store) AppendUserMessage(ctx context.Context, convID, user, content, clientMsgID string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer tx.Rollback()

	if clientMsgID != "" {
		var prior string
		err := tx.QueryRowContext(ctx,
			`SELECT server_msg_id FROM idempotency WHERE user = ? AND client_msg_id = ?`,
			user, clientMsgID).Scan(&prior)
		if err == nil {
			return prior, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, fmt.Errorf("sqlite store: idempotency lookup: %w", err)
		}
	}

	if err := ensureConversation(ctx, tx, convID, user); err != nil {
		return "", false, err
	}

	msg := manta.Message{
		ServerMsgID: manta.NewID(),
		Role:        manta.RoleUser,
		Content:     content,
		Status:      manta.StatusCompleted,
		ClientMsgID: clientMsgID,
		CreatedAt:   manta.NowUnix(),
	}
	if err := insertBeforePlaceholder(ctx, tx, convID, msg); err != nil {
		return "", false, err
	}

	if clientMsgID != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO idempotency (user, client_msg_id, server_msg_id) VALUES (?, ?, ?)`,
			user, clientMsgID, msg.ServerMsgID); err != nil {
			return "", false, fmt.Errorf("sqlite store: record idempotency: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("sqlite store: commit: %w", err)
	}
	return msg.ServerMsgID, false, nil
}

// CreateAssistantPlaceholder appends an in_progress assistant message.
func (s *Store) CreateAssistantPlaceholder(ctx context.Context, convID, user string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer tx.Rollback()

	if err := ensureConversation(ctx, tx, convID, user); err != nil {
		return "", err
	}
	msg := manta.Message{
		ServerMsgID: manta.NewID(),
		Role:        manta.RoleAssistant,
		Status:      manta.StatusInProgress,
		CreatedAt:   manta.NowUnix(),
	}
	if err := appendMessage(ctx, tx, convID, msg); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite store: commit: %w", err)
	}
	return msg.ServerMsgID, nil
}

// UpdateAssistant finalizes the placeholder in place.
func (s *Store) UpdateAssistant(ctx context.Context, convID, serverMsgID, content string, toolCalls []manta.ToolCall, generatedFiles []string, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer tx.Rollback()

	var current string
	var filesJSON sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT status, generated_files FROM messages WHERE conv_id = ? AND server_msg_id = ?`,
		convID, serverMsgID).Scan(&current, &filesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return manta.ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite store: read placeholder: %w", err)
	}
	if current != manta.StatusInProgress {
		return manta.ErrNotInProgress
	}

	var existing []string
	if filesJSON.Valid && filesJSON.String != "" {
		_ = json.Unmarshal([]byte(filesJSON.String), &existing)
	}
	files := manta.UnionFiles(existing, generatedFiles)

	tcJSON, filesOut, err := encodeJSONColumns(toolCalls, files)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET content = ?, tool_calls = ?, generated_files = ?, status = ? WHERE server_msg_id = ?`,
		content, tcJSON, filesOut, status, serverMsgID); err != nil {
		return fmt.Errorf("sqlite store: update assistant: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, manta.NowUnix(), convID); err != nil {
		return fmt.Errorf("sqlite store: touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}

// AppendAssistantMessage inserts a completed assistant message carrying
// mid-turn tool calls before the trailing placeholder.
func (s *Store) AppendAssistantMessage(ctx context.Context, convID, content string, toolCalls []manta.ToolCall) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer tx.Rollback()

	msg := manta.Message{
		ServerMsgID: manta.NewID(),
		Role:        manta.RoleAssistant,
		Content:     content,
		ToolCalls:   toolCalls,
		Status:      manta.StatusCompleted,
		CreatedAt:   manta.NowUnix(),
	}
	if err := insertBeforePlaceholder(ctx, tx, convID, msg); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}

// AppendToolMessage inserts a role=tool message before the trailing
// placeholder.
func (s *Store) AppendToolMessage(ctx context.Context, convID, toolCallID, name, content string, generatedFiles []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer tx.Rollback()

	msg := manta.Message{
		ServerMsgID:    manta.NewID(),
		Role:           manta.RoleTool,
		Content:        content,
		ToolCallID:     toolCallID,
		Name:           name,
		GeneratedFiles: generatedFiles,
		Status:         manta.StatusCompleted,
		CreatedAt:      manta.NowUnix(),
	}
	if err := insertBeforePlaceholder(ctx, tx, convID, msg); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	return nil
}

// NeighborNormalize merges the trailing same-role duplicate pair, if any.
func (s *Store) NeighborNormalize(ctx context.Context, convID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT server_msg_id, role, content, generated_files FROM messages
		 WHERE conv_id = ? ORDER BY seq DESC LIMIT 2`, convID)
	if err != nil {
		return fmt.Errorf("sqlite store: read tail: %w", err)
	}
	type tail struct {
		id, role, content string
		files             []string
	}
	var tails []tail
	for rows.Next() {
		var t tail
		var filesJSON sql.NullString
		if err := rows.Scan(&t.id, &t.role, &t.content, &filesJSON); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite store: scan tail: %w", err)
		}
		if filesJSON.Valid && filesJSON.String != "" {
			_ = json.Unmarshal([]byte(filesJSON.String), &t.files)
		}
		tails = append(tails, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite store: tail rows: %w", err)
	}
	if len(tails) < 2 {
		return nil
	}
	last, prev := tails[0], tails[1]
	if last.role != prev.role ||
		manta.CollapseWhitespace(last.content) != manta.CollapseWhitespace(prev.content) {
		return nil
	}

	merged := manta.UnionFiles(prev.files, last.files)
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("sqlite store: marshal merged files: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET generated_files = ? WHERE server_msg_id = ?`,
		string(mergedJSON), last.id); err != nil {
		return fmt.Errorf("sqlite store: merge files: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE server_msg_id = ?`, prev.id); err != nil {
		return fmt.Errorf("sqlite store: drop duplicate: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit: %w", err)
	}
	s.logger.Debug("neighbor normalize merged duplicate message", "conversation", convID)
	return nil
}

// Get returns the full conversation record.
func (s *Store) Get(ctx context.Context, convID string) (manta.Conversation, error) {
	var conv manta.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user, created_at, updated_at FROM conversations WHERE id = ?`, convID).
		Scan(&conv.ID, &conv.User, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return manta.Conversation{}, manta.ErrConversationNotFound
	}
	if err != nil {
		return manta.Conversation{}, fmt.Errorf("sqlite store: read conversation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT server_msg_id, role, content, tool_calls, tool_call_id, name,
		        generated_files, status, client_msg_id, created_at
		 FROM messages WHERE conv_id = ? ORDER BY seq`, convID)
	if err != nil {
		return manta.Conversation{}, fmt.Errorf("sqlite store: read messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return manta.Conversation{}, err
		}
		conv.Messages = append(conv.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return manta.Conversation{}, fmt.Errorf("sqlite store: message rows: %w", err)
	}
	return conv, nil
}

// GetMessage returns one message by server_msg_id.
func (s *Store) GetMessage(ctx context.Context, convID, serverMsgID string) (manta.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_msg_id, role, content, tool_calls, tool_call_id, name,
		        generated_files, status, client_msg_id, created_at
		 FROM messages WHERE conv_id = ? AND server_msg_id = ?`, convID, serverMsgID)
	if err != nil {
		return manta.Message{}, fmt.Errorf("sqlite store: read message: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return manta.Message{}, manta.ErrMessageNotFound
	}
	return scanMessage(rows)
}

// List returns conversation summaries for a user, most recent first.
func (s *Store) List(ctx context.Context, user string) ([]manta.ConversationInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.user, c.created_at, c.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.conv_id = c.id)
		 FROM conversations c WHERE c.user = ? ORDER BY c.updated_at DESC`, user)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list: %w", err)
	}
	defer rows.Close()

	var out []manta.ConversationInfo
	for rows.Next() {
		var info manta.ConversationInfo
		if err := rows.Scan(&info.ID, &info.User, &info.CreatedAt, &info.UpdatedAt, &info.Messages); err != nil {
			return nil, fmt.Errorf("sqlite store: scan summary: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Workdir returns (and creates) the conversation's working directory.
func (s *Store) Workdir(convID string) (string, error) {
	dir := filepath.Join(s.outputsDir, convID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("sqlite store: workdir: %w", err)
	}
	return dir, nil
}

// ListFiles enumerates the working directory contents.
func (s *Store) ListFiles(convID string) ([]manta.FileInfo, error) {
	dir, err := s.Workdir(convID)
	if err != nil {
		return nil, err
	}
	return manta.ListWorkdir(dir)
}

// --- internals ---

func ensureConversation(ctx context.Context, tx *sql.Tx, convID, user string) error {
	now := manta.NowUnix()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, user, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		convID, user, now, now); err != nil {
		return fmt.Errorf("sqlite store: ensure conversation: %w", err)
	}
	return nil
}

// insertBeforePlaceholder assigns the new message the seq of a trailing
// in_progress placeholder (bumping the placeholder by one), or the next free
// seq when no placeholder trails.
func insertBeforePlaceholder(ctx context.Context, tx *sql.Tx, convID string, msg manta.Message) error {
	var lastID string
	var lastSeq int64
	var lastRole, lastStatus string
	err := tx.QueryRowContext(ctx,
		`SELECT server_msg_id, seq, role, status FROM messages
		 WHERE conv_id = ? ORDER BY seq DESC LIMIT 1`, convID).
		Scan(&lastID, &lastSeq, &lastRole, &lastStatus)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return insertMessage(ctx, tx, convID, 1, msg)
	case err != nil:
		return fmt.Errorf("sqlite store: read tail: %w", err)
	}

	if lastRole == manta.RoleAssistant && lastStatus == manta.StatusInProgress {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET seq = ? WHERE server_msg_id = ?`, lastSeq+1, lastID); err != nil {
			return fmt.Errorf("sqlite store: bump placeholder: %w", err)
		}
		return insertMessage(ctx, tx, convID, lastSeq, msg)
	}
	return insertMessage(ctx, tx, convID, lastSeq+1, msg)
}

func appendMessage(ctx context.Context, tx *sql.Tx, convID string, msg manta.Message) error {
	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conv_id = ?`, convID).
		Scan(&next); err != nil {
		return fmt.Errorf("sqlite store: next seq: %w", err)
	}
	return insertMessage(ctx, tx, convID, next, msg)
}

func insertMessage(ctx context.Context, tx *sql.Tx, convID string, seq int64, msg manta.Message) error {
	tcJSON, filesJSON, err := encodeJSONColumns(msg.ToolCalls, msg.GeneratedFiles)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (server_msg_id, conv_id, seq, role, content, tool_calls,
		                       tool_call_id, name, generated_files, status, client_msg_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ServerMsgID, convID, seq, msg.Role, msg.Content, tcJSON,
		msg.ToolCallID, msg.Name, filesJSON, msg.Status, msg.ClientMsgID, msg.CreatedAt); err != nil {
		return fmt.Errorf("sqlite store: insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, msg.CreatedAt, convID); err != nil {
		return fmt.Errorf("sqlite store: touch conversation: %w", err)
	}
	return nil
}

func encodeJSONColumns(toolCalls []manta.ToolCall, files []string) (sql.NullString, sql.NullString, error) {
	var tc, fs sql.NullString
	if len(toolCalls) > 0 {
		b, err := json.Marshal(toolCalls)
		if err != nil {
			return tc, fs, fmt.Errorf("sqlite store: marshal tool calls: %w", err)
		}
		tc = sql.NullString{String: string(b), Valid: true}
	}
	if len(files) > 0 {
		b, err := json.Marshal(files)
		if err != nil {
			return tc, fs, fmt.Errorf("sqlite store: marshal files: %w", err)
		}
		fs = sql.NullString{String: string(b), Valid: true}
	}
	return tc, fs, nil
}

func scanMessage(rows *sql.Rows) (manta.Message, error) {
	var m manta.Message
	var tcJSON, filesJSON sql.NullString
	if err := rows.Scan(&m.ServerMsgID, &m.Role, &m.Content, &tcJSON, &m.ToolCallID,
		&m.Name, &filesJSON, &m.Status, &m.ClientMsgID, &m.CreatedAt); err != nil {
		return manta.Message{}, fmt.Errorf("sqlite store: scan message: %w", err)
	}
	if tcJSON.Valid && tcJSON.String != "" {
		if err := json.Unmarshal([]byte(tcJSON.String), &m.ToolCalls); err != nil {
			return manta.Message{}, fmt.Errorf("sqlite store: parse tool calls: %w", err)
		}
	}
	if filesJSON.Valid && filesJSON.String != "" {
		if err := json.Unmarshal([]byte(filesJSON.String), &m.GeneratedFiles); err != nil {
			return manta.Message{}, fmt.Errorf("sqlite store: parse files: %w", err)
		}
	}
	return m, nil
}
