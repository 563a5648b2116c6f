// Package postgres implements the conversation store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor injection.
// The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	manta "github.com/rheza/manta"
)

// Store implements manta.ConversationStore backed by PostgreSQL. Working
// directories stay on the local filesystem under outputsDir; only the
// transcript and idempotency records live in the database.
type Store struct {
	pool       *pgxpool.Pool
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

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, outputsDir string, opts ...Option) *Store {
	s := &Store{pool: pool, outputsDir: outputsDir, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			username   TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			server_msg_id   TEXT PRIMARY KEY,
			conv_id         TEXT NOT NULL REFERENCES conversations(id),
			seq             BIGINT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			tool_calls      JSONB,
			tool_call_id    TEXT NOT NULL DEFAULT '',
			name            TEXT NOT NULL DEFAULT '',
			generated_files JSONB,
			status          TEXT NOT NULL,
			client_msg_id   TEXT NOT NULL DEFAULT '',
			created_at      BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_seq ON messages (conv_id, seq)`,
		`CREATE TABLE IF NOT EXISTS idempotency (
			username      TEXT NOT NULL,
			client_msg_id TEXT NOT NULL,
			server_msg_id TEXT NOT NULL,
			PRIMARY KEY (username, client_msg_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres store: init: %w", err)
		}
	}
	if err := os.MkdirAll(s.outputsDir, 0o755); err != nil {
		return fmt.Errorf("postgres store: outputs dir: %w", err)
	}
	return nil
}

// AppendUserMessage inserts a completed user message; the idempotency record
// commits in the same transaction so a crash cannot orphan one side.
func (s *Store) AppendUserMessage(ctx context.Context, convID, user, content, clientMsgID string) (string, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if clientMsgID != "" {
		var prior string
		err := tx.QueryRow(ctx,
			`SELECT server_msg_id FROM idempotency WHERE username = $1 AND client_msg_id = $2`,
			user, clientMsgID).Scan(&prior)
		if err == nil {
			return prior, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", false, fmt.Errorf("postgres store: idempotency lookup: %w", err)
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
		if _, err := tx.Exec(ctx,
			`INSERT INTO idempotency (username, client_msg_id, server_msg_id) VALUES ($1, $2, $3)`,
			user, clientMsgID, msg.ServerMsgID); err != nil {
			return "", false, fmt.Errorf("postgres store: record idempotency: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("postgres store: commit: %w", err)
	}
	return msg.ServerMsgID, false, nil
}

// CreateAssistantPlaceholder appends an in_progress assistant message.
func (s *Store) CreateAssistantPlaceholder(ctx context.Context, convID, user string) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

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
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("postgres store: commit: %w", err)
	}
	return msg.ServerMsgID, nil
}

// UpdateAssistant finalizes the placeholder in place. Only an in_progress
// message may transition, so a second racing finalizer gets ErrNotInProgress.
func (s *Store) UpdateAssistant(ctx context.Context, convID, serverMsgID, content string, toolCalls []manta.ToolCall, generatedFiles []string, status string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	var existingJSON []byte
	err = tx.QueryRow(ctx,
		`SELECT status, generated_files FROM messages
		 WHERE conv_id = $1 AND server_msg_id = $2 FOR UPDATE`,
		convID, serverMsgID).Scan(&current, &existingJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return manta.ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres store: read placeholder: %w", err)
	}
	if current != manta.StatusInProgress {
		return manta.ErrNotInProgress
	}

	var existing []string
	if len(existingJSON) > 0 {
		_ = json.Unmarshal(existingJSON, &existing)
	}
	files := manta.UnionFiles(existing, generatedFiles)

	tcJSON, filesJSON, err := encodeJSONColumns(toolCalls, files)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE messages SET content = $1, tool_calls = $2, generated_files = $3, status = $4
		 WHERE server_msg_id = $5`,
		content, tcJSON, filesJSON, status, serverMsgID); err != nil {
		return fmt.Errorf("postgres store: update assistant: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`, manta.NowUnix(), convID); err != nil {
		return fmt.Errorf("postgres store: touch conversation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

// AppendAssistantMessage inserts a completed assistant message carrying
// mid-turn tool calls before the trailing placeholder.
func (s *Store) AppendAssistantMessage(ctx context.Context, convID, content string, toolCalls []manta.ToolCall) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

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
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

// AppendToolMessage inserts a role=tool observation before the trailing
// placeholder.
func (s *Store) AppendToolMessage(ctx context.Context, convID, toolCallID, name, content string, generatedFiles []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

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
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

// NeighborNormalize merges the trailing same-role duplicate pair, if any.
func (s *Store) NeighborNormalize(ctx context.Context, convID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT server_msg_id, role, content, generated_files FROM messages
		 WHERE conv_id = $1 ORDER BY seq DESC LIMIT 2 FOR UPDATE`, convID)
	if err != nil {
		return fmt.Errorf("postgres store: read tail: %w", err)
	}
	type tail struct {
		id, role, content string
		files             []string
	}
	var tails []tail
	for rows.Next() {
		var t tail
		var filesJSON []byte
		if err := rows.Scan(&t.id, &t.role, &t.content, &filesJSON); err != nil {
			rows.Close()
			return fmt.Errorf("postgres store: scan tail: %w", err)
		}
		if len(filesJSON) > 0 {
			_ = json.Unmarshal(filesJSON, &t.files)
		}
		tails = append(tails, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres store: tail rows: %w", err)
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
		return fmt.Errorf("postgres store: marshal merged files: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE messages SET generated_files = $1 WHERE server_msg_id = $2`,
		mergedJSON, last.id); err != nil {
		return fmt.Errorf("postgres store: merge files: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM messages WHERE server_msg_id = $1`, prev.id); err != nil {
		return fmt.Errorf("postgres store: drop duplicate: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	s.logger.Debug("neighbor normalize merged duplicate message", "conversation", convID)
	return nil
}

// Get returns the full conversation record.
func (s *Store) Get(ctx context.Context, convID string) (manta.Conversation, error) {
	var conv manta.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, created_at, updated_at FROM conversations WHERE id = $1`, convID).
		Scan(&conv.ID, &conv.User, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return manta.Conversation{}, manta.ErrConversationNotFound
	}
	if err != nil {
		return manta.Conversation{}, fmt.Errorf("postgres store: read conversation: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT server_msg_id, role, content, tool_calls, tool_call_id, name,
		        generated_files, status, client_msg_id, created_at
		 FROM messages WHERE conv_id = $1 ORDER BY seq`, convID)
	if err != nil {
		return manta.Conversation{}, fmt.Errorf("postgres store: read messages: %w", err)
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
		return manta.Conversation{}, fmt.Errorf("postgres store: message rows: %w", err)
	}
	return conv, nil
}

// GetMessage returns one message by server_msg_id.
func (s *Store) GetMessage(ctx context.Context, convID, serverMsgID string) (manta.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT server_msg_id, role, content, tool_calls, tool_call_id, name,
		        generated_files, status, client_msg_id, created_at
		 FROM messages WHERE conv_id = $1 AND server_msg_id = $2`, convID, serverMsgID)
	if err != nil {
		return manta.Message{}, fmt.Errorf("postgres store: read message: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return manta.Message{}, manta.ErrMessageNotFound
	}
	return scanMessage(rows)
}

// List returns conversation summaries for a user, most recent first.
func (s *Store) List(ctx context.Context, user string) ([]manta.ConversationInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.username, c.created_at, c.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.conv_id = c.id)
		 FROM conversations c WHERE c.username = $1 ORDER BY c.updated_at DESC`, user)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	defer rows.Close()

	var out []manta.ConversationInfo
	for rows.Next() {
		var info manta.ConversationInfo
		if err := rows.Scan(&info.ID, &info.User, &info.CreatedAt, &info.UpdatedAt, &info.Messages); err != nil {
			return nil, fmt.Errorf("postgres store: scan summary: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Workdir returns (and creates) the conversation's working directory.
func (s *Store) Workdir(convID string) (string, error) {
	dir := filepath.Join(s.outputsDir, convID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("postgres store: workdir: %w", err)
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

func ensureConversation(ctx context.Context, tx pgx.Tx, convID, user string) error {
	now := manta.NowUnix()
	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (id, username, created_at, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
		convID, user, now, now); err != nil {
		return fmt.Errorf("postgres store: ensure conversation: %w", err)
	}
	return nil
}

// insertBeforePlaceholder gives the new message the seq of a trailing
// in_progress placeholder, bumping the placeholder by one, so persisted
// order reads user, assistant(tool_calls), tool, assistant(final).
func insertBeforePlaceholder(ctx context.Context, tx pgx.Tx, convID string, msg manta.Message) error {
	var lastID string
	var lastSeq int64
	var lastRole, lastStatus string
	err := tx.QueryRow(ctx,
		`SELECT server_msg_id, seq, role, status FROM messages
		 WHERE conv_id = $1 ORDER BY seq DESC LIMIT 1 FOR UPDATE`, convID).
		Scan(&lastID, &lastSeq, &lastRole, &lastStatus)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return insertMessage(ctx, tx, convID, 1, msg)
	case err != nil:
		return fmt.Errorf("postgres store: read tail: %w", err)
	}

	if lastRole == manta.RoleAssistant && lastStatus == manta.StatusInProgress {
		if _, err := tx.Exec(ctx,
			`UPDATE messages SET seq = $1 WHERE server_msg_id = $2`, lastSeq+1, lastID); err != nil {
			return fmt.Errorf("postgres store: bump placeholder: %w", err)
		}
		return insertMessage(ctx, tx, convID, lastSeq, msg)
	}
	return insertMessage(ctx, tx, convID, lastSeq+1, msg)
}

func appendMessage(ctx context.Context, tx pgx.Tx, convID string, msg manta.Message) error {
	var next int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conv_id = $1`, convID).
		Scan(&next); err != nil {
		return fmt.Errorf("postgres store: next seq: %w", err)
	}
	return insertMessage(ctx, tx, convID, next, msg)
}

func insertMessage(ctx context.Context, tx pgx.Tx, convID string, seq int64, msg manta.Message) error {
	tcJSON, filesJSON, err := encodeJSONColumns(msg.ToolCalls, msg.GeneratedFiles)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (server_msg_id, conv_id, seq, role, content, tool_calls,
		                       tool_call_id, name, generated_files, status, client_msg_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		msg.ServerMsgID, convID, seq, msg.Role, msg.Content, tcJSON,
		msg.ToolCallID, msg.Name, filesJSON, msg.Status, msg.ClientMsgID, msg.CreatedAt); err != nil {
		return fmt.Errorf("postgres store: insert message: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`, msg.CreatedAt, convID); err != nil {
		return fmt.Errorf("postgres store: touch conversation: %w", err)
	}
	return nil
}

func encodeJSONColumns(toolCalls []manta.ToolCall, files []string) ([]byte, []byte, error) {
	var tcJSON, filesJSON []byte
	if len(toolCalls) > 0 {
		b, err := json.Marshal(toolCalls)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: marshal tool calls: %w", err)
		}
		tcJSON = b
	}
	if len(files) > 0 {
		b, err := json.Marshal(files)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: marshal files: %w", err)
		}
		filesJSON = b
	}
	return tcJSON, filesJSON, nil
}

func scanMessage(rows pgx.Rows) (manta.Message, error) {
	var m manta.Message
	var tcJSON, filesJSON []byte
	if err := rows.Scan(&m.ServerMsgID, &m.Role, &m.Content, &tcJSON, &m.ToolCallID,
		&m.Name, &filesJSON, &m.Status, &m.ClientMsgID, &m.CreatedAt); err != nil {
		return manta.Message{}, fmt.Errorf("postgres store: scan message: %w", err)
	}
	if len(tcJSON) > 0 {
		if err := json.Unmarshal(tcJSON, &m.ToolCalls); err != nil {
			return manta.Message{}, fmt.Errorf("postgres store: parse tool calls: %w", err)
		}
	}
	if len(filesJSON) > 0 {
		if err := json.Unmarshal(filesJSON, &m.GeneratedFiles); err != nil {
			return manta.Message{}, fmt.Errorf("postgres store: parse files: %w", err)
		}
	}
	return m, nil
}
