// Package file implements the conversation store on the local filesystem:
// one JSON document per conversation under a per-user directory, a flat
// index for listing, and per-user idempotency maps.
//
// Layout:
//
//	data/conversations/<user>/<YYYY-MM>/<timestamp>_<conv_id>.json
//	data/index.json
//	data/idempotency/<user>.json
//	outputs/<conv_id>/
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	manta "github.com/rheza/manta"
)

// Store implements manta.ConversationStore on local files. Writes go through
// a temp-file rename so a crash never leaves a half-written conversation.
type Store struct {
	dataDir    string
	outputsDir string
	logger     *slog.Logger

	mu    sync.RWMutex
	index map[string]indexEntry          // conv_id -> location
	idem  map[string]map[string]string   // user -> client_msg_id -> server_msg_id
}

type indexEntry struct {
	User string `json:"user"`
	Path string `json:"path"` // relative to dataDir
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

// New opens (or initializes) a file store rooted at dataDir with working
// directories under outputsDir. The index is loaded from data/index.json,
// or rebuilt by walking the conversations tree when the file is absent.
func New(dataDir, outputsDir string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		dataDir:    dataDir,
		outputsDir: outputsDir,
		index:      make(map[string]indexEntry),
		idem:       make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}

	for _, dir := range []string{
		filepath.Join(dataDir, "conversations"),
		filepath.Join(dataDir, "idempotency"),
		outputsDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("file store: init %s: %w", dir, err)
		}
	}

	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	if err := s.loadIdempotency(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadIndex reads index.json, falling back to a rebuild walk.
func (s *Store) loadIndex() error {
	path := filepath.Join(s.dataDir, "index.json")
	data, err := os.ReadFile(path)
	if err == nil {
		if jsonErr := json.Unmarshal(data, &s.index); jsonErr == nil {
			return nil
		}
		s.logger.Warn("index.json unreadable, rebuilding")
	}
	return s.rebuildIndex()
}

// rebuildIndex walks data/conversations and reconstructs the index from the
// directory layout and file contents.
func (s *Store) rebuildIndex() error {
	root := filepath.Join(s.dataDir, "conversations")
	s.index = make(map[string]indexEntry)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		var conv manta.Conversation
		data, readErr := os.ReadFile(path)
		if readErr != nil || json.Unmarshal(data, &conv) != nil || conv.ID == "" {
			s.logger.Warn("skipping unreadable conversation file", "path", path)
			return nil
		}
		rel, relErr := filepath.Rel(s.dataDir, path)
		if relErr != nil {
			return nil
		}
		s.index[conv.ID] = indexEntry{User: conv.User, Path: filepath.ToSlash(rel)}
		return nil
	})
	if err != nil {
		return fmt.Errorf("file store: rebuild index: %w", err)
	}
	return s.saveIndexLocked()
}

func (s *Store) saveIndexLocked() error {
	return writeJSONAtomic(filepath.Join(s.dataDir, "index.json"), s.index)
}

// loadIdempotency reads every per-user idempotency map.
func (s *Store) loadIdempotency() error {
	dir := filepath.Join(s.dataDir, "idempotency")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("file store: read idempotency dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		user := strings.TrimSuffix(e.Name(), ".json")
		data, readErr := os.ReadFile(filepath.Join(dir, e.Name()))
		if readErr != nil {
			continue
		}
		m := make(map[string]string)
		if json.Unmarshal(data, &m) == nil {
			s.idem[user] = m
		}
	}
	return nil
}

// AppendUserMessage implements idempotent user-message insertion. The
// idempotency entry and the message insert commit together: the message file
// is written first, then the idempotency file; a crash between the two
// re-inserts on retry, which neighbor normalization repairs.
func (s *Store) AppendUserMessage(ctx context.Context, convID, user, content, clientMsgID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if clientMsgID != "" {
		if prior, ok := s.idem[user][clientMsgID]; ok {
			return prior, true, nil
		}
	}

	conv, err := s.loadOrCreateLocked(convID, user)
	if err != nil {
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
	conv.Messages = insertBeforePlaceholder(conv.Messages, msg)
	conv.UpdatedAt = msg.CreatedAt

	if err := s.saveConversationLocked(conv); err != nil {
		return "", false, err
	}

	if clientMsgID != "" {
		if s.idem[user] == nil {
			s.idem[user] = make(map[string]string)
		}
		s.idem[user][clientMsgID] = msg.ServerMsgID
		if err := s.saveIdempotencyLocked(user); err != nil {
			return "", false, err
		}
	}
	return msg.ServerMsgID, false, nil
}

// CreateAssistantPlaceholder appends the in_progress assistant message the
// turn finalizes into later.
func (s *Store) CreateAssistantPlaceholder(ctx context.Context, convID, user string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.loadOrCreateLocked(convID, user)
	if err != nil {
		return "", err
	}
	msg := manta.Message{
		ServerMsgID: manta.NewID(),
		Role:        manta.RoleAssistant,
		Status:      manta.StatusInProgress,
		CreatedAt:   manta.NowUnix(),
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = msg.CreatedAt
	if err := s.saveConversationLocked(conv); err != nil {
		return "", err
	}
	return msg.ServerMsgID, nil
}

// UpdateAssistant finalizes the placeholder in place.
func (s *Store) UpdateAssistant(ctx context.Context, convID, serverMsgID, content string, toolCalls []manta.ToolCall, generatedFiles []string, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.loadLocked(convID)
	if err != nil {
		return err
	}
	for i := range conv.Messages {
		if conv.Messages[i].ServerMsgID != serverMsgID {
			continue
		}
		if conv.Messages[i].Status != manta.StatusInProgress {
			return manta.ErrNotInProgress
		}
		conv.Messages[i].Content = content
		conv.Messages[i].ToolCalls = toolCalls
		conv.Messages[i].GeneratedFiles = manta.UnionFiles(conv.Messages[i].GeneratedFiles, generatedFiles)
		conv.Messages[i].Status = status
		conv.UpdatedAt = manta.NowUnix()
		return s.saveConversationLocked(conv)
	}
	return manta.ErrMessageNotFound
}

// AppendAssistantMessage inserts a completed assistant message carrying
// mid-turn tool calls before the trailing placeholder. The tool calls are
// stored verbatim, metadata included, so replayed history re-emits them
// byte-identical.
func (s *Store) AppendAssistantMessage(ctx context.Context, convID, content string, toolCalls []manta.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.loadLocked(convID)
	if err != nil {
		return err
	}
	msg := manta.Message{
		ServerMsgID: manta.NewID(),
		Role:        manta.RoleAssistant,
		Content:     content,
		ToolCalls:   toolCalls,
		Status:      manta.StatusCompleted,
		CreatedAt:   manta.NowUnix(),
	}
	conv.Messages = insertBeforePlaceholder(conv.Messages, msg)
	conv.UpdatedAt = msg.CreatedAt
	return s.saveConversationLocked(conv)
}

// AppendToolMessage inserts a role=tool message before the trailing
// in_progress placeholder, keeping persisted order aligned with the turn.
func (s *Store) AppendToolMessage(ctx context.Context, convID, toolCallID, name, content string, generatedFiles []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.loadLocked(convID)
	if err != nil {
		return err
	}
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
	conv.Messages = insertBeforePlaceholder(conv.Messages, msg)
	conv.UpdatedAt = msg.CreatedAt
	return s.saveConversationLocked(conv)
}

// NeighborNormalize merges the last two adjacent same-role messages with
// identical whitespace-collapsed content: files union into the survivor,
// the earlier message is dropped. Applying it twice equals applying it once.
func (s *Store) NeighborNormalize(ctx context.Context, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.loadLocked(convID)
	if err != nil {
		return err
	}
	n := len(conv.Messages)
	if n < 2 {
		return nil
	}
	prev, last := &conv.Messages[n-2], &conv.Messages[n-1]
	if prev.Role != last.Role {
		return nil
	}
	if manta.CollapseWhitespace(prev.Content) != manta.CollapseWhitespace(last.Content) {
		return nil
	}
	last.GeneratedFiles = manta.UnionFiles(prev.GeneratedFiles, last.GeneratedFiles)
	conv.Messages = append(conv.Messages[:n-2], *last)
	conv.UpdatedAt = manta.NowUnix()
	s.logger.Debug("neighbor normalize merged duplicate message", "conversation", convID)
	return s.saveConversationLocked(conv)
}

// Get returns the full conversation record.
func (s *Store) Get(ctx context.Context, convID string) (manta.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, err := s.loadLocked(convID)
	if err != nil {
		return manta.Conversation{}, err
	}
	return *conv, nil
}

// GetMessage returns one message by server_msg_id.
func (s *Store) GetMessage(ctx context.Context, convID, serverMsgID string) (manta.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, err := s.loadLocked(convID)
	if err != nil {
		return manta.Message{}, err
	}
	for _, m := range conv.Messages {
		if m.ServerMsgID == serverMsgID {
			return m, nil
		}
	}
	return manta.Message{}, manta.ErrMessageNotFound
}

// List returns conversation summaries for a user, most recent first.
func (s *Store) List(ctx context.Context, user string) ([]manta.ConversationInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []manta.ConversationInfo
	for id, entry := range s.index {
		if entry.User != user {
			continue
		}
		conv, err := s.loadLocked(id)
		if err != nil {
			s.logger.Warn("skipping unreadable conversation", "conversation", id, "error", err)
			continue
		}
		out = append(out, manta.ConversationInfo{
			ID:        conv.ID,
			User:      conv.User,
			CreatedAt: conv.CreatedAt,
			UpdatedAt: conv.UpdatedAt,
			Messages:  len(conv.Messages),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

// Workdir returns (and creates) outputs/<conv_id>/.
func (s *Store) Workdir(convID string) (string, error) {
	dir := filepath.Join(s.outputsDir, convID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("file store: workdir: %w", err)
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

// insertBeforePlaceholder inserts msg before a trailing in_progress
// assistant placeholder when one exists, otherwise appends. This keeps the
// persisted order [user, assistant(tool_calls), tool, assistant(final)] even
// though the placeholder is created before the turn runs.
func insertBeforePlaceholder(messages []manta.Message, msg manta.Message) []manta.Message {
	n := len(messages)
	if n > 0 && messages[n-1].Role == manta.RoleAssistant && messages[n-1].Status == manta.StatusInProgress {
		out := append(messages[:n-1:n-1], msg)
		return append(out, messages[n-1])
	}
	return append(messages, msg)
}

func (s *Store) loadOrCreateLocked(convID, user string) (*manta.Conversation, error) {
	if _, ok := s.index[convID]; ok {
		return s.loadLocked(convID)
	}
	now := time.Now()
	rel := filepath.ToSlash(filepath.Join(
		"conversations", user, now.Format("2006-01"),
		fmt.Sprintf("%s_%s.json", now.Format("20060102T150405"), convID)))
	s.index[convID] = indexEntry{User: user, Path: rel}
	return &manta.Conversation{
		ID:        convID,
		User:      user,
		CreatedAt: now.Unix(),
		UpdatedAt: now.Unix(),
	}, nil
}

func (s *Store) loadLocked(convID string) (*manta.Conversation, error) {
	entry, ok := s.index[convID]
	if !ok {
		return nil, manta.ErrConversationNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.dataDir, filepath.FromSlash(entry.Path)))
	if err != nil {
		if os.IsNotExist(err) {
			// Indexed but never written: the conversation exists only as a
			// lazily-created record.
			return &manta.Conversation{ID: convID, User: entry.User}, nil
		}
		return nil, fmt.Errorf("file store: read conversation: %w", err)
	}
	var conv manta.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("file store: parse conversation %s: %w", convID, err)
	}
	return &conv, nil
}

func (s *Store) saveConversationLocked(conv *manta.Conversation) error {
	entry, ok := s.index[conv.ID]
	if !ok {
		return manta.ErrConversationNotFound
	}
	path := filepath.Join(s.dataDir, filepath.FromSlash(entry.Path))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("file store: conversation dir: %w", err)
	}
	if err := writeJSONAtomic(path, conv); err != nil {
		return err
	}
	return s.saveIndexLocked()
}

func (s *Store) saveIdempotencyLocked(user string) error {
	path := filepath.Join(s.dataDir, "idempotency", user+".json")
	return writeJSONAtomic(path, s.idem[user])
}

// writeJSONAtomic writes v as JSON via a temp file and rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("file store: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("file store: write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("file store: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("file store: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
