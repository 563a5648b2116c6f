// Package server exposes the streaming HTTP surface: the SSE chat ingress,
// workspace file streaming, listings, cancellation, and transcript export.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	manta "github.com/rheza/manta"
)

const (
	maxRequestBodyBytes = 1 << 20 // 1MB
	heartbeatInterval   = 15 * time.Second
)

// TurnRunner drives one conversation turn. Implemented by manta.Orchestrator.
type TurnRunner interface {
	RunTurn(ctx context.Context, convID string, ch chan<- manta.StreamEvent) (manta.TurnResult, error)
}

// Server handles the HTTP surface around a store and an orchestrator.
type Server struct {
	store  manta.ConversationStore
	runner TurnRunner
	locks  *manta.LockTable
	logger *slog.Logger

	// keepAlive is the per-write deadline for SSE responses. Sized above
	// the longest tool timeout so streams survive a full tool budget.
	keepAlive time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // conversation id -> active turn cancel
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithKeepAlive sets the SSE write deadline.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// New creates a Server.
func New(store manta.ConversationStore, runner TurnRunner, opts ...Option) *Server {
	s := &Server{
		store:     store,
		runner:    runner,
		locks:     manta.NewLockTable(),
		keepAlive: 650 * time.Second,
		cancels:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Router builds the chi route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/chat", s.handleChat)
	r.Post("/chat/{conversationID}/cancel", s.handleCancel)
	r.Get("/stream/{conversationID}/{filename}", s.handleStreamFile)
	r.Get("/outputs/list/{conversationID}", s.handleListFiles)
	r.Get("/conversations", s.handleListConversations)
	r.Get("/conversations/{conversationID}/export", s.handleExport)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	return r
}

// chatRequest is the parsed body of POST /chat.
type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	User           string `json:"user"`
	Content        string `json:"content"`
	ClientMsgID    string `json:"client_msg_id"`
	Model          string `json:"model,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.ConversationID == "" || req.User == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "conversation_id, user, and content are required")
		return
	}

	// The lock covers the whole turn: append, placeholder, loop, finalize.
	release := s.locks.Acquire(req.ConversationID)
	defer release()

	// The turn must survive client disconnect; only the explicit cancel
	// endpoint aborts it.
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	s.registerCancel(req.ConversationID, cancel)
	defer s.unregisterCancel(req.ConversationID)

	serverMsgID, hit, err := s.store.AppendUserMessage(turnCtx, req.ConversationID, req.User, req.Content, req.ClientMsgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "append user message: "+err.Error())
		return
	}
	if hit {
		// Duplicate delivery. The prior turn's outcome (or its in_progress
		// placeholder) is already in the store; point the client at it.
		status := manta.StatusCompleted
		if msg, err := s.store.GetMessage(turnCtx, req.ConversationID, serverMsgID); err == nil {
			status = msg.Status
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"server_msg_id": serverMsgID,
			"status":        status,
		})
		return
	}

	placeholderID, err := s.store.CreateAssistantPlaceholder(turnCtx, req.ConversationID, req.User)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create placeholder: "+err.Error())
		return
	}

	sse, err := newSSEWriter(w, s.keepAlive)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sse.send("server_msg_id", map[string]string{
		"server_msg_id":   placeholderID,
		"conversation_id": req.ConversationID,
	})

	events := make(chan manta.StreamEvent, 64)
	type turnOutcome struct {
		result manta.TurnResult
		err    error
	}
	outcome := make(chan turnOutcome, 1)
	go func() {
		res, err := s.runner.RunTurn(turnCtx, req.ConversationID, events)
		outcome <- turnOutcome{result: res, err: err}
	}()

	s.pumpEvents(r.Context(), sse, events)

	o := <-outcome
	s.finalize(req.ConversationID, placeholderID, o.result, o.err, sse)
}

// pumpEvents forwards orchestrator events as SSE until the channel closes,
// interleaving heartbeats. Client disconnect stops writing but keeps
// draining so the turn is never blocked on a dead consumer.
func (s *Server) pumpEvents(clientCtx context.Context, sse *sseWriter, events <-chan manta.StreamEvent) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.sendEvent(sse, ev)
		case <-ticker.C:
			sse.send("heartbeat", struct{}{})
		case <-clientCtx.Done():
			sse.disconnect()
			// Drain without heartbeats.
			for range events {
			}
			return
		}
	}
}

func (s *Server) sendEvent(sse *sseWriter, ev manta.StreamEvent) {
	switch ev.Type {
	case manta.EventTextDelta:
		sse.send("text_delta", map[string]string{"text": ev.Content})
	case manta.EventToolCallStart:
		// Models sometimes emit arguments that are not valid JSON
		// (concatenated objects, truncation). Ship those as a string so the
		// event still reaches the client instead of failing to marshal.
		var args any = json.RawMessage(ev.Args)
		if !json.Valid(ev.Args) {
			args = string(ev.Args)
		}
		sse.send("tool_call_started", map[string]any{
			"name":      ev.Name,
			"arguments": args,
		})
	case manta.EventToolCallResult:
		sse.send("tool_call_result", map[string]any{
			"name":        ev.Name,
			"status":      ev.Status,
			"files_added": ev.Files,
		})
	case manta.EventFilesGenerated:
		sse.send("files_generated", map[string]any{"files": ev.Files})
	}
}

// finalize writes the turn outcome into the placeholder, normalizes
// neighbors, and emits the terminal SSE event. Runs on a background context:
// the client may be long gone, but history must still complete.
func (s *Server) finalize(convID, placeholderID string, result manta.TurnResult, turnErr error, sse *sseWriter) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status := manta.StatusCompleted
	content := result.Content
	if turnErr != nil {
		status = manta.StatusFailed
		if content == "" {
			content = "error: " + turnErr.Error()
		}
		s.logger.Error("turn failed", "conversation", convID, "error", turnErr)
	}

	if err := s.store.UpdateAssistant(ctx, convID, placeholderID, content, nil, result.Files, status); err != nil {
		if !errors.Is(err, manta.ErrNotInProgress) {
			s.logger.Error("finalize placeholder", "conversation", convID, "error", err)
		}
	}
	if err := s.store.NeighborNormalize(ctx, convID); err != nil {
		s.logger.Warn("neighbor normalize", "conversation", convID, "error", err)
	}

	sse.send("done", map[string]any{
		"status":        status,
		"final_content": content,
		"files":         result.Files,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "conversationID")
	s.mu.Lock()
	cancel, ok := s.cancels[convID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "no active turn for conversation")
		return
	}
	cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}
	infos, err := s.store.List(r.Context(), user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": infos})
}

func (s *Server) registerCancel(convID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[convID] = cancel
	s.mu.Unlock()
}

func (s *Server) unregisterCancel(convID string) {
	s.mu.Lock()
	delete(s.cancels, convID)
	s.mu.Unlock()
}

// sseWriter serializes SSE frames and tracks client liveness.
type sseWriter struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	keepAlive time.Duration
	mu        sync.Mutex
	gone      bool
}

func newSSEWriter(w http.ResponseWriter, keepAlive time.Duration) (*sseWriter, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, fmt.Errorf("streaming unsupported by connection")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, rc: http.NewResponseController(w), keepAlive: keepAlive}, nil
}

func (s *sseWriter) send(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = s.rc.SetWriteDeadline(time.Now().Add(s.keepAlive))
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.gone = true
		return
	}
	_ = s.rc.Flush()
}

// disconnect marks the client gone; subsequent sends are dropped.
func (s *sseWriter) disconnect() {
	s.mu.Lock()
	s.gone = true
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// cleanFilename rejects path separators and traversal in a URL filename
// segment.
func cleanFilename(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return "", fmt.Errorf("invalid filename")
	}
	return name, nil
}
