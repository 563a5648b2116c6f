package manta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// defaultMaxIterations caps the number of reason iterations per turn.
const defaultMaxIterations = 30

// maxToolResultMessageLen is the maximum rune length for a tool observation
// kept in the in-memory message log across iterations. Results exceeding the
// limit are truncated with a marker so the model knows content was trimmed.
// Stream events and persisted tool messages retain the full content.
const maxToolResultMessageLen = 100_000 // ~25K tokens

// maxParallelDispatch caps concurrent pure tool calls within one reply.
const maxParallelDispatch = 10

// budgetNote is appended to the final content when forced synthesis ran.
const budgetNote = "\n\n[Note: the tool-call budget for this turn was reached; this answer summarizes progress so far.]"

// TurnResult is the outcome of one orchestrated turn, handed to the HTTP
// surface for placeholder finalization.
type TurnResult struct {
	Content string
	// Files is the first-seen-ordered union of every file generated during
	// the turn (tool-reported plus workdir change sets).
	Files []string
	Usage Usage
}

// Orchestrator drives the reason/act/observe loop for one conversation turn.
// One instance serves many concurrent turns; it holds no per-turn state.
type Orchestrator struct {
	provider     Provider
	registry     *Registry
	store        ConversationStore
	systemPrompt string
	maxIter      int
	toolless     bool // model rejects tool messages; run as plain chat
	logger       *slog.Logger
	tracer       Tracer
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithSystemPrompt sets the system prompt prepended to every turn.
func WithSystemPrompt(s string) OrchestratorOption {
	return func(o *Orchestrator) { o.systemPrompt = s }
}

// WithMaxIterations overrides the per-turn reason-iteration budget.
func WithMaxIterations(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxIter = n
		}
	}
}

// WithoutTools disables tool calling for models that reject tool messages.
func WithoutTools() OrchestratorOption {
	return func(o *Orchestrator) { o.toolless = true }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTracer enables span creation for turns, iterations, and dispatches.
func WithTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// NewOrchestrator wires the loop to its collaborators.
func NewOrchestrator(p Provider, reg *Registry, store ConversationStore, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		provider: p,
		registry: reg,
		store:    store,
		maxIter:  defaultMaxIterations,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = nopLogger
	}
	return o
}

// RunTurn processes one user turn for convID. The conversation history,
// including the just-appended user message, is loaded from the store; tool
// observations are persisted as the loop progresses. Progress events are
// emitted on ch, which is closed exactly once before returning. Placeholder
// finalization and neighbor normalization are the caller's responsibility.
func (o *Orchestrator) RunTurn(ctx context.Context, convID string, ch chan<- StreamEvent) (TurnResult, error) {
	var closeOnce sync.Once
	safeCloseCh := func() {
		if ch != nil {
			closeOnce.Do(func() {
				defer func() { recover() }()
				close(ch)
			})
		}
	}

	if o.tracer != nil {
		var span Span
		ctx, span = o.tracer.Start(ctx, "turn",
			StringAttr("conversation.id", convID),
			BoolAttr("tools", !o.toolless))
		defer span.End()
	}

	messages, err := o.buildMessages(ctx, convID)
	if err != nil {
		safeCloseCh()
		return TurnResult{}, err
	}

	workdir, err := o.store.Workdir(convID)
	if err != nil {
		safeCloseCh()
		return TurnResult{}, err
	}
	inv := Invocation{ConversationID: convID, Workdir: workdir}

	var tools []ToolDefinition
	if !o.toolless {
		tools = o.registry.Definitions()
	}

	var totalUsage Usage
	var allFiles []string

	for i := 0; i < o.maxIter; i++ {
		iterCtx := ctx
		var iterSpan Span
		if o.tracer != nil {
			iterCtx, iterSpan = o.tracer.Start(ctx, "turn.iteration",
				IntAttr("iteration", i))
		}
		endIter := func() {
			if iterSpan != nil {
				iterSpan.End()
			}
		}

		resp, err := o.chatForward(iterCtx, ChatRequest{Messages: messages, Tools: tools}, ch)
		if err != nil {
			endIter()
			safeCloseCh()
			return TurnResult{Usage: totalUsage, Files: allFiles}, err
		}
		totalUsage.InputTokens += resp.Usage.InputTokens
		totalUsage.OutputTokens += resp.Usage.OutputTokens

		// No tool calls: final answer.
		if len(resp.ToolCalls) == 0 {
			endIter()
			safeCloseCh()
			return TurnResult{Content: resp.Content, Files: allFiles, Usage: totalUsage}, nil
		}

		if iterSpan != nil {
			iterSpan.SetAttr(IntAttr("tool_count", len(resp.ToolCalls)))
		}

		messages = append(messages, ChatMessage{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Persist the tool-calling assistant message before its observations
		// so the stored log replays as valid provider history on later turns.
		if err := o.store.AppendAssistantMessage(iterCtx, convID, resp.Content, resp.ToolCalls); err != nil {
			endIter()
			safeCloseCh()
			return TurnResult{Usage: totalUsage, Files: allFiles}, fmt.Errorf("persist assistant message: %w", err)
		}

		if ch != nil {
			for _, tc := range resp.ToolCalls {
				select {
				case ch <- StreamEvent{Type: EventToolCallStart, ID: tc.ID, Name: tc.Name, Args: tc.Args}:
				case <-ctx.Done():
				}
			}
		}

		results := o.dispatchCalls(iterCtx, resp.ToolCalls, inv)

		for j, tc := range resp.ToolCalls {
			res := results[j]

			content := res.Content
			if res.Status == ResultFailed {
				content = "error: " + res.Err.Error()
			}

			if err := o.store.AppendToolMessage(iterCtx, convID, tc.ID, tc.Name, content, res.Files); err != nil {
				endIter()
				safeCloseCh()
				return TurnResult{Usage: totalUsage, Files: allFiles}, fmt.Errorf("persist tool message: %w", err)
			}

			if ch != nil {
				select {
				case ch <- StreamEvent{
					Type:    EventToolCallResult,
					ID:      tc.ID,
					Name:    tc.Name,
					Content: content,
					Status:  res.Status,
					Files:   res.Files,
				}:
				case <-ctx.Done():
				}
			}

			if len(res.Files) > 0 {
				allFiles = UnionFiles(allFiles, res.Files)
				if ch != nil {
					select {
					case ch <- StreamEvent{Type: EventFilesGenerated, Files: allFiles}:
					case <-ctx.Done():
					}
				}
			}

			msgContent := content
			if len([]rune(msgContent)) > maxToolResultMessageLen {
				msgContent = truncateStr(msgContent, maxToolResultMessageLen) + "\n\n[output truncated — original was longer]"
			}
			messages = append(messages, ToolResultMessage(tc.ID, tc.Name, msgContent))
		}
		endIter()
	}

	// Budget exhausted — force synthesis without tools.
	o.logger.Warn("iteration budget reached, forcing synthesis", "conversation", convID, "iterations", o.maxIter)
	messages = append(messages, UserMessage(
		"You have used all available tool calls. Summarize what you found and respond to the user."))

	synthCtx := ctx
	if o.tracer != nil {
		var synthSpan Span
		synthCtx, synthSpan = o.tracer.Start(ctx, "turn.synthesis", BoolAttr("forced", true))
		defer synthSpan.End()
	}

	resp, err := o.chatForward(synthCtx, ChatRequest{Messages: messages}, ch)
	safeCloseCh()
	if err != nil {
		return TurnResult{Usage: totalUsage, Files: allFiles}, err
	}
	totalUsage.InputTokens += resp.Usage.InputTokens
	totalUsage.OutputTokens += resp.Usage.OutputTokens
	return TurnResult{Content: resp.Content + budgetNote, Files: allFiles, Usage: totalUsage}, nil
}

// buildMessages converts the persisted conversation log into the provider
// message shape. The trailing in_progress placeholder for the current turn is
// skipped; ToolCall metadata (provider passthrough state) survives the
// round trip untouched.
func (o *Orchestrator) buildMessages(ctx context.Context, convID string) ([]ChatMessage, error) {
	conv, err := o.store.Get(ctx, convID)
	if err != nil {
		return nil, err
	}

	var messages []ChatMessage
	if o.systemPrompt != "" {
		messages = append(messages, SystemMessage(o.systemPrompt))
	}
	for _, m := range conv.Messages {
		if m.Role == RoleAssistant && m.Status == StatusInProgress {
			continue
		}
		messages = append(messages, ChatMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		})
	}
	return messages, nil
}

// chatForward streams one provider call, forwarding text deltas onto the
// turn's progress channel without closing it. Completed tool calls arrive on
// the returned response only.
func (o *Orchestrator) chatForward(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	if ch == nil {
		return o.provider.Chat(ctx, req)
	}

	mid := make(chan StreamEvent, 64)
	var (
		resp    ChatResponse
		callErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, callErr = o.provider.ChatStream(ctx, req, mid)
	}()
	for ev := range mid {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}
	<-done
	return resp, callErr
}

// dispatchCalls runs one reply's tool calls. Calls run sequentially by
// default so working-directory mutations stay deterministic; a reply whose
// calls are all registered pure is dispatched in parallel.
func (o *Orchestrator) dispatchCalls(ctx context.Context, calls []ToolCall, inv Invocation) []Result {
	if len(calls) > 1 && o.allPure(calls) {
		return o.dispatchParallel(ctx, calls, inv)
	}
	results := make([]Result, len(calls))
	for i, tc := range calls {
		results[i] = o.dispatchOne(ctx, tc, inv)
	}
	return results
}

// allPure reports whether every call targets a tool declared side-effect-free.
// Unknown tools count as impure; the registry will reject them in order.
func (o *Orchestrator) allPure(calls []ToolCall) bool {
	for _, tc := range calls {
		d, ok := o.registry.Descriptor(tc.Name)
		if !ok || !d.Pure {
			return false
		}
	}
	return true
}

// dispatchOne invokes a single call, retrying once on timeout when the
// descriptor opts in. All other failures go back to the model as-is.
func (o *Orchestrator) dispatchOne(ctx context.Context, tc ToolCall, inv Invocation) Result {
	res := o.registry.Invoke(ctx, tc.Name, tc.Args, inv)
	if res.Status == ResultFailed && res.Err != nil && res.Err.Kind == ErrToolTimeout {
		if d, ok := o.registry.Descriptor(tc.Name); ok && d.RetryOnTimeout {
			o.logger.Warn("retrying tool after timeout", "tool", tc.Name, "conversation", inv.ConversationID)
			res = o.registry.Invoke(ctx, tc.Name, tc.Args, inv)
		}
	}
	return res
}

// dispatchParallel runs pure calls concurrently through a fixed worker pool,
// returning results in input order.
func (o *Orchestrator) dispatchParallel(ctx context.Context, calls []ToolCall, inv Invocation) []Result {
	type workItem struct {
		idx int
		tc  ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	results := make([]Result, len(calls))
	var mu sync.Mutex

	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					mu.Lock()
					results[w.idx] = Result{Status: ResultFailed, Err: &ToolError{
						Kind: ErrHandlerFailure, Tool: w.tc.Name, Detail: ctx.Err().Error()}}
					mu.Unlock()
					continue
				}
				r := o.dispatchOne(ctx, w.tc, inv)
				mu.Lock()
				results[w.idx] = r
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return results
}

// IsProtocolError reports whether err terminates the turn as a provider
// protocol violation rather than something the model can recover from.
func IsProtocolError(err error) bool {
	var pe *ErrProtocol
	return errors.As(err, &pe)
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	// Byte length ≤ n guarantees rune count ≤ n, avoiding the []rune
	// allocation for short/ASCII strings.
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
