package manta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry holds tool descriptors and dispatches invocations. Registration
// happens before serving begins; Freeze makes the set immutable, after which
// Invoke is safe for concurrent use without locking.
type Registry struct {
	mu             sync.Mutex
	frozen         bool
	tools          map[string]*registered
	order          []string // registration order, for stable listings
	defaultTimeout time.Duration
	timeouts       map[string]time.Duration // per-tool operator overrides
	logger         *slog.Logger
	tracer         Tracer
}

type registered struct {
	desc    Descriptor
	handler Handler
	schema  *jsonschema.Schema // nil when the descriptor has no parameters
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// RegistryLogger sets the structured logger for dispatch events.
func RegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// RegistryTracer sets the tracer for per-invocation spans.
func RegistryTracer(t Tracer) RegistryOption {
	return func(r *Registry) { r.tracer = t }
}

// RegistryDefaultTimeout replaces the fallback applied to descriptors that
// declare no timeout.
func RegistryDefaultTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// RegistryToolTimeout overrides the timeout for one tool, taking precedence
// over the descriptor's own value at registration.
func RegistryToolTimeout(name string, d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeouts[name] = d
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:          make(map[string]*registered),
		defaultTimeout: DefaultToolTimeout,
		timeouts:       make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Register adds a tool. Fails after Freeze, on duplicate names, and on
// unparseable parameter schemas.
func (r *Registry) Register(d Descriptor, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry: register %q after freeze", d.Name)
	}
	if d.Name == "" {
		return fmt.Errorf("registry: empty tool name")
	}
	if _, ok := r.tools[d.Name]; ok {
		return fmt.Errorf("registry: duplicate tool %q", d.Name)
	}
	if h == nil {
		return fmt.Errorf("registry: nil handler for %q", d.Name)
	}
	if d.Timeout <= 0 {
		d.Timeout = r.defaultTimeout
	}
	if override, ok := r.timeouts[d.Name]; ok {
		d.Timeout = override
	}

	var sch *jsonschema.Schema
	if len(d.Parameters) > 0 {
		var doc any
		if err := json.Unmarshal(d.Parameters, &doc); err != nil {
			return fmt.Errorf("registry: tool %q schema: %w", d.Name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return fmt.Errorf("registry: tool %q schema: %w", d.Name, err)
		}
		compiled, err := c.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("registry: tool %q schema: %w", d.Name, err)
		}
		sch = compiled
	}

	r.tools[d.Name] = &registered{desc: d, handler: h, schema: sch}
	r.order = append(r.order, d.Name)
	return nil
}

// Freeze makes the registry immutable. Idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Descriptor returns the descriptor registered under name.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	if !ok {
		return Descriptor{}, false
	}
	return t.desc, true
}

// Descriptors returns all descriptors in registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].desc)
	}
	return out
}

// Definitions returns the provider-facing tool declarations in
// registration order. Providers translate these into their own dialect.
func (r *Registry) Definitions() []ToolDefinition {
	descs := r.Descriptors()
	out := make([]ToolDefinition, 0, len(descs))
	for _, d := range descs {
		out = append(out, ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  json.RawMessage(d.Parameters),
		})
	}
	return out
}

// Invoke validates and dispatches one tool call. Failures come back inside
// the Result envelope; the returned Result always has a terminal Status.
// No retries happen at this layer.
func (r *Registry) Invoke(ctx context.Context, name string, rawArgs json.RawMessage, inv Invocation) Result {
	start := time.Now()

	t, ok := r.lookup(name)
	if !ok {
		return failed(start, &ToolError{Kind: ErrUnknownTool, Tool: name, Detail: "no such tool"})
	}

	args, terr := coerceArgs(name, rawArgs)
	if terr != nil {
		return failed(start, terr)
	}
	if terr := r.validate(t, args); terr != nil {
		return failed(start, terr)
	}

	if r.tracer != nil {
		var span Span
		ctx, span = r.tracer.Start(ctx, "tool.invoke",
			StringAttr("tool.name", name),
			StringAttr("conversation.id", inv.ConversationID))
		defer span.End()
	}

	// Snapshot time for workdir change detection before the handler runs.
	snapshot := time.Now()

	res, terr := r.run(ctx, t, args, inv)
	if terr != nil {
		r.logger.Warn("tool failed", "tool", name, "kind", terr.Kind.String(), "detail", terr.Detail)
		out := failed(start, terr)
		// Even a failed handler may have produced files (e.g. a partial
		// render before a timeout); report them so they are not orphaned.
		if inv.Workdir != "" {
			out.Files = ChangedFiles(inv.Workdir, snapshot)
		}
		return out
	}

	files := res.Files
	if inv.Workdir != "" {
		files = UnionFiles(files, ChangedFiles(inv.Workdir, snapshot))
	}

	r.logger.Debug("tool completed", "tool", name, "duration", time.Since(start), "files", len(files))
	return Result{
		Status:   ResultSuccess,
		Content:  res.Content,
		Files:    files,
		Duration: time.Since(start),
	}
}

func (r *Registry) lookup(name string) (*registered, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	return t, ok
}

// run executes the handler under the descriptor deadline with panic
// containment. On deadline elapse the handler's context is cancelled and an
// ErrToolTimeout is returned even if the handler is still draining.
func (r *Registry) run(ctx context.Context, t *registered, args map[string]any, inv Invocation) (ToolResult, *ToolError) {
	ctx, cancel := context.WithTimeout(ctx, t.desc.Timeout)
	defer cancel()

	type outcome struct {
		res ToolResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		res, err := t.handler(ctx, args, inv)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return ToolResult{}, &ToolError{Kind: ErrToolTimeout, Tool: t.desc.Name,
					Detail: fmt.Sprintf("exceeded %s", t.desc.Timeout)}
			}
			return ToolResult{}, &ToolError{Kind: ErrHandlerFailure, Tool: t.desc.Name, Detail: o.err.Error()}
		}
		return o.res, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return ToolResult{}, &ToolError{Kind: ErrToolTimeout, Tool: t.desc.Name,
				Detail: fmt.Sprintf("exceeded %s", t.desc.Timeout)}
		}
		return ToolResult{}, &ToolError{Kind: ErrHandlerFailure, Tool: t.desc.Name, Detail: ctx.Err().Error()}
	}
}

// coerceArgs decodes the model-produced argument string into an object.
// Models sometimes emit concatenated JSON objects in a single arguments
// string; that is malformed and is reported as such, never silently merged.
func coerceArgs(tool string, raw json.RawMessage) (map[string]any, *ToolError) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, &ToolError{Kind: ErrMalformedArguments, Tool: tool, Detail: err.Error()}
	}
	if dec.More() {
		return nil, &ToolError{Kind: ErrMalformedArguments, Tool: tool,
			Detail: "multiple concatenated JSON objects in arguments"}
	}
	return args, nil
}

// validate checks required parameters and the compiled JSON Schema.
func (r *Registry) validate(t *registered, args map[string]any) *ToolError {
	var missing []string
	for _, req := range t.desc.Required {
		if _, ok := args[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return &ToolError{Kind: ErrArgumentValidation, Tool: t.desc.Name,
			Detail: "missing required parameters", Fields: missing}
	}

	if t.schema != nil {
		// The schema validator rejects json.Number; round-trip through
		// plain decoding for validation only.
		plain, err := plainValue(args)
		if err != nil {
			return &ToolError{Kind: ErrMalformedArguments, Tool: t.desc.Name, Detail: err.Error()}
		}
		if err := t.schema.Validate(plain); err != nil {
			fields := validationFields(err)
			return &ToolError{Kind: ErrArgumentValidation, Tool: t.desc.Name,
				Detail: err.Error(), Fields: fields}
		}
	}
	return nil
}

// plainValue re-decodes args without UseNumber so the schema validator sees
// float64 numbers.
func plainValue(args map[string]any) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// validationFields collects the offending instance locations from a
// jsonschema validation error, deepest causes first-seen.
func validationFields(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var fields []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := "/" + strings.Join(e.InstanceLocation, "/")
			if loc != "/" && !seen[loc] {
				seen[loc] = true
				fields = append(fields, loc)
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(fields)
	return fields
}

func failed(start time.Time, terr *ToolError) Result {
	return Result{Status: ResultFailed, Err: terr, Duration: time.Since(start)}
}
