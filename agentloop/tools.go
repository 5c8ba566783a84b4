package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/xeipuuv/gojsonschema"

	"github.com/martinemde/taskforge/sandbox"
	"github.com/martinemde/taskforge/unifiedllm"
)

// ToolHandler performs a tool's work. It receives arguments that already
// passed schema validation and runs inside the sandbox adapter, so it must
// honor ctx.
type ToolHandler func(ctx context.Context, args Arguments) (sandbox.Output, error)

// ToolDefinition describes a tool for the model (serializable metadata).
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// RegisteredTool pairs a tool definition with its handler and dispatch
// settings.
type RegisteredTool struct {
	Definition ToolDefinition
	Handler    ToolHandler

	schema    *gojsonschema.Schema
	parallel  bool
	timeout   time.Duration
	maxOutput int
	maxLines  int
	mode      sandbox.TruncationMode
}

// Parallel reports whether the tool may run concurrently with other
// requests of the same model turn.
func (t *RegisteredTool) Parallel() bool { return t.parallel }

// ToolOption configures a registered tool.
type ToolOption func(*RegisteredTool)

// Parallel marks a tool as safe to run concurrently with the other requests
// of the same turn. Use it for tools without side effects.
func Parallel() ToolOption {
	return func(t *RegisteredTool) { t.parallel = true }
}

// WithTimeout sets the tool's default timeout. A "timeout_ms" argument
// overrides it per call; the sandbox adapter caps both.
func WithTimeout(d time.Duration) ToolOption {
	return func(t *RegisteredTool) { t.timeout = d }
}

// WithOutputLimits sets the tool's output caps. Zero keeps the adapter
// default.
func WithOutputLimits(maxBytes, maxLines int) ToolOption {
	return func(t *RegisteredTool) {
		t.maxOutput = maxBytes
		t.maxLines = maxLines
	}
}

// WithTruncation selects how oversized output is cut.
func WithTruncation(mode sandbox.TruncationMode) ToolOption {
	return func(t *RegisteredTool) { t.mode = mode }
}

// ToolRegistry is the closed set of tools a model may request.
type ToolRegistry struct {
	tools   map[string]*RegisteredTool
	adapter *sandbox.Adapter
	mu      sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry that runs handlers through
// adapter (a default adapter when nil).
func NewToolRegistry(adapter *sandbox.Adapter) *ToolRegistry {
	if adapter == nil {
		adapter = sandbox.NewAdapter()
	}
	return &ToolRegistry{
		tools:   make(map[string]*RegisteredTool),
		adapter: adapter,
	}
}

// Register adds a tool. Names are unique and the parameter schema must
// compile.
func (r *ToolRegistry) Register(def ToolDefinition, handler ToolHandler, opts ...ToolOption) error {
	if def.Name == "" {
		return newError(KindValidation, nil, "tool name is empty")
	}
	if handler == nil {
		return newError(KindValidation, nil, "tool %q has no handler", def.Name)
	}
	if def.Parameters == nil {
		def.Parameters = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.Parameters))
	if err != nil {
		return newError(KindValidation, err, "tool %q has an invalid schema", def.Name)
	}

	tool := &RegisteredTool{Definition: def, Handler: handler, schema: schema}
	for _, opt := range opts {
		opt(tool)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return newError(KindDuplicateTool, nil, "tool %q is already registered", def.Name)
	}
	r.tools[def.Name] = tool
	return nil
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definitions returns all tool definitions sorted by name.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ModelDefinitions converts the definitions for a model request.
func (r *ToolRegistry) ModelDefinitions() []unifiedllm.ToolDefinition {
	defs := r.Definitions()
	out := make([]unifiedllm.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = unifiedllm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}

// Names returns the sorted names of all registered tools.
func (r *ToolRegistry) Names() []string {
	defs := r.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Validate checks that name is registered and raw satisfies its schema.
// Arguments that are not valid JSON are repaired once before giving up. It
// never invokes the handler.
func (r *ToolRegistry) Validate(name string, raw json.RawMessage) (Arguments, error) {
	tool := r.Get(name)
	if tool == nil {
		return nil, newError(KindUnknownTool, nil, "unknown tool %q", name)
	}
	return tool.validate(raw)
}

func (t *RegisteredTool) validate(raw json.RawMessage) (Arguments, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = json.RawMessage("{}")
	}
	if !json.Valid(raw) {
		repaired, err := jsonrepair.JSONRepair(string(raw))
		if err != nil {
			return nil, newError(KindInvalidArguments, err, "arguments for %q are not valid JSON", t.Definition.Name)
		}
		raw = json.RawMessage(repaired)
	}

	var args Arguments
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return nil, newError(KindInvalidArguments, err, "arguments for %q must be a JSON object", t.Definition.Name)
	}

	result, err := t.schema.Validate(gojsonschema.NewGoLoader(map[string]interface{}(args)))
	if err != nil {
		return nil, newError(KindInvalidArguments, err, "arguments for %q could not be checked", t.Definition.Name)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, newError(KindInvalidArguments, nil, "arguments for %q: %s", t.Definition.Name, strings.Join(msgs, "; "))
	}
	return args, nil
}

// Dispatch validates raw and runs the tool's handler through the sandbox
// adapter. Validation failures return an UnknownTool or InvalidArguments
// error and no result. A result with OK=false is returned together with a
// ToolExecutionError carrying the sandbox failure as its cause.
func (r *ToolRegistry) Dispatch(ctx context.Context, name string, raw json.RawMessage) (sandbox.Result, error) {
	tool := r.Get(name)
	if tool == nil {
		return sandbox.Result{}, newError(KindUnknownTool, nil, "unknown tool %q", name)
	}
	args, err := tool.validate(raw)
	if err != nil {
		return sandbox.Result{}, err
	}

	timeout := tool.timeout
	if ms, ok := args.Int("timeout_ms"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	inv := sandbox.Invocation{
		Tool:      name,
		Timeout:   timeout,
		MaxOutput: tool.maxOutput,
		MaxLines:  tool.maxLines,
		Mode:      tool.mode,
	}
	res := r.adapter.Run(ctx, inv, func(ctx context.Context) (sandbox.Output, error) {
		return tool.Handler(ctx, args)
	})
	if !res.OK {
		var cause error
		if res.Error != nil {
			cause = res.Error
		}
		return res, newError(KindToolExecution, cause, "tool %q failed", name)
	}
	return res, nil
}

// Arguments are validated tool arguments.
type Arguments map[string]interface{}

// String returns a string argument.
func (a Arguments) String(key string) (string, bool) {
	s, ok := a[key].(string)
	return s, ok
}

// Int returns an integer argument. JSON numbers decode as float64.
func (a Arguments) Int(key string) (int, bool) {
	switch n := a[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// Bool returns a boolean argument.
func (a Arguments) Bool(key string) (bool, bool) {
	b, ok := a[key].(bool)
	return b, ok
}

// Strings returns an array-of-strings argument, skipping non-string items.
func (a Arguments) Strings(key string) []string {
	items, ok := a[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// StringMap returns an object-of-strings argument, skipping non-string
// values.
func (a Arguments) StringMap(key string) map[string]string {
	obj, ok := a[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
