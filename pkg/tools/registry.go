// Package tools implements the tool registry: the set of tools visible to an
// agent, schema validation of call arguments, and dispatch to handlers.
// Handlers are either in-process builtins or proxies for remote tool servers
// registered by the mcp bridge.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/osprey-sec/osprey/pkg/llm"
)

// Result statuses. Tool failures come back as error results so the agent can
// react; they never abort the loop.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the outcome of one tool call.
type Result struct {
	Status   string `json:"status"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// Ok builds a success result.
func Ok(output string) *Result { return &Result{Status: StatusSuccess, Output: output} }

// Errf builds an error result.
func Errf(format string, args ...any) *Result {
	return &Result{Status: StatusError, Output: fmt.Sprintf(format, args...)}
}

// IsError reports whether the result carries a failure.
func (r *Result) IsError() bool { return r.Status != StatusSuccess }

// Handler executes one validated tool call. Returning an error (as opposed to
// an error Result) marks a handler crash; the registry converts it into an
// error result and logs it.
type Handler func(ctx context.Context, args map[string]any) (*Result, error)

// Definition describes one registered tool.
type Definition struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     Handler

	compiled *jsonschema.Schema
}

// Registry maps tool names to definitions. Aliases resolve to canonical names
// at dispatch. Safe for concurrent use: fan-out agents share one registry.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]*Definition
	aliases map[string]string
}

// NewRegistry returns an empty registry preloaded with the common alias
// table.
func NewRegistry() *Registry {
	r := &Registry{
		defs:    map[string]*Definition{},
		aliases: map[string]string{},
	}
	for alias, canonical := range commonAliases {
		r.aliases[alias] = canonical
	}
	return r
}

// Register adds a tool. The schema is compiled once here; object schemas
// without an additionalProperties constraint get a strict one so calls with
// unknown fields fail validation before reaching the handler.
func (r *Registry) Register(name, description string, schema map[string]any, handler Handler) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %s: handler is required", name)
	}
	schema = ensureStrict(CleanSchema(schema))
	compiled, err := compileSchema(name, schema)
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[name] = &Definition{
		Name:        name,
		Description: description,
		Schema:      schema,
		Handler:     handler,
		compiled:    compiled,
	}
	return nil
}

// Alias points an alternate spelling at a canonical tool name.
func (r *Registry) Alias(alias, canonical string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = canonical
}

// Resolve normalises a tool name through the alias table. Unknown names pass
// through unchanged so the dispatcher can report them.
func (r *Registry) Resolve(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[name]; ok {
		return canonical
	}
	return name
}

// Has reports whether name (after alias resolution) is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	_, ok := r.defs[name]
	return ok
}

// Names returns the canonical tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Catalog renders the function-calling catalogue for the LLM.
func (r *Registry) Catalog() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolSpec, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, llm.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Schema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Without returns a restricted view lacking the named tools (and any aliases
// pointing at them). Used to strip save_deliverable and SubAgent from
// sub-agent conversations.
func (r *Registry) Without(names ...string) *Registry {
	drop := map[string]bool{}
	for _, n := range names {
		drop[n] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := &Registry{
		defs:    make(map[string]*Definition, len(r.defs)),
		aliases: make(map[string]string, len(r.aliases)),
	}
	for name, def := range r.defs {
		if !drop[name] {
			out.defs[name] = def
		}
	}
	for alias, canonical := range r.aliases {
		if !drop[canonical] {
			out.aliases[alias] = canonical
		}
	}
	return out
}

// Execute validates args against the tool's schema and runs the handler.
// Every failure mode returns an error Result (unknown tool, schema
// violation, handler crash) so the caller can feed it back to the agent.
// The handler is never invoked when validation fails.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) *Result {
	canonical := r.Resolve(name)

	r.mu.RLock()
	def, ok := r.defs[canonical]
	r.mu.RUnlock()
	if !ok {
		return Errf("unknown tool: %s", name)
	}

	normalized, err := normalizeArgs(args)
	if err != nil {
		return Errf("invalid arguments for %s: %v", canonical, err)
	}
	if err := def.compiled.Validate(normalized); err != nil {
		return Errf("invalid arguments for %s: %v", canonical, compactValidationError(err))
	}

	result, err := def.Handler(ctx, args)
	if err != nil {
		slog.Warn("Tool handler failed", "tool", canonical, "error", err)
		return Errf("%s failed: %v", canonical, err)
	}
	if result == nil {
		return Errf("%s returned no result", canonical)
	}
	return result
}

// normalizeArgs round-trips args through JSON so validation always sees
// decoded-JSON shapes (float64 numbers, []any slices) regardless of how the
// caller built the map.
func normalizeArgs(args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// compactValidationError flattens the validator's multi-line output into one
// line for tool results.
func compactValidationError(err error) string {
	return strings.Join(strings.Fields(err.Error()), " ")
}
