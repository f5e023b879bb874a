package tool

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/hupe1980/researchmesh/model"
)

// DefaultTimeout bounds a tool call when no per-tool timeout is registered.
const DefaultTimeout = 30 * time.Second

var (
	// ErrUnknownTool is returned for names that were never registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrDuplicateTool is returned when registering a name twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// ValidationError reports arguments that do not satisfy a tool's schema.
type ValidationError struct {
	Tool   string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Errors, "; "))
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// DefaultTimeout applies to tools registered without an explicit timeout.
	DefaultTimeout time.Duration
}

// RegisterOptions configures a single registration.
type RegisterOptions struct {
	// Timeout bounds each call of the tool. Zero uses the registry default.
	Timeout time.Duration
}

type entry struct {
	tool    Tool
	schema  *gojsonschema.Schema
	timeout time.Duration
}

// Registry maps tool names to tools, their compiled argument schemas and
// timeouts. It is populated at startup and then shared read-only between
// sessions.
type Registry struct {
	mu             sync.RWMutex
	entries        map[string]*entry
	defaultTimeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry(optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{DefaultTimeout: DefaultTimeout}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}

	return &Registry{
		entries:        make(map[string]*entry),
		defaultTimeout: opts.DefaultTimeout,
	}
}

// WithTimeout sets the per-call timeout of a registration.
func WithTimeout(d time.Duration) func(o *RegisterOptions) {
	return func(o *RegisterOptions) { o.Timeout = d }
}

// Register adds t to the registry, compiling its parameter schema.
func (r *Registry) Register(t Tool, optFns ...func(o *RegisterOptions)) error {
	if t == nil {
		return errors.New("tool cannot be nil")
	}

	name := t.Name()
	if strings.TrimSpace(name) == "" {
		return errors.New("tool name cannot be empty")
	}

	opts := RegisterOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = r.defaultTimeout
	}

	schema, err := compileSchema(t.Parameters())
	if err != nil {
		return fmt.Errorf("tool %s: invalid parameter schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}

	r.entries[name] = &entry{tool: t, schema: schema, timeout: opts.Timeout}

	return nil
}

// MustRegister is like Register but panics on error. Intended for startup wiring.
func (r *Registry) MustRegister(t Tool, optFns ...func(o *RegisterOptions)) {
	if err := r.Register(t, optFns...); err != nil {
		panic(err)
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns all registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Timeout returns the call timeout of name.
func (r *Registry) Timeout(name string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[name]; ok {
		return e.timeout
	}
	return r.defaultTimeout
}

// Validate checks args against the compiled schema of name.
func (r *Registry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if e.schema == nil {
		return nil
	}

	if args == nil {
		args = map[string]any{}
	}

	result, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ValidationError{Tool: name, Errors: []string{err.Error()}}
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			msgs = append(msgs, re.String())
		}
		return &ValidationError{Tool: name, Errors: msgs}
	}

	return nil
}

// Definitions returns the model-facing declarations of the named tools in the
// given order. Unknown names are skipped.
func (r *Registry) Definitions(names ...string) []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]model.ToolDefinition, 0, len(names))
	for _, name := range names {
		e, ok := r.entries[name]
		if !ok {
			continue
		}
		defs = append(defs, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        name,
				Description: e.tool.Description(),
				Parameters:  e.tool.Parameters(),
			},
		})
	}

	return defs
}

func compileSchema(params map[string]any) (*gojsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}

	if t, ok := params["type"]; ok && t != "object" {
		return nil, fmt.Errorf("top-level type must be object, got %v", t)
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(params))
}
