package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/ragent/internal/observability"
	"github.com/harun/ragent/internal/tracing"
)

const (
	// DefaultTimeout applies when Invoke is called without a timeout.
	DefaultTimeout = 30 * time.Second

	maxOutputSize = 10 * 1024
	tracerName    = "ragent.tools"
)

// Handler executes a tool. args have already been validated against the
// tool's input schema.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Param is a shorthand for one top-level property of an object input schema.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Definition declares a tool. InputSchema is generated from Params when nil.
// A nil OutputSchema accepts any output.
type Definition struct {
	Name         string
	Description  string
	Params       []Param
	InputSchema  map[string]any
	OutputSchema map[string]any
	Handler      Handler
}

// Descriptor is the model-facing view of a registered tool.
type Descriptor struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// Result is the outcome of Invoke. Exactly one of Output and Err is meaningful.
type Result struct {
	Output  any
	Err     *ToolError
	Latency time.Duration
}

// Config configures a Registry.
type Config struct {
	Policy         *Policy
	DefaultTimeout time.Duration
	Logger         zerolog.Logger
}

type entry struct {
	def    Definition
	input  *gojsonschema.Schema
	output *gojsonschema.Schema
}

// Registry holds tool definitions and executes them with validation and timeouts.
type Registry struct {
	mu             sync.RWMutex
	tools          map[string]*entry
	policy         *Policy
	defaultTimeout time.Duration
	logger         zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	cfg.Policy.Validate()

	return &Registry{
		tools:          make(map[string]*entry),
		policy:         cfg.Policy,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         cfg.Logger.With().Str("component", "tools").Logger(),
	}
}

// Register compiles the tool's schemas and adds it, replacing any tool of the same name.
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	if def.InputSchema == nil {
		def.InputSchema = ObjectSchema(def.Params...)
	}

	input, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.InputSchema))
	if err != nil {
		return fmt.Errorf("failed to compile input schema for %s: %w", def.Name, err)
	}

	var output *gojsonschema.Schema
	if def.OutputSchema != nil {
		output, err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.OutputSchema))
		if err != nil {
			return fmt.Errorf("failed to compile output schema for %s: %w", def.Name, err)
		}
	}

	r.mu.Lock()
	r.tools[def.Name] = &entry{def: def, input: input, output: output}
	r.mu.Unlock()

	r.logger.Info().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// List returns the descriptors of all tools allowed by the policy, sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.tools))
	for name, e := range r.tools {
		if !r.policy.IsAllowed(name) {
			continue
		}
		out = append(out, Descriptor{
			Name:         e.def.Name,
			Description:  e.def.Description,
			InputSchema:  e.def.InputSchema,
			OutputSchema: e.def.OutputSchema,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools, including ones hidden by policy.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func (r *Registry) lookup(name string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.policy.IsAllowed(name) {
		return nil
	}
	return r.tools[name]
}

// Invoke validates args and runs the named tool under timeout. A timeout <= 0
// uses the registry default. Failures are reported in Result.Err, never panics.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) Result {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, tracerName, "tools.invoke", attribute.String("tool.name", name))
	defer span.End()

	res := r.invoke(ctx, name, args, timeout)
	res.Latency = time.Since(start)

	status := "ok"
	if res.Err != nil {
		status = string(res.Err.Kind)
		tracing.Fail(span, res.Err)
	}

	observability.RecordToolCall(name, status, res.Latency)
	observability.RecordToolAudit(ctx, name, tracing.GetSessionID(ctx), status, map[string]interface{}{
		"latency_ms": res.Latency.Milliseconds(),
	})

	logger := tracing.LoggerFromContext(ctx, r.logger)
	if res.Err != nil {
		logger.Warn().Str("tool", name).Str("kind", status).Dur("duration", res.Latency).Err(res.Err).Msg("Tool invocation failed")
	} else {
		logger.Debug().Str("tool", name).Dur("duration", res.Latency).Msg("Tool invocation completed")
	}

	return res
}

func (r *Registry) invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) Result {
	e := r.lookup(name)
	if e == nil {
		return Result{Err: newToolError(KindNotFound, name, "tool not found", nil)}
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := validate(e.input, args); err != nil {
		return Result{Err: newToolError(KindInvalidArgs, name, "argument validation failed", err)}
	}

	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		out, err := e.def.Handler(timeoutCtx, args)
		done <- outcome{output: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return Result{Err: newToolError(KindTimeout, name, fmt.Sprintf("timed out after %v", timeout), o.err)}
			}
			return Result{Err: newToolError(KindExecutionFailed, name, "execution failed", o.err)}
		}
		return Result{Output: truncateOutput(o.output)}

	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return Result{Err: newToolError(KindExecutionFailed, name, "invocation cancelled", ctx.Err())}
		}
		return Result{Err: newToolError(KindTimeout, name, fmt.Sprintf("timed out after %v", timeout), nil)}
	}
}

// ValidateOutput checks output against the named tool's declared output schema.
// Tools without an output schema accept any output.
func (r *Registry) ValidateOutput(name string, output any) error {
	r.mu.RLock()
	e := r.tools[name]
	r.mu.RUnlock()

	if e == nil {
		return fmt.Errorf("tool not found: %s", name)
	}
	if e.output == nil {
		return nil
	}
	return validate(e.output, output)
}

// ObjectSchema builds a closed object schema from params.
func ObjectSchema(params ...Param) map[string]any {
	properties := make(map[string]any, len(params))
	required := []string{}

	for _, p := range params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, p := range def.Params {
		if p.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", p.Type, p.Name)
		}
	}

	return nil
}

func validate(schema *gojsonschema.Schema, value any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("validation errors: %s", strings.Join(msgs, "; "))
}

func truncateOutput(output any) any {
	s, ok := output.(string)
	if !ok || len(s) <= maxOutputSize {
		return output
	}
	return s[:maxOutputSize] + "\n... [output truncated]"
}
