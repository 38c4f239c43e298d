// Package ruletype tracks the rule types installed in a deployment and
// answers whether rules of each type may be transferred.
package ruletype

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dyluth/moult/internal/transfer"
	"github.com/dyluth/moult/pkg/savedobject"
	"github.com/google/cel-go/cel"
)

// ErrDuplicate is returned when a rule type id is registered twice.
var ErrDuplicate = errors.New("rule type already registered")

// RuleType is one installed rule type.
type RuleType struct {
	ID         string
	Name       string
	Exportable bool

	// ExportExpr optionally narrows exportability per rule. It is a CEL
	// expression over attrs (map), id (string) and model_version (int) and
	// must evaluate to a bool.
	ExportExpr string

	program cel.Program
}

// IsExportable reports whether rec, a rule of this type, may be exported.
// An expression that fails to evaluate counts as not exportable.
func (rt *RuleType) IsExportable(rec savedobject.Record) bool {
	if !rt.Exportable {
		return false
	}
	if rt.program == nil {
		return true
	}

	attrs := map[string]any(rec.Attributes)
	if attrs == nil {
		attrs = map[string]any{}
	}
	out, _, err := rt.program.Eval(map[string]any{
		"attrs":         attrs,
		"id":            rec.ID,
		"model_version": int64(rec.ModelVersion),
	})
	if err != nil {
		return false
	}
	v, ok := out.Value().(bool)
	return ok && v
}

// Registry holds rule types by id. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*RuleType
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{types: make(map[string]*RuleType)}
}

// Register adds a rule type, compiling its export expression.
func (r *Registry) Register(rt RuleType) error {
	rt.ID = strings.TrimSpace(rt.ID)
	if rt.ID == "" {
		return fmt.Errorf("rule type id cannot be empty")
	}

	if expr := strings.TrimSpace(rt.ExportExpr); expr != "" {
		program, err := compileBool(expr)
		if err != nil {
			return fmt.Errorf("rule type %q: invalid export_expr: %w", rt.ID, err)
		}
		rt.ExportExpr = expr
		rt.program = program
	}
	if rt.Name == "" {
		rt.Name = rt.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[rt.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicate, rt.ID)
	}
	r.types[rt.ID] = &rt
	return nil
}

// Get returns a rule type by id.
func (r *Registry) Get(id string) (*RuleType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.types[id]
	return rt, ok
}

// Capability implements transfer.CapabilityLookup.
func (r *Registry) Capability(key string) (transfer.Capability, bool) {
	rt, ok := r.Get(key)
	if !ok {
		return nil, false
	}
	return rt, true
}

// List returns the rule types sorted by id.
func (r *Registry) List() []*RuleType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*RuleType, 0, len(r.types))
	for _, rt := range r.types {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var programCache sync.Map

func compileBool(expr string) (cel.Program, error) {
	if cached, ok := programCache.Load(expr); ok {
		return cached.(cel.Program), nil
	}

	env, err := cel.NewEnv(
		cel.Variable("attrs", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("id", cel.StringType),
		cel.Variable("model_version", cel.IntType),
	)
	if err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	programCache.Store(expr, program)
	return program, nil
}
