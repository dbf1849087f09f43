// Package entitystore is the Postgres-backed implementation of the
// `store`/`query_create`/`query_next` host operations, guarded by
// internal/circuitbreaker. Entities are kept in one generic
// jsonb-backed table rather than one SQL table per registered type,
// which lets TypeRegistry stay a pure in-memory schema registry with no
// DDL of its own.
package entitystore

import (
	"fmt"
	"sync"

	"github.com/tylermcginnis/chiselstrike/internal/policy"
)

// TypeRegistry is the in-memory entity type registry populated by the
// define_type control-plane operation and consulted by
// internal/opregistry to validate `store` payloads and resolve
// FieldPolicies.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]policy.TypeDescriptor
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]policy.TypeDescriptor)}
}

// Define installs or replaces typ, keyed by typ.Name. Redefinition
// overwrites: like the endpoint table, the type registry favors the
// latest definition over preserving history.
func (r *TypeRegistry) Define(typ policy.TypeDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[typ.Name] = typ
}

// Describe implements opregistry.TypeRegistry.
func (r *TypeRegistry) Describe(typeName string) (policy.TypeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	typ, ok := r.types[typeName]
	return typ, ok
}

// Export implements the export_types() control-plane operation:
// [{ name, field_defs }] for every registered type.
func (r *TypeRegistry) Export() []policy.TypeDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]policy.TypeDescriptor, 0, len(r.types))
	for _, typ := range r.types {
		out = append(out, typ)
	}
	return out
}

// Validate implements opregistry.TypeRegistry: it checks that value only
// references fields typ actually declares. Field-level type checking
// (string vs number vs bool) is left to the storage layer's jsonb
// column; this is a shape check, not a full schema validator.
func (r *TypeRegistry) Validate(typeName string, value map[string]any) error {
	typ, ok := r.Describe(typeName)
	if !ok {
		return fmt.Errorf("entitystore: unknown type %q", typeName)
	}
	known := make(map[string]bool, len(typ.Fields))
	for _, f := range typ.Fields {
		known[f.Name] = true
	}
	for field := range value {
		if !known[field] {
			return &FieldShapeMismatch{TypeName: typeName, Field: field}
		}
	}
	return nil
}

// FieldShapeMismatch mirrors endpoint.FieldShapeMismatch; kept local so
// entitystore does not depend on the endpoint package.
type FieldShapeMismatch struct {
	TypeName string
	Field    string
}

func (e *FieldShapeMismatch) Error() string {
	return fmt.Sprintf("%s.%s: field is not declared on this type", e.TypeName, e.Field)
}
