package opregistry

import (
	"context"
	"fmt"
	"io"

	"github.com/tylermcginnis/chiselstrike/internal/endpoint"
	"github.com/tylermcginnis/chiselstrike/internal/policy"
	"github.com/tylermcginnis/chiselstrike/internal/reqcontext"
	"github.com/tylermcginnis/chiselstrike/internal/rowstream"
)

// TypeRegistry resolves entity type descriptors by name and validates
// values written via `store`. Implemented by internal/entitystore.
type TypeRegistry interface {
	Describe(typeName string) (policy.TypeDescriptor, bool)
	Validate(typeName string, value map[string]any) error
}

// EntityStore performs the durable work `store` and `query_create` need.
// Implemented by internal/entitystore against Postgres.
type EntityStore interface {
	Store(ctx context.Context, typeName string, value map[string]any) error
	Query(ctx context.Context, typeName, fieldName string, value any) (rowstream.Cursor, error)
}

// Registry holds the four host operations, each consulting the request
// currently executing on its VM (via Current) to resolve the
// FieldPolicies active for that request.
type Registry struct {
	Types    TypeRegistry
	Entities EntityStore
	Policies *policy.Store
	// Current returns the request executing on this registry's VM right
	// now, or nil outside request work. Wired to vm.Engine.CurrentRequest,
	// which reasserts the value inside every VM job, so an op invoked
	// mid-handler can never read a context belonging to a request that is
	// merely queued behind it.
	Current func() *reqcontext.RequestContext

	bodies  *Table[*BodyResource]
	streams *Table[*rowstream.Stream]
}

// NewRegistry wires a Registry to its collaborators.
func NewRegistry(types TypeRegistry, entities EntityStore, policies *policy.Store, current func() *reqcontext.RequestContext) *Registry {
	return &Registry{
		Types:    types,
		Entities: entities,
		Policies: policies,
		Current:  current,
		bodies:   NewTable[*BodyResource](),
		streams:  NewTable[*rowstream.Stream](),
	}
}

// Context returns the dispatch context of the request currently
// executing on this registry's VM, or context.Background() outside one.
func (r *Registry) Context() context.Context {
	if rc := r.Current(); rc != nil && rc.Ctx != nil {
		return rc.Ctx
	}
	return context.Background()
}

// RegisterBody installs a request body as a resource, returning its id.
// Called by RequestBridge for non-GET/HEAD requests before the handler
// is invoked.
func (r *Registry) RegisterBody(b *BodyResource) int32 {
	return r.bodies.Insert(b)
}

// CloseBody releases a body resource, used both by explicit script close
// calls and by stream cancellation.
func (r *Registry) CloseBody(rid int32) error {
	return r.bodies.Close(rid)
}

// ReadBody implements chisel_read_body(rid) → next chunk or none.
func (r *Registry) ReadBody(rid int32) ([]byte, bool, error) {
	b, ok := r.bodies.Get(rid)
	if !ok {
		return nil, false, &endpoint.BodyIoError{Cause: fmt.Errorf("unknown body resource %d", rid)}
	}
	buf := make([]byte, 32*1024)
	n, err := b.Read(buf)
	if n > 0 {
		return buf[:n], true, nil
	}
	if err != nil && err != io.EOF {
		return nil, false, &endpoint.BodyIoError{Cause: err}
	}
	return nil, false, nil
}

// Store implements chisel_store({ name, value }) → unit.
func (r *Registry) Store(ctx context.Context, typeName string, value map[string]any) error {
	if typeName == "" {
		return &endpoint.TypeNameMissing{Op: "chisel_store"}
	}
	if _, ok := r.Types.Describe(typeName); !ok {
		return &endpoint.TypeUnknown{TypeName: typeName}
	}
	if err := r.Types.Validate(typeName, value); err != nil {
		return err
	}
	return r.Entities.Store(ctx, typeName, value)
}

// QueryCreate implements chisel_query_create({ type_name, field_name?,
// value? }) → row-stream resource id. The FieldPolicies active for the
// current request are resolved and captured into the stream now, so
// later query_next calls see the policies in effect at creation time
// even if the ambient request context has since moved on.
func (r *Registry) QueryCreate(ctx context.Context, typeName, fieldName string, value any) (int32, error) {
	if typeName == "" {
		return 0, &endpoint.TypeNameMissing{Op: "chisel_query_create"}
	}
	typ, ok := r.Types.Describe(typeName)
	if !ok {
		return 0, &endpoint.TypeUnknown{TypeName: typeName}
	}

	cursor, err := r.Entities.Query(ctx, typeName, fieldName, value)
	if err != nil {
		return 0, &endpoint.QueryError{Cause: err}
	}

	rc := r.Current()
	var vp *policy.VersionPolicy
	path, username, authenticated := "", "", false
	if rc != nil {
		vp, _ = r.Policies.Get(rc.PolicyVersion)
		path, username, authenticated = rc.Path, rc.Username, rc.Authenticated
	}

	fields := policy.FieldPoliciesFor(vp, typ, path)
	stream := rowstream.New(cursor, typ, fields, username, authenticated)
	return r.streams.Insert(stream), nil
}

// QueryNext implements chisel_query_next(rid) → next row as JSON or
// none.
func (r *Registry) QueryNext(ctx context.Context, rid int32) (rowstream.Row, bool, error) {
	s, ok := r.streams.Get(rid)
	if !ok {
		return nil, false, &endpoint.QueryError{Cause: fmt.Errorf("unknown row-stream resource %d", rid)}
	}
	row, ok, err := s.Next(ctx)
	if err != nil {
		return nil, false, &endpoint.QueryError{Cause: err}
	}
	return row, ok, nil
}

// CloseQuery releases a row-stream resource.
func (r *Registry) CloseQuery(rid int32) error {
	return r.streams.Close(rid)
}
