// Package rowstream implements a policy-applying projection over
// database rows, exposed to scripts by resource id via
// internal/opregistry. The projection itself (apply a field's
// transform, drop rows failing match_login) is host-side logic this
// package owns so internal/opregistry and internal/entitystore can both
// depend on it without depending on each other.
package rowstream

import (
	"context"

	"github.com/tylermcginnis/chiselstrike/internal/metrics"
	"github.com/tylermcginnis/chiselstrike/internal/policy"
)

// Row is one entity row, already shaped into JSON-compatible values.
type Row = map[string]any

// Cursor is the async row source a Stream projects over. Implemented by
// internal/entitystore against Postgres.
type Cursor interface {
	Next(ctx context.Context) (Row, bool, error)
	Close() error
}

// Stream is the per-request, policy-aware row iterator query_next reads
// from.
type Stream struct {
	cursor        Cursor
	typ           policy.TypeDescriptor
	fields        policy.FieldPolicies
	username      string
	authenticated bool
	done          bool
}

// New captures fields (the FieldPolicies resolved at query_create time)
// alongside the cursor, so later Next calls keep seeing the policies in
// effect when the stream was created even if the ambient request context
// has since changed.
func New(cursor Cursor, typ policy.TypeDescriptor, fields policy.FieldPolicies, username string, authenticated bool) *Stream {
	return &Stream{cursor: cursor, typ: typ, fields: fields, username: username, authenticated: authenticated}
}

// Next yields the next policy-projected row. ok is false at stream end,
// and stays false on every subsequent call.
func (s *Stream) Next(ctx context.Context) (Row, bool, error) {
	if s.done {
		return nil, false, nil
	}
	for {
		row, ok, err := s.cursor.Next(ctx)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			s.done = true
			return nil, false, nil
		}

		projected, keep := s.apply(row)
		if keep {
			metrics.Global().RecordRowStreamed(s.typ.Name)
			return projected, true, nil
		}
		metrics.RecordRowSkipped(s.typ.Name)
	}
}

// apply is a pure function of (row, fields, username, authenticated):
// replaying a Stream over the same rows with the same FieldPolicies
// always yields identical JSON.
func (s *Stream) apply(row Row) (Row, bool) {
	if s.fields.Empty() {
		return row, true
	}

	for field := range s.fields.MatchLogin {
		if !s.authenticated {
			return nil, false
		}
		val, _ := row[field].(string)
		if val != s.username {
			return nil, false
		}
	}

	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	for field, xform := range s.fields.Transforms {
		if v, ok := out[field]; ok {
			out[field] = xform(v)
		}
	}
	return out, true
}

// Close releases the underlying cursor.
func (s *Stream) Close() error { return s.cursor.Close() }
