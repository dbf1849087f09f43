package entitystore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tylermcginnis/chiselstrike/internal/circuitbreaker"
	"github.com/tylermcginnis/chiselstrike/internal/rowstream"
)

// breakerFuncID is the single circuit-breaker key entitystore guards
// itself with: all entity storage shares one Postgres pool, so there is
// one failure domain to trip.
const breakerFuncID = "entitystore.postgres"

var defaultBreakerConfig = circuitbreaker.Config{
	ErrorPct:       50,
	WindowDuration: 30 * time.Second,
	OpenDuration:   10 * time.Second,
	HalfOpenProbes: 3,
}

// Store is the Postgres-backed implementation of EntityStore, guarded
// by a circuit breaker so a misbehaving database fails fast instead of
// stalling every in-flight handler.
type Store struct {
	pool     *pgxpool.Pool
	breakers *circuitbreaker.Registry
}

// New wraps an already-configured pgx pool. internal/config.PostgresConfig
// carries the DSN and pool sizing used to build pool at startup.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, breakers: circuitbreaker.NewRegistry()}
}

// EnsureSchema creates the single generic entities table if it does not
// already exist. Called once at startup; there are no further
// migrations.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entities (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	type_name TEXT NOT NULL,
	data JSONB NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("entitystore: ensure schema: %w", err)
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS entities_type_name_idx ON entities (type_name)`)
	if err != nil {
		return fmt.Errorf("entitystore: ensure index: %w", err)
	}
	return nil
}

func (s *Store) breaker() *circuitbreaker.Breaker {
	return s.breakers.Get(breakerFuncID, defaultBreakerConfig)
}

// Store implements opregistry.EntityStore.
func (s *Store) Store(ctx context.Context, typeName string, value map[string]any) error {
	b := s.breaker()
	if !b.Allow() {
		return fmt.Errorf("entitystore: circuit open, rejecting store for %q", typeName)
	}

	data, err := json.Marshal(value)
	if err != nil {
		b.RecordFailure()
		return fmt.Errorf("entitystore: marshal value: %w", err)
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO entities (type_name, data) VALUES ($1, $2)`, typeName, data)
	if err != nil {
		b.RecordFailure()
		return fmt.Errorf("entitystore: insert: %w", err)
	}
	b.RecordSuccess()
	return nil
}

// Query implements opregistry.EntityStore: it opens a streaming cursor
// over rows of typeName, optionally filtered to rows whose data[fieldName]
// equals value.
func (s *Store) Query(ctx context.Context, typeName, fieldName string, value any) (rowstream.Cursor, error) {
	b := s.breaker()
	if !b.Allow() {
		return nil, fmt.Errorf("entitystore: circuit open, rejecting query for %q", typeName)
	}

	var (
		rows pgx.Rows
		err  error
	)
	if fieldName != "" {
		filterJSON, merr := json.Marshal(value)
		if merr != nil {
			b.RecordFailure()
			return nil, fmt.Errorf("entitystore: marshal filter value: %w", merr)
		}
		rows, err = s.pool.Query(ctx, `
SELECT data FROM entities
WHERE type_name = $1 AND data -> $2 = $3::jsonb`, typeName, fieldName, filterJSON)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT data FROM entities WHERE type_name = $1`, typeName)
	}
	if err != nil {
		b.RecordFailure()
		return nil, fmt.Errorf("entitystore: query: %w", err)
	}
	b.RecordSuccess()

	return &cursor{rows: rows}, nil
}
