package entitystore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tylermcginnis/chiselstrike/internal/rowstream"
)

// cursor adapts a pgx row set to rowstream.Cursor. Rows are decoded from
// the jsonb data column lazily, one per Next call, so large result sets
// stream through the VM without being materialized host-side.
type cursor struct {
	rows   pgx.Rows
	closed bool
}

func (c *cursor) Next(_ context.Context) (rowstream.Row, bool, error) {
	if c.closed {
		return nil, false, nil
	}
	if !c.rows.Next() {
		err := c.rows.Err()
		c.rows.Close()
		c.closed = true
		if err != nil {
			return nil, false, fmt.Errorf("entitystore: advance cursor: %w", err)
		}
		return nil, false, nil
	}

	var data []byte
	if err := c.rows.Scan(&data); err != nil {
		return nil, false, fmt.Errorf("entitystore: scan row: %w", err)
	}
	var row rowstream.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, false, fmt.Errorf("entitystore: decode row: %w", err)
	}
	return row, true, nil
}

func (c *cursor) Close() error {
	if !c.closed {
		c.rows.Close()
		c.closed = true
	}
	return nil
}
