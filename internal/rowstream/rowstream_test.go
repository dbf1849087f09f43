package rowstream

import (
	"context"
	"testing"

	"github.com/tylermcginnis/chiselstrike/internal/policy"
)

type sliceCursor struct {
	rows []Row
	pos  int
}

func (c *sliceCursor) Next(ctx context.Context) (Row, bool, error) {
	if c.pos >= len(c.rows) {
		return nil, false, nil
	}
	r := c.rows[c.pos]
	c.pos++
	return r, true, nil
}

func (c *sliceCursor) Close() error { return nil }

func sampleRows() []Row {
	return []Row{
		{"id": "1", "email": "a@example.com", "owner": "alice"},
		{"id": "2", "email": "b@example.com", "owner": "bob"},
	}
}

func drain(t *testing.T, s *Stream) []Row {
	t.Helper()
	var out []Row
	for {
		row, ok, err := s.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, row)
	}
}

func TestAnonymizeTransformApplied(t *testing.T) {
	fields := policy.FieldPolicies{
		Transforms: map[string]policy.Transform{"email": policy.Anonymize},
		MatchLogin: map[string]bool{},
	}
	s := New(&sliceCursor{rows: sampleRows()}, policy.TypeDescriptor{Name: "User"}, fields, "", false)

	rows := drain(t, s)
	if len(rows) != 2 {
		t.Fatalf("expected both rows, got %d", len(rows))
	}
	for _, r := range rows {
		if r["email"] != "xxxxx" {
			t.Fatalf("expected email to be anonymized, got %v", r["email"])
		}
	}
}

func TestMatchLoginSkipsNonMatchingRows(t *testing.T) {
	fields := policy.FieldPolicies{
		Transforms: map[string]policy.Transform{},
		MatchLogin: map[string]bool{"owner": true},
	}
	s := New(&sliceCursor{rows: sampleRows()}, policy.TypeDescriptor{Name: "User"}, fields, "alice", true)

	rows := drain(t, s)
	if len(rows) != 1 || rows[0]["owner"] != "alice" {
		t.Fatalf("expected only alice's row, got %+v", rows)
	}
}

func TestMatchLoginSkipsAllRowsWhenUnauthenticated(t *testing.T) {
	fields := policy.FieldPolicies{
		Transforms: map[string]policy.Transform{},
		MatchLogin: map[string]bool{"owner": true},
	}
	s := New(&sliceCursor{rows: sampleRows()}, policy.TypeDescriptor{Name: "User"}, fields, "", false)

	rows := drain(t, s)
	if len(rows) != 0 {
		t.Fatalf("expected no rows for an unauthenticated caller, got %+v", rows)
	}
}

func TestStreamEndIsSticky(t *testing.T) {
	s := New(&sliceCursor{rows: nil}, policy.TypeDescriptor{}, policy.FieldPolicies{}, "", false)
	for i := 0; i < 3; i++ {
		_, ok, err := s.Next(context.Background())
		if err != nil || ok {
			t.Fatalf("expected (nil,false,nil) repeatedly, got ok=%v err=%v", ok, err)
		}
	}
}

func TestProjectionIsPure(t *testing.T) {
	fields := policy.FieldPolicies{
		Transforms: map[string]policy.Transform{"email": policy.Anonymize},
		MatchLogin: map[string]bool{},
	}

	s1 := New(&sliceCursor{rows: sampleRows()}, policy.TypeDescriptor{Name: "User"}, fields, "", false)
	s2 := New(&sliceCursor{rows: sampleRows()}, policy.TypeDescriptor{Name: "User"}, fields, "", false)

	r1 := drain(t, s1)
	r2 := drain(t, s2)

	if len(r1) != len(r2) {
		t.Fatalf("replay produced a different row count: %d vs %d", len(r1), len(r2))
	}
	for i := range r1 {
		for k, v := range r1[i] {
			if r2[i][k] != v {
				t.Fatalf("replay diverged at row %d field %q: %v vs %v", i, k, v, r2[i][k])
			}
		}
	}
}
