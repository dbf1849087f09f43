package chiseld

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/tylermcginnis/chiselstrike/internal/config"
	"github.com/tylermcginnis/chiselstrike/internal/policy"
	"github.com/tylermcginnis/chiselstrike/internal/rowstream"
)

// memEntities is the in-memory EntityStore the integration tests run
// against, in place of the Postgres pool cmd/chiseld wires.
type memEntities struct {
	mu   sync.Mutex
	rows map[string][]rowstream.Row
}

func newMemEntities() *memEntities {
	return &memEntities{rows: make(map[string][]rowstream.Row)}
}

func (m *memEntities) Store(_ context.Context, typeName string, value map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[typeName] = append(m.rows[typeName], value)
	return nil
}

func (m *memEntities) Query(_ context.Context, typeName, fieldName string, value any) (rowstream.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []rowstream.Row
	for _, row := range m.rows[typeName] {
		if fieldName != "" && !reflect.DeepEqual(row[fieldName], value) {
			continue
		}
		copied := make(rowstream.Row, len(row))
		for k, v := range row {
			copied[k] = v
		}
		out = append(out, copied)
	}
	return &memCursor{rows: out}, nil
}

type memCursor struct {
	rows []rowstream.Row
	i    int
}

func (c *memCursor) Next(context.Context) (rowstream.Row, bool, error) {
	if c.i >= len(c.rows) {
		return nil, false, nil
	}
	row := c.rows[c.i]
	c.i++
	return row, true, nil
}

func (c *memCursor) Close() error { return nil }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.VM.Threads = 2
	cfg.RateLimit.Enabled = false
	cfg.Observability.Tracing.Enabled = false
	return cfg
}

func newTestDaemon(t *testing.T, entities *memEntities) *Daemon {
	t.Helper()
	if entities == nil {
		entities = newMemEntities()
	}
	d, err := New(Options{Config: testConfig(), Entities: entities})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, string) {
	t.Helper()
	resp, err := srv.Client().Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(body)
}

func TestHelloEndpoint(t *testing.T) {
	d := newTestDaemon(t, nil)
	if _, err := d.DefineEndpoint("/hi", `export default async function(req){ return new Response("hi", {status: 200}); }`); err != nil {
		t.Fatalf("DefineEndpoint: %v", err)
	}

	srv := httptest.NewServer(d.DataHandler())
	defer srv.Close()

	resp, body := get(t, srv, "/hi")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body != "hi" {
		t.Fatalf("body = %q, want hi", body)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); got != "POST, PUT, GET, OPTIONS" {
		t.Fatalf("Access-Control-Allow-Methods = %q", got)
	}
}

func TestBodyEcho(t *testing.T) {
	d := newTestDaemon(t, nil)
	_, err := d.DefineEndpoint("/echo", `
		export default async function(req) {
			const reader = req.body.getReader();
			let text = "";
			for (;;) {
				const r = await reader.read();
				if (r.done) break;
				for (let i = 0; i < r.value.length; i++) text += String.fromCharCode(r.value[i]);
			}
			return new Response(text, {status: 201});
		}
	`)
	if err != nil {
		t.Fatalf("DefineEndpoint: %v", err)
	}

	srv := httptest.NewServer(d.DataHandler())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/echo", "text/plain", strings.NewReader("abc"))
	if err != nil {
		t.Fatalf("POST /echo: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != 201 {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if string(body) != "abc" {
		t.Fatalf("body = %q, want abc", body)
	}
}

func TestVersionedReplacement(t *testing.T) {
	d := newTestDaemon(t, nil)

	v1, err := d.DefineEndpoint("/hi", `export default async function(req){ return new Response("hi"); }`)
	if err != nil {
		t.Fatalf("install v1: %v", err)
	}

	srv := httptest.NewServer(d.DataHandler())
	defer srv.Close()

	if _, body := get(t, srv, "/hi"); body != "hi" {
		t.Fatalf("v1 body = %q, want hi", body)
	}

	v2, err := d.DefineEndpoint("/hi", `export default async function(req){ return new Response("bye"); }`)
	if err != nil {
		t.Fatalf("install v2: %v", err)
	}
	if v2 <= v1 {
		t.Fatalf("version did not advance: v1=%d v2=%d", v1, v2)
	}

	if _, body := get(t, srv, "/hi"); body != "bye" {
		t.Fatalf("v2 body = %q, want bye", body)
	}
}

func TestFailedLoadThenFix(t *testing.T) {
	d := newTestDaemon(t, nil)

	vBad, err := d.DefineEndpoint("/bad", `throw 1`)
	if err == nil {
		t.Fatal("install of throwing module should fail")
	}

	srv := httptest.NewServer(d.DataHandler())
	defer srv.Close()

	resp, _ := get(t, srv, "/bad")
	if resp.StatusCode != 503 {
		t.Fatalf("status = %d, want 503 for failed endpoint", resp.StatusCode)
	}

	vGood, err := d.DefineEndpoint("/bad", `export default async function(req){ return new Response("fixed"); }`)
	if err != nil {
		t.Fatalf("install fix: %v", err)
	}
	if vGood <= vBad {
		t.Fatalf("version did not advance past failed install: bad=%d good=%d", vBad, vGood)
	}

	resp, body := get(t, srv, "/bad")
	if resp.StatusCode != 200 || body != "fixed" {
		t.Fatalf("after fix: status=%d body=%q", resp.StatusCode, body)
	}
}

func TestFilterLoweringEndToEnd(t *testing.T) {
	d := newTestDaemon(t, nil)

	// Registering the type makes "Users" a known collection symbol, so
	// the loader's rewrite pass lowers the predicate below into a
	// __filterWithExpression call whose expression tree the handler can
	// echo back for inspection.
	if err := d.DefineType(policy.TypeDescriptor{Name: "Users"}); err != nil {
		t.Fatalf("DefineType: %v", err)
	}

	_, err := d.DefineEndpoint("/expr", `
		const Users = {
			filter: function(pred) { return null; },
			__filterWithExpression: function(pred, expr) { return expr; }
		};
		export default async function(req) {
			const expr = Users.filter(u => u.age >= 18 && u.name == "a");
			return new Response(JSON.stringify(expr), {status: 200});
		}
	`)
	if err != nil {
		t.Fatalf("DefineEndpoint: %v", err)
	}

	srv := httptest.NewServer(d.DataHandler())
	defer srv.Close()

	resp, body := get(t, srv, "/expr")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, body = %q", resp.StatusCode, body)
	}

	var got map[string]any
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("handler did not return a lowered expression tree: %v (%q)", err, body)
	}

	want := map[string]any{
		"exprType": "Binary",
		"op":       "And",
		"left": map[string]any{
			"exprType": "Binary",
			"op":       "GtEq",
			"left": map[string]any{
				"exprType": "Property",
				"object":   map[string]any{"exprType": "Parameter", "position": float64(0)},
				"property": "age",
			},
			"right": map[string]any{"exprType": "Literal", "value": float64(18)},
		},
		"right": map[string]any{
			"exprType": "Binary",
			"op":       "Eq",
			"left": map[string]any{
				"exprType": "Property",
				"object":   map[string]any{"exprType": "Parameter", "position": float64(0)},
				"property": "name",
			},
			"right": map[string]any{"exprType": "Literal", "value": "a"},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expression tree mismatch:\n got: %#v\nwant: %#v", got, want)
	}
}

const listUsersSource = `
	export default async function(req) {
		const rid = await chisel_query_create("User");
		const rows = [];
		for (;;) {
			const row = await chisel_query_next(rid);
			if (!row) break;
			rows.push(row);
		}
		await chisel_close_query(rid);
		return new Response(JSON.stringify(rows), {status: 200});
	}
`

func TestPolicyAppliedToRows(t *testing.T) {
	entities := newMemEntities()
	entities.rows["User"] = []rowstream.Row{
		{"email": "alice@example.com", "name": "alice"},
	}

	d := newTestDaemon(t, entities)
	if err := d.DefineType(policy.TypeDescriptor{
		Name: "User",
		Fields: []policy.FieldDef{
			{Name: "email", Label: "pii"},
			{Name: "name"},
		},
	}); err != nil {
		t.Fatalf("DefineType: %v", err)
	}

	if _, err := d.LoadPolicyDoc([]byte(`
labels:
  - name: pii
    transform: anonymize
    except_uri: ^/admin
`)); err != nil {
		t.Fatalf("LoadPolicyDoc: %v", err)
	}

	for _, path := range []string{"/users", "/admin/users"} {
		if _, err := d.DefineEndpoint(path, listUsersSource); err != nil {
			t.Fatalf("DefineEndpoint(%s): %v", path, err)
		}
	}

	srv := httptest.NewServer(d.DataHandler())
	defer srv.Close()

	assertEmail := func(path, want string) {
		t.Helper()
		resp, body := get(t, srv, path)
		if resp.StatusCode != 200 {
			t.Fatalf("GET %s: status=%d body=%q", path, resp.StatusCode, body)
		}
		var rows []map[string]any
		if err := json.Unmarshal([]byte(body), &rows); err != nil {
			t.Fatalf("GET %s: bad JSON %q: %v", path, body, err)
		}
		if len(rows) != 1 {
			t.Fatalf("GET %s: %d rows, want 1", path, len(rows))
		}
		if got := rows[0]["email"]; got != want {
			t.Fatalf("GET %s: email = %v, want %q", path, got, want)
		}
	}

	assertEmail("/users", "xxxxx")
	assertEmail("/admin/users", "alice@example.com")
}

func TestStoreHostOpPersistsEntity(t *testing.T) {
	entities := newMemEntities()
	d := newTestDaemon(t, entities)

	if err := d.DefineType(policy.TypeDescriptor{
		Name:   "Note",
		Fields: []policy.FieldDef{{Name: "text"}},
	}); err != nil {
		t.Fatalf("DefineType: %v", err)
	}

	_, err := d.DefineEndpoint("/notes", `
		export default async function(req) {
			await chisel_store("Note", { text: "remember" });
			return new Response("stored", {status: 201});
		}
	`)
	if err != nil {
		t.Fatalf("DefineEndpoint: %v", err)
	}

	srv := httptest.NewServer(d.DataHandler())
	defer srv.Close()

	resp, body := get(t, srv, "/notes")
	if resp.StatusCode != 201 || body != "stored" {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}

	entities.mu.Lock()
	defer entities.mu.Unlock()
	if len(entities.rows["Note"]) != 1 || entities.rows["Note"][0]["text"] != "remember" {
		t.Fatalf("stored rows = %#v", entities.rows["Note"])
	}
}

func TestControlPlaneDefineAndStatus(t *testing.T) {
	d := newTestDaemon(t, nil)

	srv := httptest.NewServer(d.ControlHandler())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/v1/endpoints", "application/json",
		strings.NewReader(`{"path":"/hi","source":"export default async function(req){ return new Response(\"hi\"); }"}`))
	if err != nil {
		t.Fatalf("POST /v1/endpoints: %v", err)
	}
	var defined defineEndpointResponse
	if err := json.NewDecoder(resp.Body).Decode(&defined); err != nil {
		t.Fatalf("decode define response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 || defined.Version != 1 {
		t.Fatalf("define: status=%d version=%d", resp.StatusCode, defined.Version)
	}

	resp, err = srv.Client().Post(srv.URL+"/v1/types", "application/json",
		strings.NewReader(`{"name":"User","field_defs":[{"name":"email","label":"pii"}]}`))
	if err != nil {
		t.Fatalf("POST /v1/types: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("define type: status=%d", resp.StatusCode)
	}

	resp, body := get(t, srv, "/v1/types")
	if resp.StatusCode != 200 || !strings.Contains(body, `"email"`) {
		t.Fatalf("export types: status=%d body=%q", resp.StatusCode, body)
	}

	resp, body = get(t, srv, "/v1/status")
	if resp.StatusCode != 200 || !strings.Contains(body, "1 endpoints") {
		t.Fatalf("status: status=%d body=%q", resp.StatusCode, body)
	}
}

func TestControlPlaneReportsFailedInstallVersion(t *testing.T) {
	d := newTestDaemon(t, nil)

	srv := httptest.NewServer(d.ControlHandler())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/v1/endpoints", "application/json",
		strings.NewReader(`{"path":"/bad","source":"throw 1"}`))
	if err != nil {
		t.Fatalf("POST /v1/endpoints: %v", err)
	}
	var defined defineEndpointResponse
	if err := json.NewDecoder(resp.Body).Decode(&defined); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	if defined.Version != 1 || defined.Error == "" {
		t.Fatalf("failed install should still report the advanced version: %+v", defined)
	}
}
