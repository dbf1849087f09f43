package endpoint

import "sync"

type endpointState int

const (
	stateLoading endpointState = iota
	stateLoaded
	stateFailed
)

// Entry is one endpoint record: a path, its current version, and either
// a callable handler or none. Function is left as `any`
// rather than a concrete goja type so this package has no dependency on
// the VM implementation; internal/vm and internal/bridge are the only
// callers that type-assert it.
type Entry struct {
	Path     string
	Version  uint64
	Function any
	Err      error
	state    endpointState
}

// Table is a versioned path → handler map supporting hot replace. Each
// entry moves through
// Vacant → Loading(v) → Loaded(v,fn)|Failed(v) → Loading(v+1) → ...
type Table struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	nextVersion map[string]uint64
}

// NewTable returns an empty Table; every path starts Vacant.
func NewTable() *Table {
	return &Table{
		entries:     make(map[string]*Entry),
		nextVersion: make(map[string]uint64),
	}
}

// Reserve assigns path the next monotonic version and marks the slot
// Loading with no function, ordering concurrent redefinitions of the
// same path by lock acquisition order. Versions are strictly increasing
// per path because nextVersion is only ever incremented, never reset.
func (t *Table) Reserve(path string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.nextVersion[path] + 1
	t.nextVersion[path] = v
	t.entries[path] = &Entry{Path: path, Version: v, state: stateLoading}
	return v
}

// Install transitions path's reserved slot to Loaded, provided no later
// Reserve for the same path has superseded it (a stale Install from a
// slow loader race is simply dropped, never regressing the table to an
// older version).
func (t *Table) Install(path string, version uint64, fn any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[path]
	if !ok || e.Version != version {
		return
	}
	e.state = stateLoaded
	e.Function = fn
	e.Err = nil
}

// Fail transitions path's reserved slot to Failed: function stays none,
// but the version has already advanced, so a subsequent Reserve still
// produces a strictly greater version and a later successful replace is
// observable.
func (t *Table) Fail(path string, version uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[path]
	if !ok || e.Version != version {
		return
	}
	e.state = stateFailed
	e.Function = nil
	e.Err = err
}

// Get returns the current callable handler for path. Only the Loaded
// state has one; any other state yields *EndpointNotLoaded.
func (t *Table) Get(path string) (any, uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[path]
	if !ok {
		return nil, 0, &EndpointNotLoaded{Path: path, Missing: true}
	}
	if e.state != stateLoaded {
		return nil, e.Version, &EndpointNotLoaded{Path: path, Version: e.Version, Missing: false}
	}
	return e.Function, e.Version, nil
}

// Stats reports how many paths have entries and how many of those are
// currently Loaded, for the control plane's get_status message.
func (t *Table) Stats() (defined, loaded int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		defined++
		if e.state == stateLoaded {
			loaded++
		}
	}
	return defined, loaded
}

// NextVersion reports the version a Reserve call for path would assign
// right now, without reserving it. Exposed mainly for tests and
// diagnostics; callers that intend to install should use Reserve.
func (t *Table) NextVersion(path string) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextVersion[path] + 1
}
