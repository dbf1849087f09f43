// Package endpoint implements the compile-time and loading half of the
// scripted endpoint runtime: the in-memory module source map, the
// endpoint loader, and the versioned endpoint table. A reserved
// synthetic URL scheme is the only thing the VM's module loader will
// resolve, and hot replacement works through monotonically versioned
// table entries rather than module unloading.
package endpoint

import (
	"fmt"
	"strings"
	"sync"
)

// URLPrefix is the reserved synthetic authority the VM's module loader
// recognises. Any URL outside this prefix is refused at resolution
// time.
const URLPrefix = "host://endpoint"

// ModuleSource is the in-memory map from synthetic URL to JS source the
// VM's module loader consults while importing an endpoint module.
type ModuleSource struct {
	mu      sync.Mutex
	sources map[string]string
}

// NewModuleSource returns an empty ModuleSource.
func NewModuleSource() *ModuleSource {
	return &ModuleSource{sources: make(map[string]string)}
}

// Put registers source under a fresh URL keyed by (path, version) and
// returns that URL. The ?ver=N suffix exists because the VM never
// unloads modules: a unique URL per version guarantees a fresh module
// instance on every redefinition.
func (m *ModuleSource) Put(path string, version uint64, source string) string {
	url := fmt.Sprintf("%s/%s?ver=%d", URLPrefix, strings.TrimPrefix(path, "/"), version)
	m.mu.Lock()
	m.sources[url] = source
	m.mu.Unlock()
	return url
}

// Resolve answers the VM module loader's request for url. Any URL not
// previously registered via Put is refused, sealing the runtime from the
// network at module-resolution time.
func (m *ModuleSource) Resolve(url string) (string, error) {
	if !strings.HasPrefix(url, URLPrefix) {
		return "", fmt.Errorf("module resolution refused: %q is outside %s", url, URLPrefix)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[url]
	if !ok {
		return "", fmt.Errorf("module resolution refused: %q has no registered source", url)
	}
	return src, nil
}

// Remove drops url's source once the loader has finished importing it;
// the VM holds the module instance from then on.
func (m *ModuleSource) Remove(url string) {
	m.mu.Lock()
	delete(m.sources, url)
	m.mu.Unlock()
}
