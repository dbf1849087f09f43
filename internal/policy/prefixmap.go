package policy

import (
	"regexp"
	"strings"
)

// PrefixMap implements the longest-prefix lookup user authorization
// uses: a path is governed by the most specific configured ancestor
// directory, not by an exact match.
type PrefixMap struct {
	entries map[string]*regexp.Regexp
}

// NewPrefixMap creates an empty PrefixMap.
func NewPrefixMap() *PrefixMap {
	return &PrefixMap{entries: make(map[string]*regexp.Regexp)}
}

// Add registers users as the authorization regex for path. Re-adding
// the same path overwrites the previous entry: the latest policy reload
// wins.
func (m *PrefixMap) Add(path string, users *regexp.Regexp) {
	m.entries[cleanPath(path)] = users
}

// LongestPrefix returns the regex registered for the longest configured
// ancestor of path, walking from the full path up to "/". ok is false when
// no configured prefix covers path at all.
func (m *PrefixMap) LongestPrefix(path string) (users *regexp.Regexp, ok bool) {
	path = cleanPath(path)
	for {
		if re, found := m.entries[path]; found {
			return re, true
		}
		if path == "/" || path == "" {
			return nil, false
		}
		idx := strings.LastIndex(path, "/")
		if idx <= 0 {
			path = "/"
			continue
		}
		path = path[:idx]
	}
}

// IsAllowed reports whether username may execute the endpoint at path:
// no configured prefix means everyone is allowed; a configured prefix
// with no authenticated user means denied; otherwise the username must
// match the prefix's regex.
func (m *PrefixMap) IsAllowed(username string, authenticated bool, path string) bool {
	re, ok := m.LongestPrefix(path)
	if !ok {
		return true
	}
	if !authenticated {
		return false
	}
	return re.MatchString(username)
}

func cleanPath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimRight(path, "/")
	}
	return path
}
