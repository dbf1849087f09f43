// Package policy implements field-level data policies: per-type,
// per-request-path transforms (e.g. anonymization) and match_login row
// filtering, plus the longest-prefix user authorization that gates which
// endpoints a caller may invoke. Policy state is versioned: one
// immutable snapshot per load, looked up the same way internal/endpoint
// looks up table entries.
package policy

import "regexp"

// Kind is the effect a label has on a field.
type Kind int

const (
	// KindTransform replaces the field's value with Transform(value)
	// whenever the request path does not match ExceptURI.
	KindTransform Kind = iota
	// KindMatchLogin requires the row's value for this field to equal the
	// current authenticated user's login; rows that don't match are
	// dropped from the result rather than reported as errors.
	KindMatchLogin
)

// Transform is a pure value transformation, e.g. Anonymize.
type Transform func(value any) any

// Anonymize is the built-in "anonymize" transform: it discards the
// value entirely rather than attempting format-preserving redaction.
func Anonymize(_ any) any { return "xxxxx" }

// Label is one `labels:` entry from the policy YAML: a named rule that
// type fields can opt into.
type Label struct {
	Name       string
	Kind       Kind
	Transform  Transform
	MatchLogin string         // only used when Kind == KindMatchLogin (future extension point)
	ExceptURI  *regexp.Regexp // paths exempted from this label; defaults to "^$" (matches nothing)
}

// Applies reports whether this label's effect should be applied to a
// request at path: it applies everywhere except where ExceptURI matches.
func (l Label) Applies(path string) bool {
	if l.ExceptURI == nil {
		return true
	}
	return !l.ExceptURI.MatchString(path)
}

// FieldDef is one field of a type as registered via define_type, carrying
// the (optional) label name attached to it.
type FieldDef struct {
	Name  string
	Label string
}

// TypeDescriptor is the subset of a registered entity type policy.go
// needs: its name and labeled fields. internal/entitystore owns the full
// type registry; this is the read-only view policy resolution consumes.
type TypeDescriptor struct {
	Name   string
	Fields []FieldDef
}

// VersionPolicy is the full policy configuration in effect for one
// policy Store version: the named labels available, and the user
// authorization prefix map gating endpoint access.
type VersionPolicy struct {
	Labels   map[string]Label
	UserAuth *PrefixMap
}

// NewVersionPolicy returns an empty VersionPolicy (no labels, nobody
// restricted).
func NewVersionPolicy() *VersionPolicy {
	return &VersionPolicy{
		Labels:   make(map[string]Label),
		UserAuth: NewPrefixMap(),
	}
}

// FieldPolicies is the per-(type, request-path) resolved policy: which
// fields get transformed, and which fields require a match_login check.
// This is the value internal/rowstream consults per row.
type FieldPolicies struct {
	Transforms map[string]Transform
	MatchLogin map[string]bool
}

// Empty reports whether this FieldPolicies has no effect at all, letting
// callers skip per-row work entirely in the common case.
func (fp FieldPolicies) Empty() bool {
	return len(fp.Transforms) == 0 && len(fp.MatchLogin) == 0
}
