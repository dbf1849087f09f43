package policy

import "testing"

const samplePolicyYAML = `
labels:
  - name: pii
    transform: anonymize
    except_uri: "^/internal/"
  - name: owner_only
    match_login: true

endpoints:
  - path: /admin
    users: "^(alice|bob)$"
`

func TestParseYAMLAndResolveFieldPolicies(t *testing.T) {
	vp, err := ParseYAML([]byte(samplePolicyYAML))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}

	typ := TypeDescriptor{
		Name: "User",
		Fields: []FieldDef{
			{Name: "email", Label: "pii"},
			{Name: "id", Label: "owner_only"},
			{Name: "name"},
		},
	}

	fp := FieldPoliciesFor(vp, typ, "/users")
	if _, ok := fp.Transforms["email"]; !ok {
		t.Fatalf("expected email to carry a transform outside except_uri, got %+v", fp)
	}
	if !fp.MatchLogin["id"] {
		t.Fatalf("expected id to require match_login, got %+v", fp)
	}
	if _, ok := fp.Transforms["name"]; ok {
		t.Fatalf("unlabeled field should never be transformed")
	}

	fpInternal := FieldPoliciesFor(vp, typ, "/internal/users")
	if _, ok := fpInternal.Transforms["email"]; ok {
		t.Fatalf("expected except_uri to exempt /internal/ paths, got %+v", fpInternal)
	}
}

func TestAnonymizeTransform(t *testing.T) {
	if got := Anonymize("secret@example.com"); got != "xxxxx" {
		t.Fatalf("Anonymize = %v, want xxxxx", got)
	}
}

func TestUserAuthorizationLongestPrefix(t *testing.T) {
	vp, err := ParseYAML([]byte(samplePolicyYAML))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}

	if !IsAllowed(vp, "alice", true, "/admin") {
		t.Fatalf("expected alice to be allowed at /admin")
	}
	if IsAllowed(vp, "eve", true, "/admin") {
		t.Fatalf("expected eve to be denied at /admin")
	}
	if IsAllowed(vp, "", false, "/admin") {
		t.Fatalf("expected unauthenticated caller to be denied at a restricted path")
	}
	if !IsAllowed(vp, "", false, "/public") {
		t.Fatalf("expected an unrestricted path to allow unauthenticated callers")
	}
}

func TestIsAllowedWithNoPolicyLoaded(t *testing.T) {
	if !IsAllowed(nil, "", false, "/anything") {
		t.Fatalf("expected a nil VersionPolicy to allow everything")
	}
}

func TestParseYAMLRejectsUnknownTransform(t *testing.T) {
	_, err := ParseYAML([]byte(`
labels:
  - name: bogus
    transform: not_a_real_transform
`))
	if err == nil {
		t.Fatalf("expected an error for an unrecognized transform name")
	}
	if _, ok := err.(*LoadError); !ok {
		t.Fatalf("expected *LoadError, got %T", err)
	}
}

func TestStoreVersioning(t *testing.T) {
	s := NewStore()
	if s.Current() != nil {
		t.Fatalf("expected no current policy before any Load")
	}

	v1, _, err := s.Load([]byte(samplePolicyYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v1 != 1 {
		t.Fatalf("expected first loaded version to be 1, got %d", v1)
	}

	v2, _, err := s.Load([]byte(`labels: []`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v2 != 2 {
		t.Fatalf("expected second loaded version to be 2, got %d", v2)
	}

	if _, ok := s.Get(v1); !ok {
		t.Fatalf("expected version 1 to remain retrievable after a later Load")
	}
	if s.CurrentVersion() != v2 {
		t.Fatalf("expected current version to advance to %d, got %d", v2, s.CurrentVersion())
	}
}
