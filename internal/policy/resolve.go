package policy

// FieldPoliciesFor resolves the FieldPolicies in effect for a request to
// path against typ, by walking typ's labeled fields and looking each
// label up in vp. An unknown label name (one with no matching `labels:`
// entry) is silently ignored — unresolvable labels are no-ops here;
// malformed policy documents are instead rejected eagerly, in
// policy.Store.Load, at YAML decode time.
func FieldPoliciesFor(vp *VersionPolicy, typ TypeDescriptor, path string) FieldPolicies {
	fp := FieldPolicies{
		Transforms: make(map[string]Transform),
		MatchLogin: make(map[string]bool),
	}
	if vp == nil {
		return fp
	}
	for _, f := range typ.Fields {
		if f.Label == "" {
			continue
		}
		label, ok := vp.Labels[f.Label]
		if !ok || !label.Applies(path) {
			continue
		}
		switch label.Kind {
		case KindTransform:
			fp.Transforms[f.Name] = label.Transform
		case KindMatchLogin:
			fp.MatchLogin[f.Name] = true
		}
	}
	return fp
}

// IsAllowed resolves whether username (authenticated or not) may invoke
// the endpoint at path under vp's user authorization map. A nil
// VersionPolicy (no policy file loaded at all) allows everything, since
// running without a policies.yaml is a valid deployment.
func IsAllowed(vp *VersionPolicy, username string, authenticated bool, path string) bool {
	if vp == nil || vp.UserAuth == nil {
		return true
	}
	return vp.UserAuth.IsAllowed(username, authenticated, path)
}
