package policy

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// rawLabel mirrors one `labels:` entry in policies.yaml.
type rawLabel struct {
	Name       string `yaml:"name"`
	Transform  string `yaml:"transform"`
	MatchLogin bool   `yaml:"match_login"`
	ExceptURI  string `yaml:"except_uri"`
}

// rawEndpoint mirrors one `endpoints:` entry in policies.yaml.
type rawEndpoint struct {
	Path  string `yaml:"path"`
	Users string `yaml:"users"`
}

type rawPolicyFile struct {
	Labels    []rawLabel    `yaml:"labels"`
	Endpoints []rawEndpoint `yaml:"endpoints"`
}

// transformsByName maps the `transform:` string named in policies.yaml
// to its Go implementation. An unrecognized name is a load error rather
// than a silent no-op, since a typo here would otherwise leak unlabeled
// data.
var transformsByName = map[string]Transform{
	"anonymize": Anonymize,
}

// ParseYAML decodes one policies.yaml document into a VersionPolicy.
// Labels default their except_uri to "^$" (matches nothing, i.e. the
// transform applies everywhere) when left unset, so every label carries
// a well-formed regex even when the operator never wrote one.
func ParseYAML(doc []byte) (*VersionPolicy, error) {
	var raw rawPolicyFile
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return nil, &LoadError{Cause: err}
	}

	vp := NewVersionPolicy()

	for _, rl := range raw.Labels {
		if rl.Name == "" {
			return nil, &LoadError{Cause: fmt.Errorf("label with empty name")}
		}
		exceptPattern := rl.ExceptURI
		if exceptPattern == "" {
			exceptPattern = "^$"
		}
		exceptRe, err := regexp.Compile(exceptPattern)
		if err != nil {
			return nil, &LoadError{Cause: fmt.Errorf("label %q: invalid except_uri: %w", rl.Name, err)}
		}

		label := Label{Name: rl.Name, ExceptURI: exceptRe}

		switch {
		case rl.Transform != "" && rl.MatchLogin:
			return nil, &LoadError{Cause: fmt.Errorf("label %q: transform and match_login are mutually exclusive", rl.Name)}
		case rl.Transform != "":
			fn, ok := transformsByName[rl.Transform]
			if !ok {
				return nil, &LoadError{Cause: fmt.Errorf("label %q: unknown transform %q", rl.Name, rl.Transform)}
			}
			label.Kind = KindTransform
			label.Transform = fn
		case rl.MatchLogin:
			label.Kind = KindMatchLogin
		default:
			return nil, &LoadError{Cause: fmt.Errorf("label %q: neither transform nor match_login set", rl.Name)}
		}

		vp.Labels[rl.Name] = label
	}

	for _, re := range raw.Endpoints {
		if re.Path == "" {
			return nil, &LoadError{Cause: fmt.Errorf("endpoint entry with empty path")}
		}
		usersPattern := re.Users
		if usersPattern == "" {
			usersPattern = "^$"
		}
		usersRe, err := regexp.Compile(usersPattern)
		if err != nil {
			return nil, &LoadError{Cause: fmt.Errorf("endpoint %q: invalid users regex: %w", re.Path, err)}
		}
		vp.UserAuth.Add(re.Path, usersRe)
	}

	return vp, nil
}

// LoadError wraps a YAML decode or validation failure.
type LoadError struct {
	Cause error
}

func (e *LoadError) Error() string { return fmt.Sprintf("policy load error: %v", e.Cause) }
func (e *LoadError) Unwrap() error { return e.Cause }
