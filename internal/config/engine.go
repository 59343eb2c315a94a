package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"vaspilot/internal/classify"
	"vaspilot/internal/job"
)

// EngineSettings is the operator-editable domain configuration: the
// retry budget, per-type parameter defaults and the failure-signature
// table. It lives in a YAML file so rules can be tuned without a
// rebuild; every field has a built-in fallback.
type EngineSettings struct {
	MaxAttempts int                       `yaml:"maxAttempts"`
	Defaults    map[string]map[string]any `yaml:"defaults"`
	Rules       []classify.RuleConfig     `yaml:"rules"`
}

// LoadEngineSettings reads settings from path. A missing file is not an
// error: the engine runs on built-in defaults. A present but malformed
// file is fatal so a bad deploy fails loudly instead of silently
// reverting rules.
func LoadEngineSettings(path string) (*EngineSettings, error) {
	s := &EngineSettings{MaxAttempts: 3}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.Rules = classify.DefaultRules()
			return s, nil
		}
		return nil, fmt.Errorf("failed to read engine settings %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse engine settings %s: %w", path, err)
	}
	if s.MaxAttempts < 1 {
		s.MaxAttempts = 3
	}
	if len(s.Rules) == 0 {
		s.Rules = classify.DefaultRules()
	}

	for name := range s.Defaults {
		if !knownType(name) {
			return nil, fmt.Errorf("engine settings %s: defaults for unknown job type %q", path, name)
		}
	}
	return s, nil
}

// TypeDefaults converts the YAML defaults map into domain form.
func (s *EngineSettings) TypeDefaults() map[job.Type]job.Params {
	out := make(map[job.Type]job.Params, len(s.Defaults))
	for name, params := range s.Defaults {
		p := make(job.Params, len(params))
		for k, v := range params {
			p[k] = v
		}
		out[job.Type(name)] = p
	}
	return out
}

func knownType(name string) bool {
	for _, t := range job.Types() {
		if string(t) == name {
			return true
		}
	}
	return false
}
