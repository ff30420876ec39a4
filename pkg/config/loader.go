package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/amelia-ai/amelia/pkg/state"
)

// Config is the parsed profiles file.
type Config struct {
	Defaults *Profile            `yaml:"defaults,omitempty"`
	Profiles map[string]*Profile `yaml:"profiles"`
}

// builtinDefaults fill any profile fields the file leaves unset.
var builtinDefaults = Profile{
	Tracker:       TrackerNoop,
	PlanOutputDir: "plans",
	Retry: RetryConfig{
		MaxAttempts: 3,
		BaseDelayMS: 500,
		MaxDelayMS:  10_000,
	},
	MaxPlanRevisions:        3,
	MaxTaskReviewIterations: 3,
	ExecutionMode:           ExecutionAgentic,
	TaskConcurrency:         4,
}

// Load reads, expands, parses, and validates a profiles file. Every profile
// in the returned registry is complete: file-level defaults and builtin
// defaults have been merged in, and validation has passed.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, ErrFileNotFound)
		}
		return nil, NewLoadError(path, err)
	}

	expanded, err := ExpandEnv(raw)
	if err != nil {
		return nil, NewLoadError(path, err)
	}

	if err := rejectLegacyLayout(expanded); err != nil {
		return nil, NewLoadError(path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	if len(cfg.Profiles) == 0 {
		return nil, NewLoadError(path, fmt.Errorf("%w: no profiles defined", ErrMissingField))
	}

	for name, profile := range cfg.Profiles {
		if profile == nil {
			profile = &Profile{}
			cfg.Profiles[name] = profile
		}
		profile.Name = name

		if cfg.Defaults != nil {
			if err := mergo.Merge(profile, *cfg.Defaults); err != nil {
				return nil, NewLoadError(path, fmt.Errorf("merging defaults into profile %q: %w", name, err))
			}
		}
		if err := mergo.Merge(profile, builtinDefaults); err != nil {
			return nil, NewLoadError(path, fmt.Errorf("applying builtin defaults to profile %q: %w", name, err))
		}

		if err := validateProfile(profile); err != nil {
			return nil, err
		}
	}

	slog.Info("Loaded profile configuration", "path", path, "profiles", len(cfg.Profiles))
	return &Registry{profiles: cfg.Profiles}, nil
}

// Registry holds the loaded profiles. Profiles are read-only after Load;
// lookups hand out the shared pointer.
type Registry struct {
	profiles map[string]*Profile
}

// NewRegistry builds a registry from pre-validated profiles. Intended for
// tests and for hydrating profiles persisted in the database.
func NewRegistry(profiles map[string]*Profile) *Registry {
	if profiles == nil {
		profiles = make(map[string]*Profile)
	}
	return &Registry{profiles: profiles}
}

// Get returns the named profile or ErrUnknownProfile.
func (r *Registry) Get(name string) (*Profile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return p, nil
}

// Names returns the profile names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AgentConfigFor resolves a role's agent config within a named profile.
func (r *Registry) AgentConfigFor(profileName string, role state.Role) (AgentConfig, error) {
	p, err := r.Get(profileName)
	if err != nil {
		return AgentConfig{}, err
	}
	ac, ok := p.AgentConfigFor(role)
	if !ok {
		return AgentConfig{}, NewValidationError("profile", profileName, "agents."+string(role), ErrMissingField)
	}
	return ac, nil
}
