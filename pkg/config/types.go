// Package config loads and validates Amelia profiles from YAML.
package config

import (
	"time"

	"github.com/amelia-ai/amelia/pkg/state"
)

// DriverKey selects the transport for an agent's LLM calls.
type DriverKey string

// Driver keys.
const (
	DriverAPI DriverKey = "api"
	DriverCLI DriverKey = "cli"
)

// IsValid reports whether the key names a known driver.
func (k DriverKey) IsValid() bool {
	return k == DriverAPI || k == DriverCLI
}

// SandboxMode selects where agentic execution happens.
type SandboxMode string

// Sandbox modes.
const (
	SandboxNone      SandboxMode = "none"
	SandboxContainer SandboxMode = "container"
)

// IsValid reports whether the mode is known. The empty string is valid and
// means none.
func (m SandboxMode) IsValid() bool {
	return m == SandboxNone || m == SandboxContainer || m == ""
}

// Enabled reports whether the mode requires a container sandbox.
func (m SandboxMode) Enabled() bool {
	return m == SandboxContainer
}

// SandboxConfig describes the container sandbox for a profile.
type SandboxConfig struct {
	Mode                    SandboxMode `yaml:"mode"`
	Image                   string      `yaml:"image,omitempty"`
	NetworkAllowlistEnabled bool        `yaml:"network_allowlist_enabled"`
	NetworkAllowedHosts     []string    `yaml:"network_allowed_hosts,omitempty"`
}

// AgentOptions are per-agent tuning knobs. MaxIterations bounds the feedback
// loop the agent participates in: plan revisions for the architect, review
// rounds for the reviewer.
type AgentOptions struct {
	MaxIterations  int    `yaml:"max_iterations,omitempty"`
	ValidatorModel string `yaml:"validator_model,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

// Timeout returns the per-call LLM timeout, or fallback when unset.
func (o AgentOptions) Timeout(fallback time.Duration) time.Duration {
	if o.TimeoutSeconds > 0 {
		return time.Duration(o.TimeoutSeconds) * time.Second
	}
	return fallback
}

// AgentConfig configures one agent role. Sandbox and ProfileName are never
// parsed from YAML; Profile.AgentConfigFor injects them at lookup so a
// profile's sandbox settings live in exactly one place.
type AgentConfig struct {
	Driver  DriverKey    `yaml:"driver"`
	Model   string       `yaml:"model"`
	BaseURL string       `yaml:"base_url,omitempty"`
	APIKey  string       `yaml:"api_key,omitempty"`
	Command string       `yaml:"command,omitempty"`
	Args    []string     `yaml:"args,omitempty"`
	Options AgentOptions `yaml:"options,omitempty"`

	Sandbox     SandboxConfig `yaml:"-"`
	ProfileName string        `yaml:"-"`
}

// TrackerKind names the issue tracker integration.
type TrackerKind string

// Tracker kinds.
const (
	TrackerJira   TrackerKind = "jira"
	TrackerGitHub TrackerKind = "github"
	TrackerNoop   TrackerKind = "noop"
)

// IsValid reports whether the kind is known. The empty string is valid and
// means noop.
func (k TrackerKind) IsValid() bool {
	switch k {
	case TrackerJira, TrackerGitHub, TrackerNoop, "":
		return true
	}
	return false
}

// RetryConfig bounds retries of transient provider errors.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

// BaseDelay returns the initial backoff interval.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns the backoff cap.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// ExecutionMode selects the scheduler's failure policy.
type ExecutionMode string

// Execution modes.
const (
	ExecutionAgentic ExecutionMode = "agentic"
	ExecutionLenient ExecutionMode = "lenient"
)

// IsValid reports whether the mode is known. The empty string is valid and
// defaults to agentic.
func (m ExecutionMode) IsValid() bool {
	return m == ExecutionAgentic || m == ExecutionLenient || m == ""
}

// Profile is a complete orchestrator configuration. Profiles are immutable
// after load; a workflow captures its profile name at start and keeps it for
// life.
type Profile struct {
	Name string `yaml:"-"`

	Agents  map[state.Role]AgentConfig `yaml:"agents"`
	Sandbox SandboxConfig              `yaml:"sandbox"`
	Tracker TrackerKind                `yaml:"tracker"`

	WorkingDir      string `yaml:"working_dir"`
	PlanOutputDir   string `yaml:"plan_output_dir"`
	PlanPathPattern string `yaml:"plan_path_pattern,omitempty"`

	Retry RetryConfig `yaml:"retry"`

	MaxPlanRevisions        int  `yaml:"max_plan_revisions,omitempty"`
	MaxTaskReviewIterations int  `yaml:"max_task_review_iterations,omitempty"`
	AutoApproveReviews      bool `yaml:"auto_approve_reviews"`

	ExecutionMode   ExecutionMode `yaml:"execution_mode,omitempty"`
	TaskConcurrency int           `yaml:"task_concurrency,omitempty"`
}

// AgentConfigFor returns the agent config for a role with the profile's
// sandbox and name injected. The second return is false when the role is not
// configured.
func (p *Profile) AgentConfigFor(role state.Role) (AgentConfig, bool) {
	ac, ok := p.Agents[role]
	if !ok {
		return AgentConfig{}, false
	}
	ac.Sandbox = p.Sandbox
	ac.ProfileName = p.Name
	return ac, true
}

// MaxIterationsFor reads a role's feedback-loop bound, falling back to the
// profile-level default for that role, then to fallback.
func (p *Profile) MaxIterationsFor(role state.Role, fallback int) int {
	if ac, ok := p.Agents[role]; ok && ac.Options.MaxIterations > 0 {
		return ac.Options.MaxIterations
	}
	switch role {
	case state.RoleArchitect:
		if p.MaxPlanRevisions > 0 {
			return p.MaxPlanRevisions
		}
	case state.RoleReviewer:
		if p.MaxTaskReviewIterations > 0 {
			return p.MaxTaskReviewIterations
		}
	}
	return fallback
}
