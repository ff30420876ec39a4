package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/amelia-ai/amelia/pkg/state"
)

// requiredRoles must all be configured for a profile to run workflows. The
// evaluator is optional: without one, plan validation still runs its
// deterministic checks.
var requiredRoles = []state.Role{state.RoleArchitect, state.RoleDeveloper, state.RoleReviewer}

func validateProfile(p *Profile) error {
	if len(p.Agents) == 0 {
		return NewValidationError("profile", p.Name, "agents", ErrMissingField)
	}
	for _, role := range requiredRoles {
		if _, ok := p.Agents[role]; !ok {
			return NewValidationError("profile", p.Name, "agents."+string(role), ErrMissingField)
		}
	}

	for role, ac := range p.Agents {
		if !role.IsValid() {
			return NewValidationError("profile", p.Name, "agents."+string(role),
				fmt.Errorf("%w: unknown role", ErrInvalidValue))
		}
		if err := validateAgent(p, role, ac); err != nil {
			return err
		}
	}

	if !p.Sandbox.Mode.IsValid() {
		return NewValidationError("sandbox", p.Name, "mode",
			fmt.Errorf("%w: %q (want none or container)", ErrInvalidValue, p.Sandbox.Mode))
	}
	if p.Sandbox.Mode.Enabled() && p.Sandbox.Image == "" {
		return NewValidationError("sandbox", p.Name, "image", ErrMissingField)
	}
	if !p.Tracker.IsValid() {
		return NewValidationError("profile", p.Name, "tracker",
			fmt.Errorf("%w: %q (want jira, github, or noop)", ErrInvalidValue, p.Tracker))
	}
	if !p.ExecutionMode.IsValid() {
		return NewValidationError("profile", p.Name, "execution_mode",
			fmt.Errorf("%w: %q (want agentic or lenient)", ErrInvalidValue, p.ExecutionMode))
	}
	if p.WorkingDir == "" {
		return NewValidationError("profile", p.Name, "working_dir", ErrMissingField)
	}
	if p.Retry.MaxAttempts < 1 {
		return NewValidationError("profile", p.Name, "retry.max_attempts",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if p.TaskConcurrency < 1 {
		return NewValidationError("profile", p.Name, "task_concurrency",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func validateAgent(p *Profile, role state.Role, ac AgentConfig) error {
	id := p.Name + "." + string(role)

	if ac.Driver == "" {
		return NewValidationError("agent", id, "driver", ErrMissingField)
	}
	if !ac.Driver.IsValid() {
		return NewValidationError("agent", id, "driver",
			fmt.Errorf("%w: %q (want api or cli)", ErrInvalidValue, ac.Driver))
	}
	if ac.Model == "" {
		return NewValidationError("agent", id, "model", ErrMissingField)
	}

	// A CLI driver spawns a local process; it cannot run inside the container
	// sandbox, where agentic work goes through the sandbox worker instead.
	if ac.Driver == DriverCLI && p.Sandbox.Mode.Enabled() {
		return NewValidationError("agent", id, "driver",
			fmt.Errorf("%w: cli driver cannot be combined with sandbox mode %q", ErrDriverMismatch, p.Sandbox.Mode))
	}
	if ac.Driver == DriverCLI && ac.Command == "" {
		return NewValidationError("agent", id, "command", ErrMissingField)
	}
	return nil
}

// rejectLegacyLayout scans the raw document for the pre-profile flat shape
// where driver and model sat directly under the profile instead of under
// agents.<role>. The error shows the exact migrated YAML so operators can fix
// the file by copy-paste.
func rejectLegacyLayout(raw []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		// Let the typed unmarshal report syntax errors.
		return nil
	}
	root := documentRoot(&doc)
	if root == nil || root.Kind != yaml.MappingNode {
		return nil
	}

	profiles := mappingValue(root, "profiles")
	if profiles == nil || profiles.Kind != yaml.MappingNode {
		return nil
	}

	for i := 0; i+1 < len(profiles.Content); i += 2 {
		name := profiles.Content[i].Value
		body := profiles.Content[i+1]
		if body.Kind != yaml.MappingNode {
			continue
		}
		driver := mappingValue(body, "driver")
		model := mappingValue(body, "model")
		if driver == nil && model == nil {
			continue
		}
		return fmt.Errorf("%w: profile %q declares driver/model at profile level; move them under agents:\n\n%s",
			ErrLegacyLayout, name, migratedYAML(name, nodeValue(driver), nodeValue(model)))
	}
	return nil
}

func documentRoot(doc *yaml.Node) *yaml.Node {
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		return doc.Content[0]
	}
	return doc
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func nodeValue(n *yaml.Node) string {
	if n == nil {
		return ""
	}
	return n.Value
}

// migratedYAML renders the per-role agents block the legacy keys map to.
func migratedYAML(profile, driver, model string) string {
	if driver == "" {
		driver = "api"
	}
	if model == "" {
		model = "<model-id>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "profiles:\n  %s:\n    agents:\n", profile)
	for _, role := range []state.Role{state.RoleArchitect, state.RoleDeveloper, state.RoleReviewer} {
		fmt.Fprintf(&b, "      %s:\n        driver: %s\n        model: %s\n", role, driver, model)
	}
	return b.String()
}
