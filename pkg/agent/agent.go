// Package agent wraps the LLM drivers with role-specific behavior: prompt
// construction at the boundary, structured-output parsing with fallbacks, and
// the translation of agent output into state partials.
package agent

import (
	"github.com/amelia-ai/amelia/pkg/config"
	"github.com/amelia-ai/amelia/pkg/driver"
	"github.com/amelia-ai/amelia/pkg/state"
)

// Agent binds a role to its driver and configuration.
type Agent struct {
	Role    state.Role
	Driver  driver.Driver
	Config  config.AgentConfig
	Profile *config.Profile
}

// New builds an agent for a role from the profile's agent config.
func New(role state.Role, d driver.Driver, cfg config.AgentConfig, profile *config.Profile) *Agent {
	return &Agent{Role: role, Driver: d, Config: cfg, Profile: profile}
}

// sessionFor pulls this role's driver session out of state, nil when absent.
func (a *Agent) sessionFor(st state.ExecutionState) *state.DriverSession {
	if st.DriverSessions == nil {
		return nil
	}
	if session, ok := st.DriverSessions[a.Role]; ok {
		return &session
	}
	return nil
}
