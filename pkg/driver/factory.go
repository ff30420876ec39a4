package driver

import (
	"fmt"

	"github.com/amelia-ai/amelia/pkg/config"
)

// New selects a driver implementation from the agent config's (driver key,
// sandbox mode) pair. The sandbox argument is only consulted for container
// mode and may be nil otherwise.
func New(cfg config.AgentConfig, sb Sandbox) (Driver, error) {
	switch {
	case cfg.Sandbox.Mode.Enabled() && cfg.Driver == config.DriverCLI:
		return nil, fmt.Errorf("agent %q: cli driver cannot run inside a container sandbox; use driver: api or sandbox mode: none", cfg.Model)

	case cfg.Sandbox.Mode.Enabled() && cfg.Driver == config.DriverAPI:
		if sb == nil {
			return nil, fmt.Errorf("sandbox mode %q requires a sandbox provider", cfg.Sandbox.Mode)
		}
		return NewContainerDriver(cfg, sb), nil

	case cfg.Driver == config.DriverAPI:
		return NewAPIDriver(cfg), nil

	case cfg.Driver == config.DriverCLI:
		return NewCLIDriver(cfg), nil

	default:
		return nil, fmt.Errorf("unknown driver key %q", cfg.Driver)
	}
}
