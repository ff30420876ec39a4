package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRejectsLegacyFlatLayout(t *testing.T) {
	content := `
profiles:
  default:
    driver: api
    model: gpt-large
    working_dir: /work
`
	_, err := Load(writeProfiles(t, content))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLegacyLayout)

	// The message carries the exact migrated YAML for copy-paste.
	msg := err.Error()
	assert.Contains(t, msg, "move them under agents")
	assert.Contains(t, msg, "profiles:\n  default:\n    agents:")
	assert.Contains(t, msg, "      architect:\n        driver: api\n        model: gpt-large")
	assert.Contains(t, msg, "      developer:")
	assert.Contains(t, msg, "      reviewer:")
}

func TestLoadRejectsCLIDriverInsideContainerSandbox(t *testing.T) {
	content := `
profiles:
  default:
    working_dir: /work
    sandbox: { mode: container, image: amelia/sandbox:latest }
    agents:
      architect: { driver: api, model: m }
      developer: { driver: cli, model: m, command: claude }
      reviewer:  { driver: api, model: m }
`
	_, err := Load(writeProfiles(t, content))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDriverMismatch)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "default.developer", ve.ID)
}

func TestLoadRejectsMissingRequiredRole(t *testing.T) {
	content := `
profiles:
  default:
    working_dir: /work
    agents:
      architect: { driver: api, model: m }
      developer: { driver: api, model: m }
`
	_, err := Load(writeProfiles(t, content))
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "agents.reviewer", ve.Field)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	content := `
profiles:
  default:
    working_dir: /work
    agents:
      architect: { driver: carrier-pigeon, model: m }
      developer: { driver: api, model: m }
      reviewer:  { driver: api, model: m }
`
	_, err := Load(writeProfiles(t, content))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestLoadRejectsContainerSandboxWithoutImage(t *testing.T) {
	content := `
profiles:
  default:
    working_dir: /work
    sandbox: { mode: container }
    agents:
      architect: { driver: api, model: m }
      developer: { driver: api, model: m }
      reviewer:  { driver: api, model: m }
`
	_, err := Load(writeProfiles(t, content))
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "sandbox", ve.Component)
	assert.Equal(t, "image", ve.Field)
}

func TestLoadRejectsCLIDriverWithoutCommand(t *testing.T) {
	content := `
profiles:
  default:
    working_dir: /work
    agents:
      architect: { driver: api, model: m }
      developer: { driver: cli, model: m }
      reviewer:  { driver: api, model: m }
`
	_, err := Load(writeProfiles(t, content))
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "command", ve.Field)
}
