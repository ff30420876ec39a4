package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amelia-ai/amelia/pkg/state"
)

func writeProfiles(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validProfiles = `
profiles:
  default:
    agents:
      architect: { driver: api, model: gpt-large, options: { max_iterations: 5 } }
      developer: { driver: api, model: gpt-large }
      reviewer:  { driver: api, model: gpt-small, options: { max_iterations: 2 } }
    sandbox:
      mode: container
      image: amelia/sandbox:latest
      network_allowlist_enabled: true
      network_allowed_hosts: [github.com]
    tracker: github
    working_dir: /work/repo
    plan_output_dir: /work/plans
`

func TestLoadValidProfile(t *testing.T) {
	reg, err := Load(writeProfiles(t, validProfiles))
	require.NoError(t, err)

	p, err := reg.Get("default")
	require.NoError(t, err)
	assert.Equal(t, "default", p.Name)
	assert.Equal(t, TrackerGitHub, p.Tracker)
	assert.Equal(t, SandboxContainer, p.Sandbox.Mode)

	// Builtin defaults filled the gaps.
	assert.Equal(t, 3, p.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.Retry.BaseDelay())
	assert.Equal(t, ExecutionAgentic, p.ExecutionMode)
	assert.Equal(t, 4, p.TaskConcurrency)
}

func TestLoadInjectsSandboxIntoAgentConfig(t *testing.T) {
	reg, err := Load(writeProfiles(t, validProfiles))
	require.NoError(t, err)

	ac, err := reg.AgentConfigFor("default", state.RoleArchitect)
	require.NoError(t, err)
	assert.Equal(t, DriverAPI, ac.Driver)
	assert.Equal(t, "default", ac.ProfileName)
	assert.Equal(t, SandboxContainer, ac.Sandbox.Mode)
	assert.Equal(t, "amelia/sandbox:latest", ac.Sandbox.Image)
	assert.Equal(t, 5, ac.Options.MaxIterations)
}

func TestLoadMergesFileDefaults(t *testing.T) {
	content := `
defaults:
  working_dir: /srv/repo
  retry: { max_attempts: 7, base_delay_ms: 100, max_delay_ms: 1000 }
profiles:
  fast:
    agents:
      architect: { driver: api, model: m1 }
      developer: { driver: api, model: m1 }
      reviewer:  { driver: api, model: m1 }
  careful:
    working_dir: /srv/other
    agents:
      architect: { driver: api, model: m2 }
      developer: { driver: api, model: m2 }
      reviewer:  { driver: api, model: m2 }
`
	reg, err := Load(writeProfiles(t, content))
	require.NoError(t, err)

	fast, err := reg.Get("fast")
	require.NoError(t, err)
	assert.Equal(t, "/srv/repo", fast.WorkingDir)
	assert.Equal(t, 7, fast.Retry.MaxAttempts)

	careful, err := reg.Get("careful")
	require.NoError(t, err)
	assert.Equal(t, "/srv/other", careful.WorkingDir)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("AMELIA_TEST_MODEL", "env-model")
	content := `
profiles:
  default:
    working_dir: /work
    agents:
      architect: { driver: api, model: "{{.AMELIA_TEST_MODEL}}" }
      developer: { driver: api, model: m }
      reviewer:  { driver: api, model: m }
`
	reg, err := Load(writeProfiles(t, content))
	require.NoError(t, err)

	ac, err := reg.AgentConfigFor("default", state.RoleArchitect)
	require.NoError(t, err)
	assert.Equal(t, "env-model", ac.Model)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFileNotFound)

	var le *LoadError
	require.ErrorAs(t, err, &le)
}

func TestRegistryUnknownProfile(t *testing.T) {
	reg, err := Load(writeProfiles(t, validProfiles))
	require.NoError(t, err)

	_, err = reg.Get("ghost")
	assert.ErrorIs(t, err, ErrUnknownProfile)
	assert.Equal(t, []string{"default"}, reg.Names())
}

func TestMaxIterationsFor(t *testing.T) {
	reg, err := Load(writeProfiles(t, validProfiles))
	require.NoError(t, err)
	p, err := reg.Get("default")
	require.NoError(t, err)

	assert.Equal(t, 5, p.MaxIterationsFor(state.RoleArchitect, 99))
	assert.Equal(t, 2, p.MaxIterationsFor(state.RoleReviewer, 99))
	// Developer has no option; falls back to the given default.
	assert.Equal(t, 99, p.MaxIterationsFor(state.RoleDeveloper, 99))
}
