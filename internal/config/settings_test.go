package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearSettingsEnv keeps the caller's environment out of settings tests.
func clearSettingsEnv(t *testing.T) {
	t.Helper()
	for _, o := range envOverrides {
		t.Setenv(o.envVar, "")
	}
}

func TestLoadSettingsFromPath_MissingFileUsesDefaults(t *testing.T) {
	clearSettingsEnv(t)

	s, err := LoadSettingsFromPath(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
	assert.Equal(t, 2*time.Second, s.PullDelay())
}

func TestLoadSettingsFromPath_File(t *testing.T) {
	clearSettingsEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
engine = "cli"
runtime = "podman"
log_level = "debug"

[pull]
attempts = 4
delay = "500ms"

[trace]
enabled = true
file = "/tmp/berth-trace.json"
`)

	s, err := LoadSettingsFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, EngineCLI, s.Engine)
	assert.Equal(t, "podman", s.Runtime)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, 4, s.Pull.Attempts)
	assert.Equal(t, 500*time.Millisecond, s.PullDelay())
	assert.True(t, s.Trace.Enabled)
	assert.Equal(t, "/tmp/berth-trace.json", s.Trace.File)
}

func TestLoadSettingsFromPath_PartialFileKeepsDefaults(t *testing.T) {
	clearSettingsEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "log_level = \"warn\"\n")

	s, err := LoadSettingsFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", s.LogLevel)
	assert.Equal(t, EngineAuto, s.Engine)
	assert.Equal(t, DefaultPullAttempts, s.Pull.Attempts)
}

func TestLoadSettingsFromPath_UnknownKey(t *testing.T) {
	clearSettingsEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "engin = \"cli\"\n")

	_, err := LoadSettingsFromPath(path)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, path, parseErr.Path)
}

func TestLoadSettingsFromPath_Malformed(t *testing.T) {
	clearSettingsEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "engine = \n")

	_, err := LoadSettingsFromPath(path)
	var parseErr *ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestLoadSettingsFromPath_Invalid(t *testing.T) {
	clearSettingsEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
engine = "grpc"
runtime = "lxc"
log_level = "loud"

[pull]
attempts = 0
delay = "soon"
`)

	_, err := LoadSettingsFromPath(path)
	require.Error(t, err)

	fields := map[string]bool{}
	collectFields(err, fields)
	for _, want := range []string{"engine", "runtime", "log_level", "pull.attempts", "pull.delay"} {
		assert.True(t, fields[want], "expected validation error for %s", want)
	}
}

func TestEnvOverrides_Applied(t *testing.T) {
	clearSettingsEnv(t)
	t.Setenv("BERTH_ENGINE", "api")
	t.Setenv("BERTH_RUNTIME", "docker")
	t.Setenv("BERTH_LOG_LEVEL", "error")
	t.Setenv("BERTH_TRACE_FILE", "/tmp/spans.json")

	s := DefaultSettings()
	applyEnvOverrides(s)

	assert.Equal(t, EngineAPI, s.Engine)
	assert.Equal(t, "docker", s.Runtime)
	assert.Equal(t, "error", s.LogLevel)
	assert.True(t, s.Trace.Enabled)
	assert.Equal(t, "/tmp/spans.json", s.Trace.File)
}

func TestEnvOverrides_WinOverFile(t *testing.T) {
	clearSettingsEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "engine = \"cli\"\n")
	t.Setenv("BERTH_ENGINE", "api")

	s, err := LoadSettingsFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, EngineAPI, s.Engine)
}

func TestEnvOverrides_InvalidValueRejected(t *testing.T) {
	clearSettingsEnv(t)
	t.Setenv("BERTH_LOG_LEVEL", "chatty")

	_, err := LoadSettingsFromPath(filepath.Join(t.TempDir(), "config.toml"))
	var vErr *ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "log_level", vErr.Field)
}

func TestSettingsPath(t *testing.T) {
	t.Run("BERTH_HOME wins", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("BERTH_HOME", home)
		t.Setenv("XDG_CONFIG_HOME", "/elsewhere")

		dir, file, err := SettingsPath()
		require.NoError(t, err)
		assert.Equal(t, home, dir)
		assert.Equal(t, filepath.Join(home, "config.toml"), file)
	})

	t.Run("XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("BERTH_HOME", "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")

		dir, file, err := SettingsPath()
		require.NoError(t, err)
		assert.Equal(t, "/xdg/berth", dir)
		assert.Equal(t, "/xdg/berth/config.toml", file)
	})

	t.Run("home fallback", func(t *testing.T) {
		t.Setenv("BERTH_HOME", "")
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", "/home/dev")

		dir, _, err := SettingsPath()
		require.NoError(t, err)
		assert.Equal(t, "/home/dev/.config/berth", dir)
	})
}

func TestPullDelay_FallsBackOnGarbage(t *testing.T) {
	s := &Settings{Pull: PullSettings{Delay: "nope"}}
	assert.Equal(t, 2*time.Second, s.PullDelay())
}
