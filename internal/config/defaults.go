package config

import "time"

const (
	DefaultShell          = "sh"
	DefaultWorkspaceMount = "/src"
	DefaultDockerfile     = "Dockerfile"
	DefaultBuildContext   = "."
	DefaultEngine         = EngineAuto
	DefaultLogLevel       = "info"
	DefaultPullAttempts   = 2 // one retry
	DefaultPullDelay      = "2s"
)

// ConfigFileNames are searched for, in order, by Find.
var ConfigFileNames = []string{"berth.yaml", ".berth.yaml"}

// DefaultConfig returns a Config with all default values applied.
func DefaultConfig() *Config {
	return &Config{
		Shell: Shell{
			Inner: DefaultShell,
			Outer: DefaultShell,
		},
		Entrypoint: Entrypoint{Suppress: true},
		Env:        map[string]string{},
		Volumes:    map[string]Volume{},
	}
}

// DefaultSettings returns Settings with all default values applied.
func DefaultSettings() *Settings {
	return &Settings{
		Engine:   DefaultEngine,
		LogLevel: DefaultLogLevel,
		Pull: PullSettings{
			Attempts: DefaultPullAttempts,
			Delay:    DefaultPullDelay,
		},
	}
}

// PullDelay returns the delay between image pull/build attempts.
// Settings are validated on load, so a parse failure falls back to the default.
func (s *Settings) PullDelay() time.Duration {
	if d, err := time.ParseDuration(s.Pull.Delay); err == nil {
		return d
	}
	d, _ := time.ParseDuration(DefaultPullDelay)
	return d
}
