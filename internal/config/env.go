package config

import "os"

// envOverrides maps environment variables to settings field setters.
var envOverrides = []struct {
	envVar string
	apply  func(*Settings, string)
}{
	{
		envVar: "BERTH_ENGINE",
		apply: func(s *Settings, v string) {
			s.Engine = v
		},
	},
	{
		envVar: "BERTH_RUNTIME",
		apply: func(s *Settings, v string) {
			s.Runtime = v
		},
	},
	{
		envVar: "BERTH_LOG_LEVEL",
		apply: func(s *Settings, v string) {
			s.LogLevel = v
		},
	},
	{
		envVar: "BERTH_TRACE_FILE",
		apply: func(s *Settings, v string) {
			s.Trace.Enabled = true
			s.Trace.File = v
		},
	},
}

// applyEnvOverrides modifies settings in place with environment variable values.
func applyEnvOverrides(s *Settings) {
	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			override.apply(s, val)
		}
	}
}
