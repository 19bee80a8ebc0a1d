package config

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// ValidationError contains details about what failed validation.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// validateConfig checks a normalized config for validity.
// Returns nil if valid, or joined errors for all validation failures.
func validateConfig(cfg *Config) error {
	var errs []error

	switch cfg.Image.Kind {
	case ImageTag:
		if cfg.Image.Tag == "" {
			errs = append(errs, &ValidationError{
				Field:   "image",
				Value:   cfg.Image.Tag,
				Message: "must not be empty",
			})
		}
	case ImageBuild:
		if cfg.Image.Build.Name == "" {
			errs = append(errs, &ValidationError{
				Field:   "image.build.name",
				Value:   cfg.Image.Build.Name,
				Message: "must not be empty",
			})
		}
	default:
		errs = append(errs, &ValidationError{
			Field:   "image",
			Value:   nil,
			Message: "must be set",
		})
	}

	if cfg.Shell.Inner == "" || cfg.Shell.Outer == "" {
		errs = append(errs, &ValidationError{
			Field:   "shell",
			Value:   cfg.Shell,
			Message: "inner and outer shells must not be empty",
		})
	}

	// Container paths must be absolute and unique across the workspace mount,
	// bind mounts and volumes.
	targets := make(map[string]string)
	claim := func(field, target string) {
		if !path.IsAbs(target) {
			errs = append(errs, &ValidationError{
				Field:   field,
				Value:   target,
				Message: "container path must be absolute",
			})
			return
		}
		target = path.Clean(target)
		if prev, ok := targets[target]; ok {
			errs = append(errs, &ValidationError{
				Field:   field,
				Value:   target,
				Message: fmt.Sprintf("container path already used by %s", prev),
			})
			return
		}
		targets[target] = field
	}

	if cfg.WorkspaceMount != "" {
		claim("mount", cfg.WorkspaceMount)
	}
	for i, m := range cfg.Mounts {
		if m.Host == "" {
			errs = append(errs, &ValidationError{
				Field:   fmt.Sprintf("mounts[%d].host", i),
				Value:   m.Host,
				Message: "must not be empty",
			})
		}
		claim(fmt.Sprintf("mounts[%d].container", i), m.Container)
	}
	for _, name := range sortedVolumeNames(cfg.Volumes) {
		claim(fmt.Sprintf("volumes.%s.mount", name), cfg.Volumes[name].Mount)
	}

	if !path.IsAbs(cfg.WorkDir) {
		errs = append(errs, &ValidationError{
			Field:   "workdir",
			Value:   cfg.WorkDir,
			Message: "must be an absolute container path",
		})
	}

	for name := range cfg.Env {
		if name == "" || strings.ContainsAny(name, "=\x00") {
			errs = append(errs, &ValidationError{
				Field:   "env",
				Value:   name,
				Message: "invalid variable name",
			})
		}
	}

	for i, cmd := range cfg.Init {
		if strings.TrimSpace(cmd.Script) == "" && len(cmd.Argv) == 0 {
			errs = append(errs, &ValidationError{
				Field:   fmt.Sprintf("init[%d]", i),
				Value:   cmd,
				Message: "must not be empty",
			})
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// validateSettings checks user settings for validity.
func validateSettings(s *Settings) error {
	var errs []error

	switch s.Engine {
	case EngineAuto, EngineAPI, EngineCLI:
	default:
		errs = append(errs, &ValidationError{
			Field:   "engine",
			Value:   s.Engine,
			Message: "must be one of: auto, api, cli",
		})
	}

	switch s.Runtime {
	case "", "docker", "podman":
	default:
		errs = append(errs, &ValidationError{
			Field:   "runtime",
			Value:   s.Runtime,
			Message: "must be docker or podman",
		})
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[s.LogLevel] {
		errs = append(errs, &ValidationError{
			Field:   "log_level",
			Value:   s.LogLevel,
			Message: "must be one of: debug, info, warn, error",
		})
	}

	if s.Pull.Attempts < 1 {
		errs = append(errs, &ValidationError{
			Field:   "pull.attempts",
			Value:   s.Pull.Attempts,
			Message: "must be at least 1",
		})
	}
	if d, err := time.ParseDuration(s.Pull.Delay); err != nil || d < 0 {
		errs = append(errs, &ValidationError{
			Field:   "pull.delay",
			Value:   s.Pull.Delay,
			Message: "must be a non-negative duration",
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func sortedVolumeNames(volumes map[string]Volume) []string {
	names := make([]string, 0, len(volumes))
	for name := range volumes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
