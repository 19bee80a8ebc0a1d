package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const settingsFileName = "config.toml"

// Engine selectors.
const (
	EngineAuto = "auto"
	EngineAPI  = "api"
	EngineCLI  = "cli"
)

// Settings holds user-wide berth preferences from config.toml.
// Unlike Config, settings never affect container identity.
type Settings struct {
	// Engine selects how berth talks to the container engine: auto, api or cli
	Engine string `toml:"engine"`

	// Runtime is the CLI binary for the cli engine (docker or podman).
	// Empty means detect.
	Runtime string `toml:"runtime"`

	// LogLevel controls log verbosity (debug, info, warn, error)
	LogLevel string `toml:"log_level"`

	// Pull controls retries of image pulls and builds
	Pull PullSettings `toml:"pull"`

	// Trace controls OpenTelemetry span export
	Trace TraceSettings `toml:"trace"`
}

// PullSettings bounds retries of transient pull/build failures.
type PullSettings struct {
	// Attempts is the total number of tries, including the first
	Attempts int `toml:"attempts"`

	// Delay is the fixed pause between attempts (Go duration)
	Delay string `toml:"delay"`
}

// TraceSettings enables span export to a file.
type TraceSettings struct {
	Enabled bool   `toml:"enabled"`
	File    string `toml:"file"`
}

// ParseError represents a TOML decode failure.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse settings %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// SettingsPath resolves the settings directory and file using XDG rules with
// a fallback to ~/.config/berth/config.toml. BERTH_HOME overrides both.
func SettingsPath() (string, string, error) {
	if override := strings.TrimSpace(os.Getenv("BERTH_HOME")); override != "" {
		dir, err := filepath.Abs(filepath.Clean(override))
		if err != nil {
			return "", "", fmt.Errorf("resolve BERTH_HOME %q: %w", override, err)
		}
		return dir, filepath.Join(dir, settingsFileName), nil
	}

	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			if err == nil {
				err = errors.New("home directory not found")
			}
			return "", "", fmt.Errorf("resolve home dir: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	dir := filepath.Join(base, "berth")
	return dir, filepath.Join(dir, settingsFileName), nil
}

// LoadSettings loads the user settings file, then applies environment
// overrides and validates. A missing file yields defaults.
func LoadSettings() (*Settings, error) {
	_, file, err := SettingsPath()
	if err != nil {
		// No home directory: defaults plus environment still work.
		s := DefaultSettings()
		applyEnvOverrides(s)
		return s, validateSettings(s)
	}
	return LoadSettingsFromPath(file)
}

// LoadSettingsFromPath loads settings from a specific path.
func LoadSettingsFromPath(path string) (*Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	default:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(s); err != nil {
			var decodeErr *toml.DecodeError
			var strictErr *toml.StrictMissingError
			if errors.As(err, &decodeErr) || errors.As(err, &strictErr) {
				return nil, &ParseError{Path: path, Err: err}
			}
			return nil, err
		}
	}

	applyEnvOverrides(s)

	if err := validateSettings(s); err != nil {
		return nil, fmt.Errorf("validate settings: %w", err)
	}
	return s, nil
}
