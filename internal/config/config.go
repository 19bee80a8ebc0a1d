package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned by Find when no config file exists in the directory
// or any of its parents.
var ErrNoConfig = errors.New("no berth.yaml found in this directory or any parent")

// Config is the validated, normalized description of an environment.
// It is immutable after creation via Load().
type Config struct {
	// Path is the absolute path of the file this config was loaded from
	Path string `yaml:"-"`

	// Workspace is the directory holding the config file, symlinks resolved.
	// Relative host paths are resolved from here.
	Workspace string `yaml:"-"`

	// Image is where the environment image comes from
	Image ImageSource `yaml:"image"`

	// Shell is the interactive shell and the shell used for string commands
	Shell Shell `yaml:"shell"`

	// Command replaces the inner shell as the interactive process
	Command []string `yaml:"command,omitempty"`

	// WorkspaceMount is the container path the workspace is mounted at.
	// Empty means the workspace is not mounted implicitly.
	WorkspaceMount string `yaml:"-"`

	// RawMount is the `mount` key as written; nil means "use the default"
	RawMount *string `yaml:"mount"`

	// WorkDir is the working directory inside the container
	WorkDir string `yaml:"workdir,omitempty"`

	// Mounts are bind mounts in declared order
	Mounts []Mount `yaml:"mounts,omitempty"`

	// Volumes are engine-managed named volumes keyed by name
	Volumes map[string]Volume `yaml:"volumes,omitempty"`

	// Env is set on the container at creation
	Env map[string]string `yaml:"env,omitempty"`

	// Init commands run once, right after the container is first created
	Init []Command `yaml:"init,omitempty"`

	// ForwardUser runs the container as the host uid:gid
	ForwardUser bool `yaml:"forward_user"`

	// Entrypoint controls whether the image entrypoint is kept
	Entrypoint Entrypoint `yaml:"entrypoint"`

	// TTY forces interactive mode on or off; nil detects it from the terminal
	TTY *bool `yaml:"tty,omitempty"`
}

// Mount is a host path bound into the container.
type Mount struct {
	Host      string `yaml:"host" json:"host"`
	Container string `yaml:"container" json:"container"`
	ReadOnly  bool   `yaml:"readonly,omitempty" json:"readonly"`
}

// UnmarshalYAML accepts either the mapping form or the short
// "host:container[:ro]" string form.
func (m *Mount) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		parts := strings.Split(node.Value, ":")
		switch {
		case len(parts) == 2:
			m.Host, m.Container = parts[0], parts[1]
		case len(parts) == 3 && (parts[2] == "ro" || parts[2] == "rw"):
			m.Host, m.Container, m.ReadOnly = parts[0], parts[1], parts[2] == "ro"
		default:
			return fmt.Errorf("line %d: mount %q must be host:container[:ro]", node.Line, node.Value)
		}
		return nil
	}
	type plain Mount
	return node.Decode((*plain)(m))
}

// Volume is an engine-managed named volume.
type Volume struct {
	// Shared volumes are reused by every workspace declaring the same name.
	// Unshared volumes are scoped to a single workspace.
	Shared bool `yaml:"shared" json:"shared"`

	// Mount is the container path the volume is mounted at
	Mount string `yaml:"mount" json:"mount"`
}

// Entrypoint controls the image entrypoint.
type Entrypoint struct {
	Suppress bool `yaml:"suppress" json:"suppress"`
}

// Shell holds the interactive (inner) and scripting (outer) shells.
type Shell struct {
	Inner string `yaml:"inner" json:"inner"`
	Outer string `yaml:"outer" json:"outer"`
}

// UnmarshalYAML accepts "shell: bash" (both shells) or the inner/outer mapping.
func (s *Shell) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Inner, s.Outer = node.Value, node.Value
		return nil
	}
	*s = Shell{}
	type plain Shell
	return node.Decode((*plain)(s))
}

// Command is an init command. A Script runs through the outer shell;
// Argv runs as given.
type Command struct {
	Script string   `json:"script,omitempty"`
	Argv   []string `json:"argv,omitempty"`
}

// UnmarshalYAML accepts a string (script) or a list (argv).
func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		c.Script = node.Value
		return nil
	case yaml.SequenceNode:
		return node.Decode(&c.Argv)
	default:
		return fmt.Errorf("line %d: init command must be a string or a list", node.Line)
	}
}

// Args returns the argv that runs this command inside the container.
func (c Command) Args(outerShell string) []string {
	if len(c.Argv) > 0 {
		return append([]string(nil), c.Argv...)
	}
	return []string{outerShell, "-c", c.Script}
}

// String renders the command for logs.
func (c Command) String() string {
	if len(c.Argv) > 0 {
		return strings.Join(c.Argv, " ")
	}
	return c.Script
}

// InteractiveArgs returns the argv of the attached process. An explicit
// override wins over the configured command, which wins over the inner shell.
func (c *Config) InteractiveArgs(override []string) []string {
	switch {
	case len(override) > 0:
		return append([]string(nil), override...)
	case len(c.Command) > 0:
		return append([]string(nil), c.Command...)
	default:
		return []string{c.Shell.Inner}
	}
}

// Find looks for a config file in dir and its parents.
func Find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	for {
		for _, name := range ConfigFileNames {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoConfig
		}
		dir = parent
	}
}

// Load reads, normalizes and validates the config file at path.
//
// Normalization resolves the workspace and every relative host path, resolves
// yaml-key image sources to a tag and fills defaults. The returned Config is
// ready for identity derivation.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", abs, err)
	}

	cfg.Path = abs
	cfg.Workspace = ResolvePath(filepath.Dir(abs))

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Parse decodes config YAML and applies defaults. Paths are left as written.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.Image.Kind == ImageYAML {
		ref := c.Image.YAML
		data, err := fetchYAML(context.Background(), ref, c.resolveHost)
		if err != nil {
			return fmt.Errorf("resolve image from %s: %w", ref.Source(), err)
		}
		tag, err := lookupYAMLKey(data, ref.Key)
		if err != nil {
			return fmt.Errorf("resolve image from %s: %w", ref.Source(), err)
		}
		c.Image = ImageSource{Kind: ImageTag, Tag: tag}
	}
	if c.Image.Kind == ImageBuild {
		c.Image.Build.Context = c.resolveHost(c.Image.Build.Context)
		c.Image.Build.Dockerfile = c.resolveHost(c.Image.Build.Dockerfile)
	}

	for i := range c.Mounts {
		c.Mounts[i].Host = c.resolveHost(c.Mounts[i].Host)
		c.Mounts[i].Container = filepath.ToSlash(filepath.Clean(c.Mounts[i].Container))
	}

	if c.Shell.Outer == "" {
		c.Shell.Outer = c.Shell.Inner
	}

	switch {
	case c.RawMount != nil:
		c.WorkspaceMount = *c.RawMount
	case c.mountsWorkspace() != "":
		c.WorkspaceMount = ""
	default:
		c.WorkspaceMount = DefaultWorkspaceMount
	}

	if c.WorkDir == "" {
		switch {
		case c.WorkspaceMount != "":
			c.WorkDir = c.WorkspaceMount
		case c.mountsWorkspace() != "":
			c.WorkDir = c.mountsWorkspace()
		default:
			c.WorkDir = "/"
		}
	}
	return nil
}

// mountsWorkspace returns the container path of an explicit mount of the
// workspace itself, or "".
func (c *Config) mountsWorkspace() string {
	for _, m := range c.Mounts {
		if m.Host == c.Workspace {
			return m.Container
		}
	}
	return ""
}

func (c *Config) resolveHost(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.Workspace, p)
	}
	return ResolvePath(p)
}

// ResolvePath returns the absolute, cleaned form of p with symlinks resolved
// when the path exists.
func ResolvePath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return filepath.Clean(p)
}
