package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ImageKind identifies where an image comes from.
type ImageKind int

const (
	// ImageTag is a pre-built image pulled from a registry when absent
	ImageTag ImageKind = iota + 1

	// ImageBuild is built locally from a Dockerfile and context
	ImageBuild

	// ImageYAML names a tag stored under a key of another YAML file.
	// Load resolves it to ImageTag; it never reaches the image resolver.
	ImageYAML
)

func (k ImageKind) String() string {
	switch k {
	case ImageTag:
		return "tag"
	case ImageBuild:
		return "build"
	case ImageYAML:
		return "yaml"
	default:
		return "unknown"
	}
}

// ImageSource is a tagged variant: exactly one of Tag, Build or YAML is set,
// matching Kind.
type ImageSource struct {
	Kind  ImageKind
	Tag   string
	Build *BuildSpec
	YAML  *YAMLRef
}

// BuildSpec describes a local image build.
type BuildSpec struct {
	// Name is the repository part of the resulting tag
	Name string `yaml:"name" json:"name"`

	// Dockerfile path; relative paths are resolved from the workspace and
	// may point outside Context
	Dockerfile string `yaml:"dockerfile" json:"dockerfile"`

	// Context is the build context directory
	Context string `yaml:"context" json:"context"`

	// Target is the multi-stage target, if any
	Target string `yaml:"target,omitempty" json:"target,omitempty"`

	// Args are passed as build args
	Args map[string]string `yaml:"args,omitempty" json:"args,omitempty"`
}

// YAMLRef points at a string stored under a dotted key of a YAML document,
// read either from File or fetched from URL.
type YAMLRef struct {
	File string `yaml:"file"`
	URL  string `yaml:"url"`
	Key  string `yaml:"key"`

	// Headers are sent with the URL request. Each value names an
	// environment variable holding the header value.
	Headers map[string]string `yaml:"headers"`
}

// Source returns the file or URL the document is read from.
func (r *YAMLRef) Source() string {
	if r.URL != "" {
		return r.URL
	}
	return r.File
}

func (r *YAMLRef) check(line int) error {
	switch {
	case r.File != "" && r.URL != "":
		return fmt.Errorf("line %d: yaml image source must set only one of file or url", line)
	case r.File == "" && r.URL == "":
		return fmt.Errorf("line %d: yaml image source needs a file or url", line)
	case r.Key == "":
		return fmt.Errorf("line %d: yaml image source needs a key", line)
	case r.File != "" && len(r.Headers) > 0:
		return fmt.Errorf("line %d: yaml headers only apply to url sources", line)
	}
	if r.URL != "" {
		u, err := url.Parse(r.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("line %d: yaml url %q must be an http or https URL", line, r.URL)
		}
	}
	return nil
}

// UnmarshalYAML decodes "image: tag", "image: {build: ...}" or
// "image: {yaml: ...}".
func (s *ImageSource) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*s = ImageSource{Kind: ImageTag, Tag: strings.TrimSpace(node.Value)}
		return nil
	case yaml.MappingNode:
		var raw struct {
			Build *BuildSpec `yaml:"build"`
			YAML  *YAMLRef   `yaml:"yaml"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		switch {
		case raw.Build != nil && raw.YAML != nil:
			return fmt.Errorf("line %d: image must set only one of build or yaml", node.Line)
		case raw.Build != nil:
			if raw.Build.Dockerfile == "" {
				raw.Build.Dockerfile = DefaultDockerfile
			}
			if raw.Build.Context == "" {
				raw.Build.Context = DefaultBuildContext
			}
			*s = ImageSource{Kind: ImageBuild, Build: raw.Build}
		case raw.YAML != nil:
			if err := raw.YAML.check(node.Line); err != nil {
				return err
			}
			*s = ImageSource{Kind: ImageYAML, YAML: raw.YAML}
		default:
			return fmt.Errorf("line %d: image mapping needs a build or yaml key", node.Line)
		}
		return nil
	default:
		return fmt.Errorf("line %d: image must be a tag or a mapping", node.Line)
	}
}

// yamlFetchTimeout bounds the request for a URL image source.
const yamlFetchTimeout = 10 * time.Second

// fetchYAML returns the raw document for a file or URL source. Relative
// files are resolved by resolve.
func fetchYAML(ctx context.Context, ref *YAMLRef, resolve func(string) string) ([]byte, error) {
	if ref.URL == "" {
		return os.ReadFile(resolve(ref.File))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	names := make([]string, 0, len(ref.Headers))
	for name := range ref.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		envVar := ref.Headers[name]
		value, ok := os.LookupEnv(envVar)
		if !ok {
			return nil, fmt.Errorf("header %s: environment variable %s is not set", name, envVar)
		}
		req.Header.Set(name, value)
	}

	client := &http.Client{Timeout: yamlFetchTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}

// lookupYAMLKey parses data and walks the dotted key. Numeric segments index
// sequences; everything else indexes mappings.
func lookupYAMLKey(data []byte, key string) (string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return "", fmt.Errorf("not valid YAML: %w", err)
	}
	if len(root.Content) == 0 {
		return "", errors.New("document is empty")
	}

	node := root.Content[0]
	for _, segment := range strings.Split(key, ".") {
		next, err := childNode(node, segment)
		if err != nil {
			return "", fmt.Errorf("key %s: %w", key, err)
		}
		node = next
	}
	if node.Kind != yaml.ScalarNode || node.Value == "" {
		return "", fmt.Errorf("key %s is not a string", key)
	}
	return node.Value, nil
}

func childNode(node *yaml.Node, segment string) (*yaml.Node, error) {
	switch node.Kind {
	case yaml.SequenceNode:
		idx, err := strconv.Atoi(segment)
		if err != nil || idx < 0 || idx >= len(node.Content) {
			return nil, fmt.Errorf("no index %q", segment)
		}
		return node.Content[idx], nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == segment {
				return node.Content[i+1], nil
			}
		}
		return nil, fmt.Errorf("no field %q", segment)
	default:
		return nil, fmt.Errorf("cannot index scalar with %q", segment)
	}
}
