// Package identity derives the deterministic names berth uses as cache keys
// in the container engine: the session identity (container name and labels)
// and the build identity (image tag for locally built images).
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/RevCBH/berth/internal/config"
)

// schemaVersion is folded into every hash. Bump it when the canonical form
// changes so old containers are not reused under a new meaning.
const schemaVersion = 2

const (
	namePrefix   = "berth"
	shortHashLen = 12
	maxSlugLen   = 40
)

// Labels set on every container berth creates.
const (
	LabelManagedBy = "berth.managed-by"
	LabelIdentity  = "berth.identity"
	LabelWorkspace = "berth.workspace"
	LabelConfig    = "berth.config"

	ManagedByValue = "berth"
)

// Identity is the session identity of a configuration in a workspace.
type Identity struct {
	// Hash is the full hex sha256 of the canonical configuration
	Hash string

	// Name is the container name derived from Hash
	Name string

	// Workspace is the resolved workspace path that was hashed
	Workspace string
}

// Short returns the abbreviated hash used in names and tags.
func (id Identity) Short() string {
	return id.Hash[:shortHashLen]
}

// Labels returns the labels that mark a container as belonging to id.
func (id Identity) Labels(configPath string) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelIdentity:  id.Hash,
		LabelWorkspace: id.Workspace,
		LabelConfig:    configPath,
	}
}

type canonicalImage struct {
	Kind  string            `json:"kind"`
	Tag   string            `json:"tag,omitempty"`
	Build *config.BuildSpec `json:"build,omitempty"`

	// BuildHash covers the Dockerfile and context content, so an edited
	// build never reuses a container of the old image
	BuildHash string `json:"build_hash,omitempty"`
}

type canonicalVolume struct {
	Name string        `json:"name"`
	Spec config.Volume `json:"spec"`
}

// canonical fixes the field order of the hashed document. Maps are emitted
// with sorted keys by encoding/json.
type canonical struct {
	Version        int                `json:"v"`
	Workspace      string             `json:"workspace"`
	Image          canonicalImage     `json:"image"`
	Shell          config.Shell       `json:"shell"`
	Command        []string           `json:"command"`
	WorkspaceMount string             `json:"workspace_mount"`
	WorkDir        string             `json:"workdir"`
	Mounts         []config.Mount     `json:"mounts"`
	Volumes        []canonicalVolume  `json:"volumes"`
	Env            map[string]string  `json:"env"`
	Init           []config.Command   `json:"init"`
	ForwardUser    bool               `json:"forward_user"`
	Entrypoint     config.Entrypoint  `json:"entrypoint"`
	TTY            *bool              `json:"tty"`
}

// Derive computes the identity of cfg in workspace. It is deterministic:
// YAML key order, whitespace and mount declaration order do not matter, while
// any change to image, mounts, env, volumes, commands or workspace does. For
// build sources the build context is hashed, which is the only way Derive
// can fail.
func Derive(cfg *config.Config, workspace string) (Identity, error) {
	workspace = config.ResolvePath(workspace)

	img, err := canonicalImageOf(cfg.Image)
	if err != nil {
		return Identity{}, err
	}

	doc := canonical{
		Version:        schemaVersion,
		Workspace:      workspace,
		Image:          img,
		Shell:          cfg.Shell,
		Command:        nonNil(cfg.Command),
		WorkspaceMount: cleanContainerPath(cfg.WorkspaceMount),
		WorkDir:        cleanContainerPath(cfg.WorkDir),
		Env:            cfg.Env,
		Init:           cfg.Init,
		ForwardUser:    cfg.ForwardUser,
		Entrypoint:     cfg.Entrypoint,
		TTY:            cfg.TTY,
	}
	if doc.Env == nil {
		doc.Env = map[string]string{}
	}
	if doc.Init == nil {
		doc.Init = []config.Command{}
	}

	doc.Mounts = make([]config.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		doc.Mounts = append(doc.Mounts, config.Mount{
			Host:      config.ResolvePath(m.Host),
			Container: cleanContainerPath(m.Container),
			ReadOnly:  m.ReadOnly,
		})
	}
	sort.Slice(doc.Mounts, func(i, j int) bool {
		return doc.Mounts[i].Container < doc.Mounts[j].Container
	})

	doc.Volumes = make([]canonicalVolume, 0, len(cfg.Volumes))
	for name, v := range cfg.Volumes {
		v.Mount = cleanContainerPath(v.Mount)
		doc.Volumes = append(doc.Volumes, canonicalVolume{Name: name, Spec: v})
	}
	sort.Slice(doc.Volumes, func(i, j int) bool {
		return doc.Volumes[i].Name < doc.Volumes[j].Name
	})

	// Marshalling plain structs, maps and slices of strings cannot fail.
	data, _ := json.Marshal(doc)
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	return Identity{
		Hash:      hash,
		Name:      containerName(workspace, hash),
		Workspace: workspace,
	}, nil
}

// VolumeName returns the engine volume name for a configured volume. Shared
// volumes are global by name; others are scoped to the workspace so edits to
// the config do not throw away caches.
func VolumeName(workspace, name string, v config.Volume) string {
	if v.Shared {
		return namePrefix + "-shared-" + name
	}
	sum := sha256.Sum256([]byte(config.ResolvePath(workspace)))
	return namePrefix + "-" + hex.EncodeToString(sum[:])[:shortHashLen] + "-" + name
}

func canonicalImageOf(src config.ImageSource) (canonicalImage, error) {
	out := canonicalImage{Kind: src.Kind.String()}
	switch src.Kind {
	case config.ImageTag:
		out.Tag = src.Tag
	case config.ImageBuild:
		b := *src.Build
		b.Context = config.ResolvePath(b.Context)
		b.Dockerfile = config.ResolvePath(b.Dockerfile)
		out.Build = &b

		hash, err := BuildHash(src.Build)
		if err != nil {
			return canonicalImage{}, fmt.Errorf("derive identity: %w", err)
		}
		out.BuildHash = hash
	}
	return out, nil
}

func containerName(workspace, hash string) string {
	slug := sanitizeName(filepath.Base(workspace))
	if slug == "" {
		return namePrefix + "-" + hash[:shortHashLen]
	}
	return namePrefix + "-" + slug + "-" + hash[:shortHashLen]
}

// sanitizeName reduces raw to the characters the engine accepts in names,
// collapsing runs of anything else into single hyphens.
func sanitizeName(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))

	var (
		builder    strings.Builder
		lastHyphen bool
	)
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			builder.WriteRune(r)
			lastHyphen = false
		default:
			if builder.Len() == 0 || lastHyphen {
				continue
			}
			builder.WriteRune('-')
			lastHyphen = true
		}
	}

	result := strings.Trim(builder.String(), "-")
	if len(result) > maxSlugLen {
		result = strings.Trim(result[:maxSlugLen], "-")
	}
	return result
}

func cleanContainerPath(p string) string {
	if p == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(p))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
