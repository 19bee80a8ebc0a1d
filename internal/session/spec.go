package session

import (
	"sort"

	"github.com/RevCBH/berth/internal/config"
	"github.com/RevCBH/berth/internal/engine"
	"github.com/RevCBH/berth/internal/identity"
)

// idleCommand keeps the container alive between sessions. Interactive
// processes are started with exec.
var idleCommand = []string{"tail", "-f", "/dev/null"}

// containerSpec builds the create request for cfg. hostUser is "uid:gid" and
// only used when the config forwards the host user.
func containerSpec(cfg *config.Config, id identity.Identity, imageRef, hostUser string) engine.ContainerSpec {
	spec := engine.ContainerSpec{
		Name:               id.Name,
		Image:              imageRef,
		Cmd:                idleCommand,
		SuppressEntrypoint: cfg.Entrypoint.Suppress,
		Env:                cfg.Env,
		WorkDir:            cfg.WorkDir,
		Labels:             id.Labels(cfg.Path),
		Init:               true,
	}
	if cfg.ForwardUser {
		spec.User = hostUser
	}

	if cfg.WorkspaceMount != "" {
		spec.Mounts = append(spec.Mounts, engine.Mount{
			Type:   engine.MountBind,
			Source: cfg.Workspace,
			Target: cfg.WorkspaceMount,
		})
	}
	for _, m := range cfg.Mounts {
		spec.Mounts = append(spec.Mounts, engine.Mount{
			Type:     engine.MountBind,
			Source:   m.Host,
			Target:   m.Container,
			ReadOnly: m.ReadOnly,
		})
	}

	names := make([]string, 0, len(cfg.Volumes))
	for name := range cfg.Volumes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := cfg.Volumes[name]
		spec.Mounts = append(spec.Mounts, engine.Mount{
			Type:   engine.MountVolume,
			Source: identity.VolumeName(cfg.Workspace, name, v),
			Target: v.Mount,
		})
	}
	return spec
}
