package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RevCBH/berth/internal/engine"
	"github.com/RevCBH/berth/internal/identity"
)

func TestContainerSpec(t *testing.T) {
	cfg := loadConfig(t, `
image: alpine:3.18
mount: /work
env: {FOO: bar}
mounts:
  - {host: ./cache, container: /cache, readonly: true}
volumes:
  cargo: {shared: true, mount: /root/.cargo}
  build: {mount: /build}
forward_user: true
`)
	id := deriveID(t, cfg)

	spec := containerSpec(cfg, id, "alpine:3.18", "1000:1000")

	assert.Equal(t, id.Name, spec.Name)
	assert.Equal(t, "alpine:3.18", spec.Image)
	assert.Equal(t, []string{"tail", "-f", "/dev/null"}, spec.Cmd)
	assert.True(t, spec.SuppressEntrypoint)
	assert.True(t, spec.Init)
	assert.Equal(t, "1000:1000", spec.User)
	assert.Equal(t, "/work", spec.WorkDir)
	assert.Equal(t, map[string]string{"FOO": "bar"}, spec.Env)
	assert.Equal(t, id.Hash, spec.Labels[identity.LabelIdentity])
	assert.Equal(t, identity.ManagedByValue, spec.Labels[identity.LabelManagedBy])

	require.Len(t, spec.Mounts, 4)
	assert.Equal(t, engine.Mount{Type: engine.MountBind, Source: cfg.Workspace, Target: "/work"}, spec.Mounts[0])
	assert.Equal(t, engine.Mount{
		Type:     engine.MountBind,
		Source:   filepath.Join(cfg.Workspace, "cache"),
		Target:   "/cache",
		ReadOnly: true,
	}, spec.Mounts[1])
	assert.Equal(t, engine.MountVolume, spec.Mounts[2].Type)
	assert.Equal(t, "/build", spec.Mounts[2].Target)
	assert.Equal(t, identity.VolumeName(cfg.Workspace, "build", cfg.Volumes["build"]), spec.Mounts[2].Source)
	assert.Equal(t, "berth-shared-cargo", spec.Mounts[3].Source)
}

func TestContainerSpec_DefaultsAndNoWorkspaceMount(t *testing.T) {
	cfg := loadConfig(t, "image: alpine:3.18\nmount: \"\"\nentrypoint: {suppress: false}\n")
	id := deriveID(t, cfg)

	spec := containerSpec(cfg, id, "alpine:3.18", "1000:1000")

	assert.Empty(t, spec.User, "host user is only used with forward_user")
	assert.False(t, spec.SuppressEntrypoint)
	assert.Empty(t, spec.Mounts)
	assert.Equal(t, "/", spec.WorkDir)
}

func TestContainerSpec_WorkspaceMountedExplicitly(t *testing.T) {
	cfg := loadConfig(t, "image: alpine:3.18\nmounts: [{host: ., container: /project}]\n")
	id := deriveID(t, cfg)

	spec := containerSpec(cfg, id, "alpine:3.18", "")

	require.Len(t, spec.Mounts, 1)
	assert.Equal(t, "/project", spec.Mounts[0].Target)
	assert.Equal(t, "/project", spec.WorkDir)
}
