package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RevCBH/berth/internal/config"
	"github.com/RevCBH/berth/internal/engine"
	"github.com/RevCBH/berth/internal/engine/enginetest"
	"github.com/RevCBH/berth/internal/identity"
	"github.com/RevCBH/berth/internal/session"
)

type testApp struct {
	*App
	eng    *enginetest.Fake
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	ta := &testApp{
		App:    New(),
		eng:    enginetest.New(),
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
	}
	ta.stdin = nil
	ta.App.stdout = ta.stdout
	ta.App.stderr = ta.stderr
	ta.loadSettings = func() (*config.Settings, error) {
		s := config.DefaultSettings()
		s.Pull.Delay = "0s"
		return s, nil
	}
	ta.openEngine = func(ctx context.Context, s *config.Settings, l *slog.Logger) (engine.Engine, error) {
		return ta.eng, nil
	}
	return ta
}

func (ta *testApp) run(args ...string) error {
	if args == nil {
		args = []string{}
	}
	ta.SetArgs(args)
	return ta.Execute()
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "berth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func containerName(t *testing.T, path string) string {
	t.Helper()
	cfg, err := config.Load(path)
	require.NoError(t, err)
	id, err := identity.Derive(cfg, cfg.Workspace)
	require.NoError(t, err)
	return id.Name
}

func isAttachExec(req engine.ExecRequest) bool {
	return len(req.Cmd) > 2 && strings.HasSuffix(req.Cmd[2], `exec "$@"`)
}

func TestRoot_AttachesShellAndPassesExitCode(t *testing.T) {
	ta := newTestApp(t)
	path := writeConfig(t, "image: alpine:3.18\nshell: bash\n")
	ta.eng.ExecFunc = func(req engine.ExecRequest) (int, error) {
		if isAttachExec(req) {
			return 3, nil
		}
		return 0, nil
	}

	err := ta.run("-c", path)

	require.Error(t, err)
	assert.Equal(t, 3, session.ExitCode(err))
	assert.Equal(t, 1, ta.eng.ContainerCount())

	var attach engine.ExecRequest
	for _, req := range ta.eng.Execs() {
		if isAttachExec(req) {
			attach = req
		}
	}
	assert.Equal(t, "bash", attach.Cmd[len(attach.Cmd)-1])
}

func TestRoot_SuccessIsNil(t *testing.T) {
	ta := newTestApp(t)
	path := writeConfig(t, "image: alpine:3.18\n")

	assert.NoError(t, ta.run("-c", path))
}

func TestRun_ReplacesShell(t *testing.T) {
	ta := newTestApp(t)
	path := writeConfig(t, "image: alpine:3.18\n")

	require.NoError(t, ta.run("-c", path, "run", "--", "make", "-j4", "test"))

	var cmds [][]string
	for _, req := range ta.eng.Execs() {
		if isAttachExec(req) {
			cmds = append(cmds, req.Cmd)
		}
	}
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"make", "-j4", "test"}, cmds[0][len(cmds[0])-3:])
}

func TestRun_RequiresCommand(t *testing.T) {
	ta := newTestApp(t)
	path := writeConfig(t, "image: alpine:3.18\n")

	err := ta.run("-c", path, "run")
	require.Error(t, err)
	assert.Equal(t, session.ExitInfrastructure, session.ExitCode(err))
	assert.Zero(t, ta.eng.ContainerCount())
}

func TestRoot_RemoveFlag(t *testing.T) {
	ta := newTestApp(t)
	path := writeConfig(t, "image: alpine:3.18\n")

	require.NoError(t, ta.run("-c", path, "--rm"))
	assert.Zero(t, ta.eng.ContainerCount())
}

func TestRoot_ImageFailureExits125(t *testing.T) {
	ta := newTestApp(t)
	ta.eng.PullErrs = []error{assert.AnError}
	path := writeConfig(t, "image: nope:latest\n")

	err := ta.run("-c", path)
	require.Error(t, err)
	assert.True(t, session.IsKind(err, session.KindImageResolution))
	assert.Equal(t, session.ExitInfrastructure, session.ExitCode(err))
}

func TestRoot_MissingConfig(t *testing.T) {
	ta := newTestApp(t)
	t.Setenv("BERTH_CONFIG", "")
	wd, wdErr := os.Getwd()
	require.NoError(t, wdErr)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	err := ta.run()
	assert.ErrorIs(t, err, config.ErrNoConfig)
	assert.Equal(t, session.ExitInfrastructure, session.ExitCode(err))
}

func TestRoot_InvalidEngineFlag(t *testing.T) {
	ta := newTestApp(t)
	path := writeConfig(t, "image: alpine:3.18\n")

	err := ta.run("-c", path, "--engine", "ssh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--engine")
}

func TestPull_RefreshesPresentImage(t *testing.T) {
	ta := newTestApp(t)
	ta.eng.AddImage("alpine:3.18")
	path := writeConfig(t, "image: alpine:3.18\n")

	require.NoError(t, ta.run("-c", path, "pull"))
	assert.Equal(t, "alpine:3.18\n", ta.stdout.String())
	assert.Equal(t, 1, ta.eng.CountCalls("pull"))
	assert.Zero(t, ta.eng.ContainerCount())
}

func TestID_DoesNotNeedEngine(t *testing.T) {
	ta := newTestApp(t)
	ta.openEngine = func(ctx context.Context, s *config.Settings, l *slog.Logger) (engine.Engine, error) {
		t.Fatal("id must not connect to the engine")
		return nil, nil
	}
	path := writeConfig(t, "image: alpine:3.18\n")

	require.NoError(t, ta.run("-c", path, "id", "--json"))

	var out IDOutput
	require.NoError(t, json.Unmarshal(ta.stdout.Bytes(), &out))
	assert.Equal(t, containerName(t, path), out.Container)
	assert.Equal(t, "alpine:3.18", out.Image)
	assert.Len(t, out.Identity, 64)
	assert.True(t, strings.HasPrefix(out.Container, "berth-"))
}

func TestID_TextAndConfigFromEnv(t *testing.T) {
	ta := newTestApp(t)
	path := writeConfig(t, "image: alpine:3.18\n")
	t.Setenv("BERTH_CONFIG", path)

	require.NoError(t, ta.run("id"))
	assert.Contains(t, ta.stdout.String(), "container:  "+containerName(t, path))
	assert.Contains(t, ta.stdout.String(), "image:      alpine:3.18")
}

func TestList_ShowsManagedContainersOnly(t *testing.T) {
	ta := newTestApp(t)
	ta.eng.AddContainer(engine.ContainerInfo{
		Name:  "berth-proj-0123456789ab",
		Image: "alpine:3.18",
		State: engine.StateRunning,
		Labels: map[string]string{
			identity.LabelManagedBy: identity.ManagedByValue,
			identity.LabelWorkspace: "/home/me/proj",
		},
	})
	ta.eng.AddContainer(engine.ContainerInfo{Name: "postgres", State: engine.StateRunning})

	require.NoError(t, ta.run("ls"))
	out := ta.stdout.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "berth-proj-0123456789ab")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "/home/me/proj")
	assert.NotContains(t, out, "postgres")

	ta.stdout.Reset()
	require.NoError(t, ta.run("ls", "-q"))
	assert.Equal(t, "berth-proj-0123456789ab\n", ta.stdout.String())
}

func TestList_Empty(t *testing.T) {
	ta := newTestApp(t)

	require.NoError(t, ta.run("ls"))
	assert.Contains(t, ta.stdout.String(), "no berth containers")
}

func TestRemove(t *testing.T) {
	ta := newTestApp(t)
	path := writeConfig(t, "image: alpine:3.18\n")
	name := containerName(t, path)

	require.NoError(t, ta.run("-c", path))
	require.Equal(t, 1, ta.eng.ContainerCount())

	ta.stdout.Reset()
	require.NoError(t, ta.run("-c", path, "rm"))
	assert.Equal(t, "removed "+name+"\n", ta.stdout.String())
	assert.Zero(t, ta.eng.ContainerCount())

	ta.stdout.Reset()
	require.NoError(t, ta.run("-c", path, "rm"))
	assert.Equal(t, "no container "+name+"\n", ta.stdout.String())
}

func TestRoot_EventsFile(t *testing.T) {
	ta := newTestApp(t)
	path := writeConfig(t, "image: alpine:3.18\n")
	eventsPath := filepath.Join(t.TempDir(), "events.jsonl")

	require.NoError(t, ta.run("-c", path, "--events", eventsPath))

	data, err := os.ReadFile(eventsPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.NotEmpty(t, lines)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "session.started", first["type"])
	assert.Contains(t, lines[len(lines)-1], "session.exited")
}
