package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
)

// CLIEngine implements Engine by driving the docker or podman CLI.
type CLIEngine struct {
	runtime string // "docker" or "podman"
	runner  Runner
}

// NewCLIEngine creates an Engine using the specified runtime binary.
// Use DetectRuntime() to find an available runtime first.
func NewCLIEngine(runtime string) *CLIEngine {
	return &CLIEngine{runtime: runtime, runner: NewRunner(runtime)}
}

// NewCLIEngineWithRunner creates an Engine that sends commands to runner.
func NewCLIEngineWithRunner(runtime string, runner Runner) *CLIEngine {
	return &CLIEngine{runtime: runtime, runner: runner}
}

// Runtime returns the CLI binary name.
func (e *CLIEngine) Runtime() string {
	return e.runtime
}

// Stderr fragments the docker and podman CLIs print for common conditions.
var (
	notFoundMarkers = []string{
		"no such container",
		"no such image",
		"no such object",
		"image not known",
		"could not find the file",
		"no such file or directory",
	}
	conflictMarkers = []string{
		"is already in use",
		"already exists",
	}
	connectionMarkers = []string{
		"cannot connect to the docker daemon",
		"is the docker daemon running",
		"error during connect",
		"unable to connect to podman",
		"connection refused",
		"connection reset by peer",
		"unexpected eof",
	}
)

func containsAny(msg string, markers []string) bool {
	msg = strings.ToLower(msg)
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// cliError classifies a failed CLI invocation against the package sentinels.
func cliError(op string, err error) error {
	msg := err.Error()
	switch {
	case containsAny(msg, connectionMarkers):
		return fmt.Errorf("%s: %w: %w", op, ErrConnectionLost, err)
	case containsAny(msg, notFoundMarkers):
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// Ping checks that the runtime can reach its engine.
func (e *CLIEngine) Ping(ctx context.Context) error {
	if _, err := e.runner.Output(ctx, "version", "--format", "{{.Server.Version}}"); err != nil {
		return fmt.Errorf("ping %s: %w: %w", e.runtime, ErrConnectionLost, err)
	}
	return nil
}

// ImageExists reports whether ref is present locally.
func (e *CLIEngine) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := e.runner.Output(ctx, "image", "inspect", "--format", "{{.Id}}", ref)
	if err == nil {
		return true, nil
	}
	if containsAny(err.Error(), connectionMarkers) || !containsAny(err.Error(), notFoundMarkers) {
		return false, cliError("inspect image "+ref, err)
	}
	return false, nil
}

// PullImage runs `<runtime> pull`, streaming its output to progress.
func (e *CLIEngine) PullImage(ctx context.Context, ref string, progress io.Writer) error {
	return e.stream(ctx, "pull "+ref, nil, progress, "pull", ref)
}

// BuildImage runs `<runtime> build`. The CLI applies .dockerignore itself.
func (e *CLIEngine) BuildImage(ctx context.Context, req BuildRequest, progress io.Writer) error {
	args := []string{"build", "-t", req.Tag, "-f", req.Dockerfile}
	if req.Target != "" {
		args = append(args, "--target", req.Target)
	}
	for _, kv := range keyValues(req.Args) {
		args = append(args, "--build-arg", kv)
	}
	for _, kv := range keyValues(req.Labels) {
		args = append(args, "--label", kv)
	}
	args = append(args, req.ContextDir)

	return e.stream(ctx, "build "+req.Tag, nil, progress, args...)
}

// stream runs a command with its output going to progress. A non-zero exit
// becomes an error carrying the tail of stderr.
func (e *CLIEngine) stream(ctx context.Context, op string, stdin io.Reader, progress io.Writer, args ...string) error {
	if progress == nil {
		progress = io.Discard
	}
	tail := &tailBuffer{}
	code, err := e.runner.Run(ctx, stdin, progress, io.MultiWriter(progress, tail), args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if code != 0 {
		return cliError(op, fmt.Errorf("%s exited with %d: %s", e.runtime, code, tail.String()))
	}
	return nil
}

// InspectContainer runs `<runtime> container inspect`.
func (e *CLIEngine) InspectContainer(ctx context.Context, name string) (ContainerInfo, error) {
	out, err := e.runner.Output(ctx, "container", "inspect", name)
	if err != nil {
		return ContainerInfo{}, cliError("inspect container "+name, err)
	}

	var infos []types.ContainerJSON
	if err := json.Unmarshal([]byte(out), &infos); err != nil {
		return ContainerInfo{}, fmt.Errorf("decode inspect output for %s: %w", name, err)
	}
	if len(infos) == 0 {
		return ContainerInfo{}, fmt.Errorf("inspect container %s: %w", name, ErrNotFound)
	}

	info := infos[0]
	result := ContainerInfo{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.Config != nil {
		result.Image = info.Config.Image
		result.Labels = info.Config.Labels
	}
	if info.State != nil {
		result.State = State(info.State.Status)
	}
	return result, nil
}

// CreateContainer runs `<runtime> create` and returns the container ID.
func (e *CLIEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	args := []string{"create", "--name", spec.Name}

	if spec.SuppressEntrypoint {
		args = append(args, "--entrypoint", "")
	}
	if spec.Init {
		args = append(args, "--init")
	}
	for _, kv := range keyValues(spec.Env) {
		args = append(args, "-e", kv)
	}
	if spec.WorkDir != "" {
		args = append(args, "-w", spec.WorkDir)
	}
	if spec.User != "" {
		args = append(args, "-u", spec.User)
	}
	for _, kv := range keyValues(spec.Labels) {
		args = append(args, "--label", kv)
	}
	for _, m := range spec.Mounts {
		args = append(args, "--mount", mountFlag(m))
	}

	// Image and command come last
	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)

	out, err := e.runner.Output(ctx, args...)
	if err != nil {
		if containsAny(err.Error(), conflictMarkers) {
			return "", fmt.Errorf("create container %s: %w: %w", spec.Name, ErrAlreadyExists, err)
		}
		return "", cliError("create container "+spec.Name, err)
	}
	return strings.TrimSpace(out), nil
}

// mountFlag renders m as a --mount value. Fields are CSV, so values holding
// commas or quotes are quoted.
func mountFlag(m Mount) string {
	fields := []string{
		"type=" + string(m.Type),
		"source=" + m.Source,
		"target=" + m.Target,
	}
	if m.ReadOnly {
		fields = append(fields, "readonly")
	}
	for i, f := range fields {
		if strings.ContainsAny(f, ",\"") {
			fields[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
		}
	}
	return strings.Join(fields, ",")
}

// StartContainer runs `<runtime> start`.
func (e *CLIEngine) StartContainer(ctx context.Context, name string) error {
	if _, err := e.runner.Output(ctx, "start", name); err != nil {
		return cliError("start container "+name, err)
	}
	return nil
}

// Exec runs `<runtime> exec`. The CLI tracks terminal size itself, so
// resize events are drained rather than forwarded.
func (e *CLIEngine) Exec(ctx context.Context, req ExecRequest) (int, error) {
	args := []string{"exec"}
	if req.Stdin != nil {
		args = append(args, "-i")
	}
	if req.Tty {
		args = append(args, "-t")
	}
	if req.User != "" {
		args = append(args, "-u", req.User)
	}
	if req.WorkDir != "" {
		args = append(args, "-w", req.WorkDir)
	}
	for _, kv := range keyValues(req.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, req.Container)
	args = append(args, req.Cmd...)

	if req.Resize != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			for {
				select {
				case <-done:
					return
				case _, ok := <-req.Resize:
					if !ok {
						return
					}
				}
			}
		}()
	}

	stdout, stderr := req.Stdout, req.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	tail := &tailBuffer{}

	code, err := e.runner.Run(ctx, req.Stdin, stdout, io.MultiWriter(stderr, tail), args...)
	if err != nil {
		return -1, fmt.Errorf("exec in %s: %w", req.Container, err)
	}
	// The CLI exits non-zero with a daemon error when the connection drops;
	// that must not be mistaken for the process's own status.
	if code != 0 && containsAny(tail.String(), connectionMarkers) {
		return -1, fmt.Errorf("exec in %s: %w: %s", req.Container, ErrConnectionLost, tail.String())
	}
	return code, nil
}

// WriteFile streams a one-file tar archive to `<runtime> cp - name:/`.
func (e *CLIEngine) WriteFile(ctx context.Context, name, path string, content []byte, mode os.FileMode) error {
	buf, err := singleFileTar(path, content, mode)
	if err != nil {
		return fmt.Errorf("pack %s: %w", path, err)
	}
	return e.stream(ctx, "write "+path, buf, io.Discard, "cp", "-", name+":/")
}

// PathExists copies path out of the container and discards it. This works
// for stopped containers too.
func (e *CLIEngine) PathExists(ctx context.Context, name, path string) (bool, error) {
	tail := &tailBuffer{}
	code, err := e.runner.Run(ctx, nil, io.Discard, tail, "cp", name+":"+path, "-")
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if code == 0 {
		return true, nil
	}
	msg := tail.String()
	if containsAny(msg, notFoundMarkers) && !strings.Contains(strings.ToLower(msg), "no such container") {
		return false, nil
	}
	return false, cliError("stat "+path, fmt.Errorf("%s cp exited with %d: %s", e.runtime, code, msg))
}

// RemoveContainer runs `<runtime> rm -f`.
func (e *CLIEngine) RemoveContainer(ctx context.Context, name string) error {
	if _, err := e.runner.Output(ctx, "rm", "-f", name); err != nil {
		return cliError("remove container "+name, err)
	}
	return nil
}

// psEntry is one line of `ps --format '{{json .}}'`. Docker renders Names
// and Labels as comma-joined strings; podman uses a list and a map.
type psEntry struct {
	ID     string          `json:"ID"`
	Image  string          `json:"Image"`
	State  string          `json:"State"`
	Names  json.RawMessage `json:"Names"`
	Labels json.RawMessage `json:"Labels"`
}

// ListContainers runs `<runtime> ps -a` filtered by label.
func (e *CLIEngine) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	args := []string{"ps", "-a", "--no-trunc", "--format", "{{json .}}"}
	for _, kv := range keyValues(labels) {
		args = append(args, "--filter", "label="+kv)
	}

	out, err := e.runner.Output(ctx, args...)
	if err != nil {
		return nil, cliError("list containers", err)
	}

	var result []ContainerInfo
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry psEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("decode ps output: %w", err)
		}
		result = append(result, ContainerInfo{
			ID:     entry.ID,
			Name:   firstName(entry.Names),
			Image:  entry.Image,
			State:  State(strings.ToLower(entry.State)),
			Labels: decodeLabels(entry.Labels),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ps output: %w", err)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func firstName(raw json.RawMessage) string {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) > 0 {
			return strings.TrimPrefix(list[0], "/")
		}
		return ""
	}
	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil {
		name, _, _ := strings.Cut(joined, ",")
		return strings.TrimPrefix(name, "/")
	}
	return ""
}

func decodeLabels(raw json.RawMessage) map[string]string {
	labels := map[string]string{}
	if err := json.Unmarshal(raw, &labels); err == nil {
		return labels
	}
	var joined string
	if err := json.Unmarshal(raw, &joined); err != nil {
		return labels
	}
	for _, pair := range strings.Split(joined, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if ok {
			labels[k] = v
		}
	}
	return labels
}

// Close is a no-op; the CLI engine holds no connection.
func (e *CLIEngine) Close() error {
	return nil
}

// Verify CLIEngine implements Engine interface
var _ Engine = (*CLIEngine)(nil)
