package image

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RevCBH/berth/internal/config"
	"github.com/RevCBH/berth/internal/engine"
	"github.com/RevCBH/berth/internal/engine/enginetest"
	"github.com/RevCBH/berth/internal/events"
	"github.com/RevCBH/berth/internal/identity"
)

func tagSource(tag string) config.ImageSource {
	return config.ImageSource{Kind: config.ImageTag, Tag: tag}
}

func buildSource(t *testing.T) config.ImageSource {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM alpine:3.18\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".dockerignore"), []byte("*.log\n"), 0644))
	return config.ImageSource{Kind: config.ImageBuild, Build: &config.BuildSpec{
		Name:       "dev",
		Dockerfile: filepath.Join(dir, "Dockerfile"),
		Context:    dir,
		Target:     "builder",
		Args:       map[string]string{"GO": "1.24"},
	}}
}

func newTestResolver(eng engine.Engine) (*Resolver, *events.Recorder) {
	bus := events.NewBus("test")
	rec := &events.Recorder{}
	bus.Subscribe(rec.Handler())
	return NewResolver(eng, WithBus(bus), WithRetry(RetryConfig{MaxAttempts: 2})), rec
}

func TestEnsure_TagPresentIsNotPulled(t *testing.T) {
	eng := enginetest.New()
	eng.AddImage("alpine:3.18")
	r, rec := newTestResolver(eng)

	ref, err := r.Ensure(context.Background(), tagSource("alpine:3.18"))
	require.NoError(t, err)
	assert.Equal(t, "alpine:3.18", ref)
	assert.Zero(t, eng.CountCalls("pull"))
	assert.Equal(t, []events.EventType{events.ImagePresent}, rec.Types())
}

func TestEnsure_TagAbsentIsPulled(t *testing.T) {
	eng := enginetest.New()
	r, rec := newTestResolver(eng)

	ref, err := r.Ensure(context.Background(), tagSource("alpine:3.18"))
	require.NoError(t, err)
	assert.Equal(t, "alpine:3.18", ref)
	assert.Equal(t, 1, eng.CountCalls("pull alpine:3.18"))
	assert.True(t, eng.HasImage("alpine:3.18"))
	assert.Equal(t, []events.EventType{events.ImagePulled}, rec.Types())
}

func TestEnsure_TransientPullRetried(t *testing.T) {
	eng := enginetest.New()
	eng.PullErrs = []error{errors.New("net/http: TLS handshake timeout")}
	r, rec := newTestResolver(eng)

	var retried []int
	r.retry.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }

	_, err := r.Ensure(context.Background(), tagSource("alpine:3.18"))
	require.NoError(t, err)
	assert.Equal(t, 2, eng.CountCalls("pull"))
	assert.Equal(t, []int{1}, retried)
	assert.Equal(t, []events.EventType{events.ImageRetry, events.ImagePulled}, rec.Types())
}

func TestEnsure_RetriesAreBounded(t *testing.T) {
	eng := enginetest.New()
	eng.PullErrs = []error{
		errors.New("connection reset by peer"),
		errors.New("connection reset by peer"),
		errors.New("connection reset by peer"),
	}
	r, _ := newTestResolver(eng)

	_, err := r.Ensure(context.Background(), tagSource("alpine:3.18"))
	require.Error(t, err)
	assert.Equal(t, 2, eng.CountCalls("pull"))
	assert.Contains(t, err.Error(), "2 attempts")
	assert.Contains(t, err.Error(), "connection reset by peer")
}

func TestEnsure_PermanentPullFailureKeepsEngineMessage(t *testing.T) {
	eng := enginetest.New()
	eng.PullErrs = []error{errors.New("pull access denied for nope, repository does not exist")}
	r, rec := newTestResolver(eng)

	_, err := r.Ensure(context.Background(), tagSource("nope"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pull access denied for nope, repository does not exist")
	assert.Equal(t, 1, eng.CountCalls("pull"))
	assert.Equal(t, []events.EventType{events.ImageFailed}, rec.Types())
}

func TestEnsure_ImageCheckFailure(t *testing.T) {
	eng := enginetest.New()
	eng.ImageExistsErr = engine.ErrConnectionLost
	r, _ := newTestResolver(eng)

	_, err := r.Ensure(context.Background(), tagSource("alpine:3.18"))
	assert.ErrorIs(t, err, engine.ErrConnectionLost)
	assert.Zero(t, eng.CountCalls("pull"))
}

func TestEnsure_BuildsOnceThenCaches(t *testing.T) {
	eng := enginetest.New()
	r, _ := newTestResolver(eng)
	src := buildSource(t)

	ref, err := r.Ensure(context.Background(), src)
	require.NoError(t, err)

	hash, err := identity.BuildHash(src.Build)
	require.NoError(t, err)
	assert.Equal(t, identity.BuildTag("dev", hash), ref)

	builds := eng.Builds()
	require.Len(t, builds, 1)
	req := builds[0]
	assert.Equal(t, ref, req.Tag)
	assert.Equal(t, config.ResolvePath(src.Build.Context), req.ContextDir)
	assert.Equal(t, config.ResolvePath(src.Build.Dockerfile), req.Dockerfile)
	assert.Equal(t, "builder", req.Target)
	assert.Equal(t, map[string]string{"GO": "1.24"}, req.Args)
	assert.Equal(t, []string{"*.log"}, req.Excludes)
	assert.Equal(t, hash, req.Labels[LabelBuildHash])
	assert.Equal(t, identity.ManagedByValue, req.Labels[identity.LabelManagedBy])

	again, err := r.Ensure(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, ref, again)
	assert.Len(t, eng.Builds(), 1, "unchanged context is not rebuilt")
}

func TestEnsure_ContextChangeRebuilds(t *testing.T) {
	eng := enginetest.New()
	r, _ := newTestResolver(eng)
	src := buildSource(t)

	first, err := r.Ensure(context.Background(), src)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(src.Build.Context, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0644))
	second, err := r.Ensure(context.Background(), src)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Len(t, eng.Builds(), 2)
}

func TestEnsure_IgnoredChangeDoesNotRebuild(t *testing.T) {
	eng := enginetest.New()
	r, _ := newTestResolver(eng)
	src := buildSource(t)

	first, err := r.Ensure(context.Background(), src)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(src.Build.Context, "debug.log"), []byte("noise"), 0644))
	second, err := r.Ensure(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, eng.Builds(), 1)
}

func TestRefresh_PullsPresentTag(t *testing.T) {
	eng := enginetest.New()
	eng.AddImage("alpine:3.18")
	r, _ := newTestResolver(eng)

	_, err := r.Refresh(context.Background(), tagSource("alpine:3.18"))
	require.NoError(t, err)
	assert.Equal(t, 1, eng.CountCalls("pull"))
	assert.Zero(t, eng.CountCalls("image-exists"))
}

func TestReference(t *testing.T) {
	ref, err := Reference(tagSource("alpine:3.18"))
	require.NoError(t, err)
	assert.Equal(t, "alpine:3.18", ref)

	src := buildSource(t)
	ref, err = Reference(src)
	require.NoError(t, err)

	eng := enginetest.New()
	r, _ := newTestResolver(eng)
	built, err := r.Ensure(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, built, ref)
}
