package cli

import (
	"bytes"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runVersion(t *testing.T, app *App, args ...string) string {
	t.Helper()
	cmd := NewVersionCmd(app)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return buf.String()
}

func TestVersionCmd_Output(t *testing.T) {
	app := New()
	app.SetVersion("1.2.3", "abc1234", "2024-01-15T10:30:00Z")

	lines := strings.Split(strings.TrimSpace(runVersion(t, app)), "\n")

	require.Len(t, lines, 4)
	assert.Equal(t, "berth 1.2.3", lines[0])
	assert.Contains(t, lines[1], "abc1234")
	assert.Contains(t, lines[2], "2024-01-15T10:30:00Z")
	assert.Contains(t, lines[3], runtime.Version())
}

func TestVersionCmd_Short(t *testing.T) {
	app := New()
	app.SetVersion("1.2.3", "abc1234", "2024-01-15T10:30:00Z")

	assert.Equal(t, "1.2.3\n", runVersion(t, app, "--short"))
}

func TestVersionCmd_DefaultValues(t *testing.T) {
	out := runVersion(t, New())

	assert.True(t, strings.HasPrefix(out, "berth dev\n"))
	assert.Equal(t, 2, strings.Count(out, "unknown"))
}
