// Package cli implements the berth command line.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/RevCBH/berth/internal/config"
	"github.com/RevCBH/berth/internal/engine"
)

// GlobalOptions holds flags shared by every command
type GlobalOptions struct {
	// ConfigPath overrides the berth.yaml search
	ConfigPath string

	// Verbose enables debug logging
	Verbose bool

	// Engine overrides the engine selector from settings (auto, api, cli)
	Engine string

	// Remove deletes the container once the session ends
	Remove bool

	// EventsFile receives session events as JSON lines
	EventsFile string
}

// VersionInfo is set at build time
type VersionInfo struct {
	Version string
	Commit  string
	Date    string
}

// App represents the CLI application with all wired dependencies
type App struct {
	// Root command
	rootCmd *cobra.Command

	opts        GlobalOptions
	versionInfo VersionInfo

	stdin  *os.File
	stdout io.Writer
	stderr io.Writer

	// Swapped out in tests
	loadSettings func() (*config.Settings, error)
	openEngine   func(ctx context.Context, settings *config.Settings, logger *slog.Logger) (engine.Engine, error)
}

// New creates a new CLI application
func New() *App {
	app := &App{
		stdin:        os.Stdin,
		stdout:       os.Stdout,
		stderr:       os.Stderr,
		loadSettings: config.LoadSettings,
		openEngine:   engine.Open,
	}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI application
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetArgs replaces the command line arguments, for tests
func (a *App) SetArgs(args []string) {
	a.rootCmd.SetArgs(args)
}

// SetVersion sets the version string for the version command
func (a *App) SetVersion(version, commit, date string) {
	a.versionInfo = VersionInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	}
}

// setupRootCmd configures the root Cobra command
func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "berth",
		Short: "Reproducible interactive environments in containers",
		Long: `berth reads berth.yaml from the current directory or a parent, starts or
reuses the container it describes and attaches your terminal to its shell.

The container is reused for as long as the configuration and workspace stay
the same. Exit codes of the in-container process are passed through; berth's
own failures exit with 125.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.RunSession(cmd.Context(), nil)
		},
	}

	flags := a.rootCmd.PersistentFlags()
	flags.StringVarP(&a.opts.ConfigPath, "config", "c", "", "Path to berth.yaml (default: search upward, or $BERTH_CONFIG)")
	flags.BoolVarP(&a.opts.Verbose, "verbose", "v", false, "Verbose output")
	flags.StringVar(&a.opts.Engine, "engine", "", "Engine access: auto, api or cli (default from settings)")
	flags.BoolVar(&a.opts.Remove, "rm", false, "Remove the container after the session")
	flags.StringVar(&a.opts.EventsFile, "events", "", "Append session events as JSON lines to this file")

	a.rootCmd.AddCommand(
		NewRunCmd(a),
		NewPullCmd(a),
		NewIDCmd(a),
		NewListCmd(a),
		NewRemoveCmd(a),
		NewVersionCmd(a),
	)
}
