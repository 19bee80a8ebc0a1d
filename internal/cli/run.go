package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/RevCBH/berth/internal/events"
	"github.com/RevCBH/berth/internal/session"
)

// NewRunCmd creates the run command
func NewRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run -- COMMAND [ARG...]",
		Short: "Run a command in the environment instead of the shell",
		Long: `Run starts or reuses the environment exactly like plain berth, then runs
COMMAND in place of the configured shell. The command does not affect which
container is used.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunSession(cmd.Context(), args)
		},
	}
	cmd.Flags().SetInterspersed(false)

	return cmd
}

// RunSession starts or reuses the environment and attaches to command, or to
// the configured shell when command is empty. A non-zero in-container exit
// status is returned as a session.ExitCodeError, as is an interrupt received
// before the terminal was attached.
func (a *App) RunSession(ctx context.Context, command []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	env, err := a.wire(ctx, wireNeeds{Config: true, Engine: true})
	if err != nil {
		return err
	}
	defer env.Close(ctx)

	// Until the terminal is attached, an interrupt aborts berth itself.
	handler := NewSignalHandler(cancel, env.Logger)
	handler.Start()
	defer handler.Stop()
	env.Bus.Subscribe(func(e events.Event) {
		if e.Type == events.AttachStarted {
			handler.Stop()
		}
	})

	outcome, err := env.Controller.Run(ctx, session.Request{
		Config:  env.Config,
		Command: command,
		Remove:  a.opts.Remove,
	})
	if err != nil {
		if sig := handler.Received(); sig != nil {
			env.Logger.Info("interrupted", "signal", sig.String())
			return session.NewExitCodeError(interruptExitCode(sig))
		}
		return err
	}
	if outcome.ExitCode != 0 {
		return session.NewExitCodeError(outcome.ExitCode)
	}
	return nil
}
