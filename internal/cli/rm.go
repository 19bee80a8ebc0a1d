package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// NewRemoveCmd creates the rm command
func NewRemoveCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Remove this workspace's container",
		Long: `Rm force-removes the container of the current configuration, running or
not. The next berth invocation creates a fresh one and runs init commands
again. Named volumes are kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Remove(cmd.Context())
		},
	}

	return cmd
}

// Remove deletes the container of the current configuration
func (a *App) Remove(ctx context.Context) error {
	env, err := a.wire(ctx, wireNeeds{Config: true, Engine: true})
	if err != nil {
		return err
	}
	defer env.Close(ctx)

	id, removed, err := env.Controller.Remove(ctx, env.Config)
	if err != nil {
		return err
	}
	if !removed {
		fmt.Fprintf(a.stdout, "no container %s\n", id.Name)
		return nil
	}
	fmt.Fprintf(a.stdout, "removed %s\n", id.Name)
	return nil
}
