package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RevCBH/berth/internal/session"
)

// NewPullCmd creates the pull command
func NewPullCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull or build the environment image",
		Long: `Pull fetches the configured image, even when a copy is present, or builds
it when the configuration has a build section and the build context changed.
No container is created.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Pull(cmd.Context())
		},
	}

	return cmd
}

// Pull refreshes the configured image and prints its reference
func (a *App) Pull(ctx context.Context) error {
	env, err := a.wire(ctx, wireNeeds{Config: true, Engine: true})
	if err != nil {
		return err
	}
	defer env.Close(ctx)

	ref, err := env.Images.Refresh(ctx, env.Config.Image)
	if err != nil {
		return &session.Error{Kind: session.KindImageResolution, Op: "pull", Err: err}
	}
	fmt.Fprintln(a.stdout, ref)
	return nil
}
