package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/RevCBH/berth/internal/identity"
	"github.com/RevCBH/berth/internal/image"
	"github.com/RevCBH/berth/internal/session"
)

// IDOptions holds flags for the id command
type IDOptions struct {
	JSON bool // Output as JSON instead of formatted text
}

// IDOutput is what the id command reports
type IDOutput struct {
	Identity  string `json:"identity"`
	Container string `json:"container"`
	Image     string `json:"image"`
	Workspace string `json:"workspace"`
	Config    string `json:"config"`
}

// NewIDCmd creates the id command
func NewIDCmd(app *App) *cobra.Command {
	opts := IDOptions{}

	cmd := &cobra.Command{
		Use:   "id",
		Short: "Show the identity, container name and image of this workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.ShowID(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Output as JSON instead of formatted text")

	return cmd
}

// ShowID prints the identity of the current configuration. The engine is
// not contacted.
func (a *App) ShowID(ctx context.Context, opts IDOptions) error {
	env, err := a.wire(ctx, wireNeeds{Config: true})
	if err != nil {
		return err
	}
	defer env.Close(ctx)

	id, err := identity.Derive(env.Config, env.Config.Workspace)
	if err != nil {
		return &session.Error{Kind: session.KindImageResolution, Op: "derive identity", Err: err}
	}
	ref, err := image.Reference(env.Config.Image)
	if err != nil {
		return &session.Error{Kind: session.KindImageResolution, Op: "image reference", Err: err}
	}

	out := IDOutput{
		Identity:  id.Hash,
		Container: id.Name,
		Image:     ref,
		Workspace: id.Workspace,
		Config:    env.Config.Path,
	}
	if opts.JSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "identity:\t%s\n", out.Identity)
	fmt.Fprintf(w, "container:\t%s\n", out.Container)
	fmt.Fprintf(w, "image:\t%s\n", out.Image)
	fmt.Fprintf(w, "workspace:\t%s\n", out.Workspace)
	fmt.Fprintf(w, "config:\t%s\n", out.Config)
	return w.Flush()
}
