package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/RevCBH/berth/internal/engine"
	"github.com/RevCBH/berth/internal/identity"
)

// ListOptions holds flags for the ls command
type ListOptions struct {
	Quiet bool // Print container names only
}

// NewListCmd creates the ls command
func NewListCmd(app *App) *cobra.Command {
	opts := ListOptions{}

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List containers managed by berth",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.List(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Quiet, "quiet", "q", false, "Print container names only")

	return cmd
}

// List prints every berth-managed container known to the engine
func (a *App) List(ctx context.Context, opts ListOptions) error {
	env, err := a.wire(ctx, wireNeeds{Engine: true})
	if err != nil {
		return err
	}
	defer env.Close(ctx)

	containers, err := env.Engine.ListContainers(ctx, map[string]string{
		identity.LabelManagedBy: identity.ManagedByValue,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	if opts.Quiet {
		for _, c := range containers {
			fmt.Fprintln(a.stdout, c.Name)
		}
		return nil
	}
	renderList(a.stdout, containers, DefaultStyles())
	return nil
}

// renderList writes containers as an aligned table
func renderList(w io.Writer, containers []engine.ContainerInfo, styles Styles) {
	if len(containers) == 0 {
		fmt.Fprintln(w, styles.Dim.Render("no berth containers"))
		return
	}

	headers := []string{"NAME", "STATE", "IMAGE", "WORKSPACE"}
	rows := make([][]string, 0, len(containers))
	for _, c := range containers {
		rows = append(rows, []string{
			c.Name,
			stateIcon(c.State) + " " + string(c.State),
			c.Image,
			c.Labels[identity.LabelWorkspace],
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = styles.Header.Width(widths[i] + 2).Render(h)
	}
	fmt.Fprintln(w, strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, cells...), " "))

	for r, row := range rows {
		for i, cell := range row {
			style := styles.Dim
			switch i {
			case 0:
				style = styles.Name
			case 1:
				style = stateStyle(containers[r].State, styles)
			}
			cells[i] = style.Width(widths[i] + 2).Render(cell)
		}
		fmt.Fprintln(w, strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, cells...), " "))
	}
}

func stateIcon(state engine.State) string {
	switch state {
	case engine.StateRunning:
		return IconRunning
	case engine.StateCreated, engine.StateExited:
		return IconStopped
	default:
		return IconOther
	}
}

func stateStyle(state engine.State, styles Styles) lipgloss.Style {
	switch state {
	case engine.StateRunning:
		return styles.Running
	case engine.StateCreated, engine.StateExited:
		return styles.Stopped
	default:
		return styles.Other
	}
}
