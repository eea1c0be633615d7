package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/scenehost/internal/crdt"
	"github.com/roach88/scenehost/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Database string
	Scene    string
}

// SnapshotView is the JSON form of one stored scene snapshot.
type SnapshotView struct {
	SceneID string     `json:"scene_id"`
	LWW     []LWWView  `json:"lww"`
	Grow    []GrowView `json:"grow"`
	Deleted []string   `json:"deleted_entities,omitempty"`
}

// LWWView is one stored last-writer-wins value.
type LWWView struct {
	Component uint32 `json:"component"`
	Entity    string `json:"entity"`
	Timestamp uint64 `json:"timestamp"`
	Data      string `json:"data,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// GrowView is one stored grow-only entry.
type GrowView struct {
	Component uint32 `json:"component"`
	Entity    string `json:"entity"`
	Data      string `json:"data"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show stored scene snapshots",
		Long: `List the scene snapshots saved in a database, or print one scene's
stored state with --scene.

Example:
  scenehost inspect --db ./scenes.db
  scenehost inspect --db ./scenes.db --scene plaza --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Scene, "scene", "", "scene id to print")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	// Opening creates missing files, so check first.
	if _, err := os.Stat(opts.Database); err != nil {
		if ferr := f.Error(ErrCodeNotFound, fmt.Sprintf("database not found: %s", opts.Database), nil); ferr != nil {
			return ferr
		}
		return WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if opts.Scene == "" {
		infos, err := st.ListScenes(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list scenes", err)
		}
		if f.JSON() {
			return f.Success(infos)
		}
		if len(infos) == 0 {
			fmt.Fprintln(f.Writer, "No stored scenes.")
			return nil
		}
		tw := tabwriter.NewWriter(f.Writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SCENE\tSAVED\tLWW\tGROW")
		for _, info := range infos {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", info.SceneID, info.SavedAt.UTC().Format(time.RFC3339), info.LWW, info.Grow)
		}
		return tw.Flush()
	}

	u, ok, err := st.LoadSnapshot(ctx, opts.Scene)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load snapshot", err)
	}
	if !ok {
		if ferr := f.Error(ErrCodeNotFound, fmt.Sprintf("no snapshot for scene %q", opts.Scene), nil); ferr != nil {
			return ferr
		}
		return NewExitError(ExitFailure, fmt.Sprintf("no snapshot for scene %q", opts.Scene))
	}
	view := snapshotView(opts.Scene, u)
	if f.JSON() {
		return f.Success(view)
	}
	writeSnapshot(f, view)
	return nil
}

func snapshotView(sceneID string, u crdt.Updates) SnapshotView {
	v := SnapshotView{SceneID: sceneID, LWW: []LWWView{}, Grow: []GrowView{}}
	for _, up := range u.LWW {
		v.LWW = append(v.LWW, LWWView{
			Component: uint32(up.Component),
			Entity:    up.Entity.String(),
			Timestamp: uint64(up.Timestamp),
			Data:      string(up.Data),
			Deleted:   up.Deleted,
		})
	}
	for _, ap := range u.Appends {
		v.Grow = append(v.Grow, GrowView{Component: uint32(ap.Component), Entity: ap.Entity.String(), Data: string(ap.Data)})
	}
	for _, e := range u.DeletedEntities {
		v.Deleted = append(v.Deleted, e.String())
	}
	return v
}

func writeSnapshot(f *OutputFormatter, v SnapshotView) {
	w := f.Writer
	fmt.Fprintf(w, "scene %s\n", v.SceneID)
	for _, l := range v.LWW {
		if l.Deleted {
			fmt.Fprintf(w, "  lww %d %s ts=%d deleted\n", l.Component, l.Entity, l.Timestamp)
			continue
		}
		fmt.Fprintf(w, "  lww %d %s ts=%d %q\n", l.Component, l.Entity, l.Timestamp, l.Data)
	}
	for _, g := range v.Grow {
		fmt.Fprintf(w, "  grow %d %s %q\n", g.Component, g.Entity, g.Data)
	}
	for _, e := range v.Deleted {
		fmt.Fprintf(w, "  deleted %s\n", e)
	}
}
