package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/scenehost/internal/manifest"
)

// ManifestReport is the validation outcome of one manifest file.
type ManifestReport struct {
	Path   string                     `json:"path"`
	ID     string                     `json:"id,omitempty"`
	Valid  bool                       `json:"valid"`
	Errors []manifest.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <manifest>...",
		Short: "Check scene manifests without running them",
		Long: `Check scene manifests against the manifest schema, verify that each
entry script exists, and reject duplicate scene ids.

Example:
  scenehost validate scenes/plaza/scene.yaml scenes/lobby/scene.yaml
  scenehost validate --format json scenes/*/scene.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	reports := validateManifests(paths, f)

	invalid := 0
	for _, r := range reports {
		if !r.Valid {
			invalid++
		}
	}

	if f.JSON() {
		if invalid > 0 {
			if err := f.Error(ErrCodeManifest, fmt.Sprintf("%d of %d manifest(s) invalid", invalid, len(reports)), reports); err != nil {
				return err
			}
		} else if err := f.Success(reports); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		for _, r := range reports {
			if r.Valid {
				fmt.Fprintf(w, "✓ %s (%s)\n", r.Path, r.ID)
				continue
			}
			fmt.Fprintf(w, "✗ %s\n", r.Path)
			for _, ve := range r.Errors {
				fmt.Fprintf(w, "  %s\n", ve.Error())
			}
		}
	}

	if invalid > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d manifest(s) invalid", invalid))
	}
	return nil
}

// validateManifests loads each path and reports per-file problems,
// including ids already claimed by an earlier manifest.
func validateManifests(paths []string, f *OutputFormatter) []ManifestReport {
	reports := make([]ManifestReport, 0, len(paths))
	seen := make(map[string]string)
	for _, p := range paths {
		f.VerboseLog("validating %s", p)
		r := ManifestReport{Path: p}
		m, err := manifest.Load(p)
		switch {
		case err != nil:
			r.Errors = manifestErrors(err)
		case seen[m.ID] != "":
			r.ID = m.ID
			r.Errors = []manifest.ValidationError{{
				Field:   "id",
				Message: fmt.Sprintf("scene id %q already used by %s", m.ID, seen[m.ID]),
				Code:    manifest.ErrDuplicateID,
			}}
		default:
			r.ID = m.ID
			r.Valid = true
			seen[m.ID] = p
		}
		reports = append(reports, r)
	}
	return reports
}

func manifestErrors(err error) []manifest.ValidationError {
	var inv *manifest.InvalidError
	if errors.As(err, &inv) {
		return inv.Errors
	}
	return []manifest.ValidationError{{Message: err.Error(), Code: manifest.ErrSyntax}}
}
