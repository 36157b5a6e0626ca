package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"contactsync/internal/config"
	"contactsync/internal/domain/directory"
	"contactsync/internal/domain/identity"
	"contactsync/internal/domain/resolution"
)

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Kind          string
	Region        string
	DryRun        bool
	DirectoryFile string
}

// resolveOutput is printed by the resolve command.
type resolveOutput struct {
	Identifier identity.NormalizedIdentifier `json:"identifier"`
	Decision   resolution.Decision           `json:"decision"`
	Record     *resolution.Record            `json:"record,omitempty"`
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <value>",
		Short: "Normalize an identifier and resolve it to a contact",
		Long: `Normalize an identifier and run the tier cascade against the directory.

With --directory-file the directory is read from a JSON array of contacts
and nothing touches the database; the decision is only printed.

Example:
  syncctl resolve --kind email Jane.Doe@Acme.com
  syncctl resolve --kind phone --region GB "020 7946 0018" --dry-run
  syncctl resolve --kind email bob@acme.com --directory-file contacts.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "", "identifier kind (email|phone)")
	cmd.Flags().StringVar(&opts.Region, "region", "", "default region for phones without a country code")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "print the decision without recording it")
	cmd.Flags().StringVar(&opts.DirectoryFile, "directory-file", "", "resolve against contacts from a JSON file instead of the database")
	_ = cmd.MarkFlagRequired("kind")

	return cmd
}

func runResolve(cmd *cobra.Command, opts *ResolveOptions, raw string) error {
	kind, err := identity.ParseKind(opts.Kind)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --kind", err)
	}

	cfg, err := opts.env()
	if err != nil {
		return err
	}
	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid sources file", err)
	}
	region := opts.Region
	if region == "" {
		region = sources.Orchestrator().DefaultRegion
	}

	ident, err := identity.Normalize(kind, raw, region)
	if err != nil {
		return WrapExitError(ExitFailure, "normalize identifier", err)
	}

	ctx := operatorContext(cmd.Context())
	out := resolveOutput{Identifier: ident}

	if opts.DirectoryFile != "" {
		snap, err := loadSnapshot(opts.DirectoryFile)
		if err != nil {
			return err
		}
		r := resolution.NewResolver(resolution.Dependencies{
			Directory: snap,
			Logger:    opts.logger(),
		}, sources.Resolver())
		if out.Decision, err = r.Decide(ctx, ident); err != nil {
			return WrapExitError(ExitFailure, "resolve", err)
		}
		return opts.render(cmd.OutOrStdout(), out, func(w io.Writer) { writeResolve(w, out) })
	}

	a, err := opts.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.DryRun {
		out.Decision, err = a.Resolver.Decide(ctx, ident)
	} else {
		out.Record, err = a.Resolver.Resolve(ctx, ident)
		if out.Record != nil {
			out.Decision = out.Record.Decision()
		}
	}
	if err != nil {
		return WrapExitError(ExitFailure, "resolve", err)
	}
	return opts.render(cmd.OutOrStdout(), out, func(w io.Writer) { writeResolve(w, out) })
}

func loadSnapshot(path string) (*directory.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "read directory file", err)
	}
	var entries []directory.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, WrapExitError(ExitCommandError, "parse directory file", err)
	}
	return directory.NewSnapshot(entries...), nil
}

func writeResolve(w io.Writer, out resolveOutput) {
	d := out.Decision
	fmt.Fprintf(w, "identifier: %s\n", out.Identifier)
	fmt.Fprintf(w, "tier:       %s\n", d.Tier)
	fmt.Fprintf(w, "method:     %s\n", d.Method)
	fmt.Fprintf(w, "score:      %s\n", d.Score.StringFixed(2))
	if d.Matched() {
		fmt.Fprintf(w, "contact:    %s\n", d.ContactID)
	}
	if out.Record != nil {
		fmt.Fprintf(w, "record:     %s\n", out.Record.ID)
	}
}
