package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"contactsync/internal/infrastructure/storage/postgres/migrations"
)

// NewMigrateCommand creates the migrate command group.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := rootOpts.databaseURL()
			if err != nil {
				return err
			}
			if err := migrations.Up(dsn, rootOpts.logger()); err != nil {
				return WrapExitError(ExitFailure, "migrate up", err)
			}
			return printVersion(cmd, rootOpts, dsn)
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps < 1 {
				return NewExitError(ExitCommandError, "--steps must be at least 1")
			}
			dsn, err := rootOpts.databaseURL()
			if err != nil {
				return err
			}
			if err := migrations.Down(dsn, steps, rootOpts.logger()); err != nil {
				return WrapExitError(ExitFailure, "migrate down", err)
			}
			return printVersion(cmd, rootOpts, dsn)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := rootOpts.databaseURL()
			if err != nil {
				return err
			}
			return printVersion(cmd, rootOpts, dsn)
		},
	})

	return cmd
}

func (o *RootOptions) databaseURL() (string, error) {
	cfg, err := o.env()
	if err != nil {
		return "", err
	}
	if cfg.DatabaseURL == "" {
		return "", NewExitError(ExitCommandError, "DATABASE_URL is required")
	}
	return cfg.DatabaseURL, nil
}

func printVersion(cmd *cobra.Command, opts *RootOptions, dsn string) error {
	version, dirty, err := migrations.Version(dsn)
	if err != nil {
		return WrapExitError(ExitFailure, "read schema version", err)
	}
	out := struct {
		Version uint `json:"version"`
		Dirty   bool `json:"dirty"`
	}{version, dirty}
	return opts.render(cmd.OutOrStdout(), out, func(w io.Writer) {
		if dirty {
			fmt.Fprintf(w, "schema version %d (dirty)\n", version)
			return
		}
		fmt.Fprintf(w, "schema version %d\n", version)
	})
}
