// Package cli implements the syncctl operator command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"contactsync/internal/app"
	"contactsync/internal/config"
	appctx "contactsync/internal/core/context"
	"contactsync/internal/domain/auth"
	"contactsync/pkg/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	EnvFile string

	// Lookup reads environment variables. Tests replace it.
	Lookup func(string) (string, bool)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for syncctl.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Lookup: os.LookupEnv})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Operate contactsync ingestion and identity resolution",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.EnvFile != "" {
				if err := godotenv.Load(opts.EnvFile); err != nil {
					return WrapExitError(ExitCommandError, "failed to load env file", err)
				}
			} else {
				_ = godotenv.Load()
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "dotenv file to load (default .env when present)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))
	cmd.AddCommand(NewWatermarkCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func (o *RootOptions) logger() *logger.Logger {
	level := "warn"
	if o.Verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Config{Level: level, Development: true})
	if err != nil {
		return logger.Nop()
	}
	return log
}

// env reads the process config without validating it, for commands that
// need only part of it.
func (o *RootOptions) env() (config.Config, error) {
	cfg, err := config.FromEnv(o.Lookup)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid environment", err)
	}
	return cfg, nil
}

// openApp builds the full application against the configured database.
func (o *RootOptions) openApp(ctx context.Context) (*app.App, error) {
	cfg, err := o.env()
	if err != nil {
		return nil, err
	}
	if cfg.Sources, err = config.LoadSources(cfg.SourcesFile); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid sources file", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, NewExitError(ExitCommandError, "DATABASE_URL is required")
	}
	a, err := app.New(ctx, cfg, o.logger())
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to initialize", err)
	}
	return a, nil
}

// operatorContext marks actions taken from the command line.
func operatorContext(ctx context.Context) context.Context {
	subject := "syncctl"
	if u := os.Getenv("USER"); u != "" {
		subject = "syncctl:" + u
	}
	return appctx.WithOperator(ctx, &appctx.OperatorContext{
		Subject: subject,
		Roles:   []string{auth.RoleOperator},
	})
}

// render writes v as indented JSON, or calls text for the text format.
func (o *RootOptions) render(w io.Writer, v any, text func(w io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
