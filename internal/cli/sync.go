package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"contactsync/internal/domain/source"
	"contactsync/internal/domain/syncrun"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	All  bool
	Mode string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [source-type]",
		Short: "Run a sync for one source or all configured sources",
		Long: `Run a sync synchronously and print the sealed run.

Example:
  syncctl run crm
  syncctl run mailbox --mode full
  syncctl run --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "sync every configured source")
	cmd.Flags().StringVar(&opts.Mode, "mode", string(source.ModeIncremental), "sync mode (incremental|full)")

	return cmd
}

func runSync(cmd *cobra.Command, opts *RunOptions, args []string) error {
	if opts.All == (len(args) == 1) {
		return NewExitError(ExitCommandError, "pass exactly one of a source type or --all")
	}
	mode, err := source.ParseMode(opts.Mode)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --mode", err)
	}

	ctx := operatorContext(cmd.Context())
	a, err := opts.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var runs []*syncrun.Run
	if opts.All {
		runs, err = a.Orchestrator.RunAll(ctx, mode)
	} else {
		st, perr := source.ParseType(args[0])
		if perr != nil {
			return WrapExitError(ExitCommandError, "invalid source type", perr)
		}
		var run *syncrun.Run
		run, err = a.Orchestrator.RunSync(ctx, st, mode)
		if run != nil {
			runs = append(runs, run)
		}
	}

	if rerr := opts.render(cmd.OutOrStdout(), runs, func(w io.Writer) { writeRuns(w, runs) }); rerr != nil {
		return rerr
	}
	if err != nil {
		return WrapExitError(ExitFailure, "sync failed", err)
	}
	for _, r := range runs {
		if r.Status == syncrun.StatusFailed {
			return NewExitError(ExitFailure, fmt.Sprintf("%s run %s failed", r.SourceType, r.ID))
		}
	}
	return nil
}

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	Source string
	Status string
	Since  time.Duration
	Limit  int
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent sync runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRuns(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Source, "source", "", "filter by source type")
	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (running|success|partial|failed)")
	cmd.Flags().DurationVar(&opts.Since, "since", 0, "only runs started within this window")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum runs to list")

	return cmd
}

func listRuns(cmd *cobra.Command, opts *RunsOptions) error {
	filter := syncrun.ListFilter{Limit: opts.Limit}
	if opts.Since > 0 {
		filter.From = time.Now().Add(-opts.Since)
	}
	if opts.Source != "" {
		st, err := source.ParseType(opts.Source)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --source", err)
		}
		filter.SourceType = st
	}
	if opts.Status != "" {
		status, err := syncrun.ParseStatus(opts.Status)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --status", err)
		}
		filter.Status = status
	}

	a, err := opts.openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.Ledger.List(cmd.Context(), filter)
	if err != nil {
		return WrapExitError(ExitFailure, "list runs", err)
	}
	runs := make([]*syncrun.Run, len(list))
	for i := range list {
		runs[i] = &list[i]
	}
	return opts.render(cmd.OutOrStdout(), list, func(w io.Writer) { writeRuns(w, runs) })
}

func writeRuns(w io.Writer, runs []*syncrun.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSOURCE\tMODE\tSTATUS\tPROCESSED\tFAILED\tSKIPPED\tPAGES\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.ID, r.SourceType, r.Mode, r.Status,
			r.RowsProcessed, r.RowsFailed, r.RowsSkipped, r.PagesFetched, r.Duration())
	}
	_ = tw.Flush()
	for _, r := range runs {
		if r.ErrorSummary != nil {
			fmt.Fprintf(w, "%s: %s\n", r.ID, *r.ErrorSummary)
		}
	}
}

// NewWatermarkCommand creates the watermark command group.
func NewWatermarkCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Inspect or reset a source's resume cursor",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <source-type>",
		Short: "Print the stored watermark",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getWatermark(cmd, rootOpts, args[0])
		},
	})

	var cursor string
	reset := &cobra.Command{
		Use:   "reset <source-type>",
		Short: "Overwrite the stored watermark",
		Long: `Overwrite the stored watermark. Without --cursor the next incremental
run starts from the beginning of the source.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resetWatermark(cmd, rootOpts, args[0], cursor)
		},
	}
	reset.Flags().StringVar(&cursor, "cursor", "", "cursor to resume from")
	cmd.AddCommand(reset)

	return cmd
}

func getWatermark(cmd *cobra.Command, opts *RootOptions, arg string) error {
	st, err := source.ParseType(arg)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid source type", err)
	}
	a, err := opts.openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	wm, err := a.Orchestrator.Watermark(cmd.Context(), st)
	if err != nil {
		return WrapExitError(ExitFailure, "read watermark", err)
	}
	if wm == nil {
		wm = &syncrun.Watermark{SourceType: st, Scope: syncrun.DefaultScope}
	}
	return opts.render(cmd.OutOrStdout(), wm, func(w io.Writer) {
		if wm.Cursor == "" {
			fmt.Fprintf(w, "%s: no watermark\n", st)
			return
		}
		fmt.Fprintf(w, "%s: %s (updated %s)\n", st, wm.Cursor, wm.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
	})
}

func resetWatermark(cmd *cobra.Command, opts *RootOptions, arg, cursor string) error {
	st, err := source.ParseType(arg)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid source type", err)
	}
	ctx := operatorContext(cmd.Context())
	a, err := opts.openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Orchestrator.ResetWatermark(ctx, st, cursor); err != nil {
		return WrapExitError(ExitFailure, "reset watermark", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s watermark reset\n", st)
	return nil
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-score unmatched, fuzzy and domain resolutions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := operatorContext(cmd.Context())
			a, err := rootOpts.openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Reconciler.Reconcile(ctx, batchSize)
			if err != nil {
				return WrapExitError(ExitFailure, "reconcile", err)
			}
			return rootOpts.render(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "rescored %d, upgraded %d, failed %d\n", res.Rescored, res.Upgraded, res.Failed)
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "records scanned per page (0 uses the configured size)")
	return cmd
}
