package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"contactsync/internal/domain/auth"
)

// TokenOptions holds flags for the token issue command.
type TokenOptions struct {
	*RootOptions
	Subject string
	Roles   []string
	TTL     time.Duration
}

// NewTokenCommand creates the token command group.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API bearer tokens",
	}

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed token for the ops API",
		Long: `Issue an HS256 token signed with JWT_SECRET.

Example:
  syncctl token issue --subject oncall --role operator --ttl 8h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return issueToken(cmd, opts)
		},
	}
	issue.Flags().StringVar(&opts.Subject, "subject", "", "token subject")
	issue.Flags().StringSliceVar(&opts.Roles, "role", []string{auth.RoleViewer}, "granted roles (viewer|operator)")
	issue.Flags().DurationVar(&opts.TTL, "ttl", 0, "token lifetime (default 12h)")
	_ = issue.MarkFlagRequired("subject")
	cmd.AddCommand(issue)

	return cmd
}

func issueToken(cmd *cobra.Command, opts *TokenOptions) error {
	for _, r := range opts.Roles {
		if r != auth.RoleViewer && r != auth.RoleOperator {
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown role %q", r))
		}
	}
	cfg, err := opts.env()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return NewExitError(ExitCommandError, "JWT_SECRET is required")
	}

	svc := auth.NewJWTService(auth.DefaultJWTConfig(cfg.JWTSecret))
	token, expires, err := svc.IssueToken(opts.Subject, opts.Roles, opts.TTL)
	if err != nil {
		return WrapExitError(ExitFailure, "issue token", err)
	}

	out := struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}{token, expires}
	return opts.render(cmd.OutOrStdout(), out, func(w io.Writer) {
		fmt.Fprintln(w, token)
	})
}
