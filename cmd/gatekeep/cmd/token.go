package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeep/internal/util"
	"github.com/jmcleod/gatekeep/session"
)

// errTokenRejected makes `token check` exit non-zero for unusable tokens.
var errTokenRejected = errors.New("token is not valid")

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect and revoke session tokens",
	Long:  `Commands that operate directly on the configured session store.`,
}

var tokenCheckCmd = &cobra.Command{
	Use:   "check <token>",
	Short: "Report whether a token is valid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMaintenanceManager(cmd, func(ctx context.Context, mgr *session.Manager) error {
			return checkToken(ctx, mgr, args[0], cmd.OutOrStdout())
		})
	},
}

var tokenRevokeCmd = &cobra.Command{
	Use:   "revoke <token>",
	Short: "Revoke a session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMaintenanceManager(cmd, func(ctx context.Context, mgr *session.Manager) error {
			return revokeToken(ctx, mgr, args[0], cmd.OutOrStdout())
		})
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenCheckCmd, tokenRevokeCmd)
}

func withMaintenanceManager(cmd *cobra.Command, fn func(context.Context, *session.Manager) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	mgr, release, err := openMaintenanceManager(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer release()
	return fn(cmd.Context(), mgr)
}

// wellFormed reports whether token looks like one the manager issues.
func wellFormed(token string) bool {
	return len(token) == 32 && util.IsLowerHex(token)
}

func checkToken(ctx context.Context, mgr *session.Manager, token string, w io.Writer) error {
	if !wellFormed(token) || !mgr.IsTokenValid(ctx, token) {
		fmt.Fprintln(w, "invalid")
		return errTokenRejected
	}
	fmt.Fprintln(w, "valid")
	return nil
}

func revokeToken(ctx context.Context, mgr *session.Manager, token string, w io.Writer) error {
	if !wellFormed(token) {
		return fmt.Errorf("revoking token: malformed: %w", errTokenRejected)
	}
	if !mgr.Logout(ctx, token) {
		return fmt.Errorf("revoking token: %w", errTokenRejected)
	}
	fmt.Fprintln(w, "revoked")
	return nil
}
