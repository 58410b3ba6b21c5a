package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmcleod/gatekeep/session"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired and revoked sessions from the store",
	Long: `Runs one sweep over the configured session store and reports how many
sessions were deleted. The server sweeps periodically on its own; this is
for stores shared by several instances or servers started with
--sweep-interval=0.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMaintenanceManager(cmd, func(ctx context.Context, mgr *session.Manager) error {
			return runSweep(ctx, mgr, cmd.OutOrStdout())
		})
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(ctx context.Context, mgr *session.Manager, w io.Writer) error {
	n, err := mgr.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweeping sessions: %w", err)
	}
	fmt.Fprintf(w, "Deleted %d invalid session(s)\n", n)
	return nil
}
