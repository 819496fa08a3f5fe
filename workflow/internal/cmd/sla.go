package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/exportcontrol/caseflow/common/middleware"
	"github.com/exportcontrol/caseflow/workflow/internal/sla"
)

var slaCmd = &cobra.Command{
	Use:   "sla",
	Short: "Run the nightly jobs by hand",
}

var slaRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Advance SLA counters for today",
	Long: `Counts today against every open case's SLA. A case already counted
today is left alone, so rerunning is safe.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := middleware.EnsureRequestID(cmd.Context())
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		batch, err := a.slaScheduler()
		if err != nil {
			return err
		}
		res := batch.Run(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "outcome=%s date=%s cases=%d attempts=%d\n",
			res.Outcome, res.RunDate.Format("2006-01-02"), res.CasesUpdated, res.Attempts)
		if res.Outcome == sla.OutcomeFailed {
			return res.Err
		}
		return nil
	},
}

var slaChaseCmd = &cobra.Command{
	Use:   "chase",
	Short: "Send reminders for overdue information requests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := middleware.EnsureRequestID(cmd.Context())
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		chaser, err := a.chaser()
		if err != nil {
			return err
		}
		n, err := chaser.Run(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "chasers sent: %d\n", n)
		return nil
	},
}

func init() {
	slaCmd.AddCommand(slaRunCmd)
	slaCmd.AddCommand(slaChaseCmd)
	rootCmd.AddCommand(slaCmd)
}
