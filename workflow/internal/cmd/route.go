package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var routeCmd = &cobra.Command{
	Use:   "route <case-id>",
	Short: "Re-run routing for a case",
	Long: `Evaluates the routing rules for a case's current status and moves it
onto the matching queues. With --dry-run the matches are printed and
nothing changes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		caseID, err := parseCaseID(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		out := cmd.OutOrStdout()
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		if !dryRun {
			c, err := a.svc.Route(cmd.Context(), caseID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "case %s routed at status %s\n", c.Reference, c.Status)
		}

		ev, err := a.svc.Evaluate(cmd.Context(), caseID)
		if err != nil {
			return err
		}
		if len(ev.Matched) == 0 {
			fmt.Fprintln(out, "no routing rule matches")
			return nil
		}
		for _, r := range ev.Matched {
			fmt.Fprintf(out, "team=%s tier=%d queue=%s rule=%s\n", r.TeamName, r.Tier, r.QueueID, r.ID)
		}
		return nil
	},
}

func init() {
	routeCmd.Flags().Bool("dry-run", false, "print matching rules without moving the case")
	rootCmd.AddCommand(routeCmd)
}
