package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit trail tools",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <case-id>",
	Short: "Check the signatures on a case's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		caseID, err := parseCaseID(args[0])
		if err != nil {
			return err
		}
		if cfg.Audit.SigningKey == "" {
			return fmt.Errorf("audit.signing_key is not set")
		}
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		report, err := a.svc.VerifyAudit(cmd.Context(), caseID)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "entries=%d tampered=%d\n", len(report.Entries), len(report.Tampered))
		for _, id := range report.Tampered {
			fmt.Fprintf(out, "tampered %s\n", id)
		}
		if len(report.Tampered) > 0 {
			return fmt.Errorf("%d audit entries failed verification", len(report.Tampered))
		}
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}
