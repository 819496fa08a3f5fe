package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/exportcontrol/caseflow/workflow/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Routing rule management",
}

var rulesImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import routing rules from YAML",
	Long: `Creates the routing rules listed in a YAML file. Rules that already
exist are skipped. Without a file argument routing.rules_file is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := rulesPath(args, cfg.Routing.RulesFile)
		if err != nil {
			return err
		}
		f, err := rules.LoadFile(path)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.svc.ImportRules(cmd.Context(), f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created=%d skipped=%d\n", res.Created, res.Skipped)
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesImportCmd)
	rootCmd.AddCommand(rulesCmd)
}

func rulesPath(args []string, configured string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if configured == "" {
		return "", errors.New("no rules file given and routing.rules_file is not set")
	}
	return configured, nil
}
