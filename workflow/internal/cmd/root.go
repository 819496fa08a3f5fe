// Package cmd is the workflow service's command tree.
package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/exportcontrol/caseflow/common/logging"
	"github.com/exportcontrol/caseflow/workflow/internal/config"
)

var (
	cfgFile        string
	migrationsPath string
	cfg            *config.Config
	logger         *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Export licence case workflow engine",
	Long: `workflow moves export licence cases through their review workflow.

It routes cases to team queues, collates advice, enforces countersigning,
finalises decisions and runs the nightly SLA and chaser jobs.`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/caseflow/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&migrationsPath, "migrations", "file://migrations", "golang-migrate source URL")
}

func initConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger = logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service("workflow"))
	logging.SetDefault(logger)
	return nil
}

func parseCaseID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid case id %q: %w", arg, err)
	}
	return id, nil
}
