// riactl is the command-line front end for the riacouncil engine: corpus
// ingestion, assessment runs, status, reports, and review actions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"riacouncil/internal/config"
	"riacouncil/internal/logging"
)

var (
	configPath string
	cfg        *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "riactl",
		Short: "Deliberative multi-model regulatory impact assessment engine",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			return logging.Initialize(cfg.Logging)
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "riacouncil.yaml", "path to config file")

	rootCmd.AddCommand(
		newIngestCmd(),
		newAssessCmd(),
		newStatusCmd(),
		newReportCmd(),
		newReviewCmd(),
		newListCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
