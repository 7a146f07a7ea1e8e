// Package cmd provides the CLI commands for fhirsearch.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hcai-dev/fhirsearch/pkg/version"
)

var configPath string

// NewRootCmd creates the root command for the fhirsearch CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fhirsearch",
		Short: "Clinical record ingestion and retrieval service",
		Long: `fhirsearch ingests FHIR clinical resources into a local hybrid
search index (BM25 + vector) and serves dense, sparse, hybrid,
timeline, and reranked retrieval over HTTP.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetVersionTemplate("fhirsearch version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
