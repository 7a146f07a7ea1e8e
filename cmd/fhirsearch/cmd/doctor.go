package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hcai-dev/fhirsearch/internal/config"
	"github.com/hcai-dev/fhirsearch/internal/preflight"
)

// newDoctorCmd creates the doctor command: environment checks run
// before starting a server.
func newDoctorCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the environment (data dir, embeddings, rerank service)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			results := preflight.NewChecker(cfg).RunAll(cmd.Context())

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					fmt.Fprintf(out, "[%s] %-15s %s\n", r.Status, r.Name, r.Message)
					if r.Details != "" {
						fmt.Fprintf(out, "       %15s %s\n", "", r.Details)
					}
				}
			}

			for _, r := range results {
				if r.IsCritical() {
					return fmt.Errorf("preflight failed: %s", r.Name)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	return cmd
}
