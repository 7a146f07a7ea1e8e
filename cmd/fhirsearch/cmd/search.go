package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hcai-dev/fhirsearch/internal/search"
)

var retrieveModes = map[string]bool{
	"dense":  true,
	"sparse": true,
	"hybrid": true,
	"rerank": true,
}

// newSearchCmd creates the search command: a client for the retrieval
// endpoints of a running server.
func newSearchCmd() *cobra.Command {
	var serverURL string
	var mode string
	var k int
	var patientID string
	var resourceType string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Query a running server",
		Long: `Run a retrieval query against a running fhirsearch server.

Modes: dense, sparse, hybrid, rerank, timeline. Timeline mode ignores
the query and requires --patient.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 30 * time.Second}
			base := strings.TrimRight(serverURL, "/")

			if mode == "timeline" {
				if patientID == "" {
					return fmt.Errorf("timeline mode requires --patient")
				}
				req := search.TimelineRequest{PatientID: patientID, Limit: k}
				if resourceType != "" {
					req.ResourceTypes = []string{resourceType}
				}
				return postAndPrint(cmd, client, base+"/retrieve/timeline", req, jsonOutput)
			}

			if !retrieveModes[mode] {
				return fmt.Errorf("unknown mode %q", mode)
			}
			if len(args) == 0 {
				return fmt.Errorf("missing query")
			}

			req := search.Request{Query: strings.Join(args, " "), K: k}
			if patientID != "" || resourceType != "" {
				req.Filter = map[string]string{}
				if patientID != "" {
					req.Filter["patient_id"] = patientID
				}
				if resourceType != "" {
					req.Filter["resource_type"] = resourceType
				}
			}
			return postAndPrint(cmd, client, base+"/retrieve/"+mode, req, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "fhirsearch server URL")
	cmd.Flags().StringVar(&mode, "mode", "hybrid", "Retrieval mode: dense, sparse, hybrid, rerank, timeline")
	cmd.Flags().IntVar(&k, "k", 10, "Number of results")
	cmd.Flags().StringVar(&patientID, "patient", "", "Filter by patient ID")
	cmd.Flags().StringVar(&resourceType, "type", "", "Filter by resource type")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the raw JSON response")

	return cmd
}

func postAndPrint(cmd *cobra.Command, client *http.Client, url string, req any, jsonOutput bool) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if jsonOutput {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, payload, "", "  "); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
		return nil
	}

	var parsed struct {
		Results  []search.Result `json:"results"`
		Count    int             `json:"count"`
		Reranked *bool           `json:"reranked,omitempty"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, r := range parsed.Results {
		content := r.Content
		if len(content) > 120 {
			content = content[:120] + "..."
		}
		fmt.Fprintf(out, "%2d. [%.4f] %s (%s", i+1, r.Score, r.ChunkID, r.Metadata.ResourceType)
		if r.Metadata.EffectiveDate != "" {
			fmt.Fprintf(out, ", %s", r.Metadata.EffectiveDate)
		}
		fmt.Fprintf(out, ")\n    %s\n", content)
	}
	fmt.Fprintf(out, "%d results\n", parsed.Count)
	if parsed.Reranked != nil && !*parsed.Reranked {
		fmt.Fprintln(out, "note: rerank provider unavailable, hybrid order served")
	}
	return nil
}
