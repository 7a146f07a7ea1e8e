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
)

// newStatsCmd creates the stats command.
func newStatsCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print store, queue, and rerank-cache statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := &http.Client{Timeout: 10 * time.Second}
			base := strings.TrimRight(serverURL, "/")

			out := cmd.OutOrStdout()
			for _, section := range []string{"store", "queue", "rerank-cache"} {
				payload, err := fetchJSON(client, base+"/stats/"+section)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s:\n%s\n", section, payload)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "fhirsearch server URL")

	return cmd
}

func fetchJSON(client *http.Client, url string) (string, error) {
	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload, "", "  "); err != nil {
		return "", err
	}
	return pretty.String(), nil
}
