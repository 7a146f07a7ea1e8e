package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hcai-dev/fhirsearch/internal/fhir"
)

// newIngestCmd creates the ingest command: a client that submits FHIR
// bundle files to a running server.
func newIngestCmd() *cobra.Command {
	var serverURL string
	var batchSize int

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Submit FHIR bundle files to a running server",
		Long: `Read FHIR Bundle JSON files (or NDJSON, one resource per line) and
submit their resources to the /ingest endpoint of a running
fhirsearch server. Submissions rejected with backpressure are
retried after a short delay.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 30 * time.Second}
			total := 0
			for _, path := range args {
				subs, err := readSubmissions(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				if err := submitBatches(cmd, client, serverURL, subs, batchSize); err != nil {
					return err
				}
				total += len(subs)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted %d resources\n", total)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "fhirsearch server URL")
	cmd.Flags().IntVar(&batchSize, "batch-size", 50, "Resources per ingest request")

	return cmd
}

// bundleEntry is the subset of a FHIR Bundle entry the ingester needs.
type bundleEntry struct {
	FullURL  string          `json:"fullUrl"`
	Resource json.RawMessage `json:"resource"`
}

type bundle struct {
	ResourceType string        `json:"resourceType"`
	Entry        []bundleEntry `json:"entry"`
}

// readSubmissions parses one file into submissions. A file whose first
// non-space byte is '{' is treated as a single Bundle or resource;
// otherwise each line is parsed as one resource (NDJSON).
func readSubmissions(path string) ([]*fhir.Submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sourceFile := filepath.Base(path)

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty file")
	}

	if trimmed[0] == '{' {
		var b bundle
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return nil, err
		}
		if b.ResourceType == "Bundle" {
			subs := make([]*fhir.Submission, 0, len(b.Entry))
			for _, entry := range b.Entry {
				sub, err := toSubmission(entry.Resource, entry.FullURL, sourceFile)
				if err != nil {
					return nil, err
				}
				subs = append(subs, sub)
			}
			return subs, nil
		}
		sub, err := toSubmission(trimmed, "", sourceFile)
		if err != nil {
			return nil, err
		}
		return []*fhir.Submission{sub}, nil
	}

	var subs []*fhir.Submission
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		sub, err := toSubmission(line, "", sourceFile)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, scanner.Err()
}

// toSubmission builds one submission from a raw FHIR resource.
func toSubmission(raw json.RawMessage, fullURL, sourceFile string) (*fhir.Submission, error) {
	var resource struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
		Subject      struct {
			Reference string `json:"reference"`
		} `json:"subject"`
		Patient struct {
			Reference string `json:"reference"`
		} `json:"patient"`
	}
	if err := json.Unmarshal(raw, &resource); err != nil {
		return nil, err
	}
	if resource.ID == "" {
		return nil, fmt.Errorf("resource has no id")
	}

	patientID := referencedPatient(resource.Subject.Reference)
	if patientID == "" {
		patientID = referencedPatient(resource.Patient.Reference)
	}
	if patientID == "" && resource.ResourceType == fhir.TypePatient {
		patientID = resource.ID
	}

	return &fhir.Submission{
		ResourceID:   resource.ID,
		FullURL:      fullURL,
		ResourceType: resource.ResourceType,
		Content:      string(raw),
		ResourceJSON: string(raw),
		PatientID:    patientID,
		SourceFile:   sourceFile,
	}, nil
}

// referencedPatient extracts the patient ID from a FHIR reference like
// "Patient/123" or "urn:uuid:123".
func referencedPatient(ref string) string {
	switch {
	case strings.HasPrefix(ref, "Patient/"):
		return strings.TrimPrefix(ref, "Patient/")
	case strings.HasPrefix(ref, "urn:uuid:"):
		return strings.TrimPrefix(ref, "urn:uuid:")
	}
	return ""
}

func submitBatches(cmd *cobra.Command, client *http.Client, serverURL string, subs []*fhir.Submission, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 50
	}
	for start := 0; start < len(subs); start += batchSize {
		end := start + batchSize
		if end > len(subs) {
			end = len(subs)
		}
		if err := submitBatch(client, serverURL, subs[start:end]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "submitted %d/%d\n", end, len(subs))
	}
	return nil
}

func submitBatch(client *http.Client, serverURL string, subs []*fhir.Submission) error {
	body, err := json.Marshal(map[string]any{"submissions": subs})
	if err != nil {
		return err
	}

	// Backpressure retries: the server rejects with 503 when its queue
	// is full.
	for attempt := 0; attempt < 10; attempt++ {
		resp, err := client.Post(
			strings.TrimRight(serverURL, "/")+"/ingest",
			"application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusAccepted:
			return nil
		case http.StatusServiceUnavailable:
			time.Sleep(time.Second)
		default:
			return fmt.Errorf("server rejected batch: %d %s",
				resp.StatusCode, strings.TrimSpace(string(payload)))
		}
	}
	return fmt.Errorf("server backpressure persisted, giving up")
}
