// Package rerank is the second retrieval stage: a cross-encoder scores
// the hybrid candidate pool and reorders it, with a fingerprint-keyed
// cache in front and graceful degradation to the hybrid order when the
// scoring service is unavailable.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ferrors "github.com/hcai-dev/fhirsearch/internal/errors"
)

// DefaultTimeout bounds one scoring call.
const DefaultTimeout = 30 * time.Second

// Provider scores query-document pairs with a cross-encoder. Scores are
// returned in document order, higher is more relevant.
type Provider interface {
	Score(ctx context.Context, query string, documents []string) ([]float64, error)
	Close() error
}

// HTTPProvider calls a cross-encoder scoring service over HTTP.
type HTTPProvider struct {
	client   *http.Client
	endpoint string
	timeout  time.Duration
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a provider against the given base URL.
func NewHTTPProvider(endpoint string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPProvider{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		endpoint: strings.TrimRight(endpoint, "/"),
		timeout:  timeout,
	}
}

type scoreRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type scoreResponse struct {
	Scores []float64 `json:"scores"`
}

// Score posts the query-document pairs and returns one score per
// document.
func (p *HTTPProvider) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	const op = "rerank.score"

	if len(documents) == 0 {
		return []float64{}, nil
	}

	body, err := json.Marshal(scoreRequest{Query: query, Documents: documents})
	if err != nil {
		return nil, ferrors.Fatal(op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, ferrors.Fatal(op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, ferrors.Classify(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, ferrors.ClassifyHTTPStatus(op, resp.StatusCode,
			fmt.Errorf("rerank service returned %d: %s",
				resp.StatusCode, strings.TrimSpace(string(payload))))
	}

	var parsed scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, ferrors.Retryable(op, err)
	}
	if len(parsed.Scores) != len(documents) {
		return nil, ferrors.Newf(ferrors.KindRetryable, op,
			"rerank service returned %d scores for %d documents",
			len(parsed.Scores), len(documents))
	}
	return parsed.Scores, nil
}

// Close releases idle connections.
func (p *HTTPProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
