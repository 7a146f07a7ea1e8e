// Package preflight verifies the runtime environment before the server
// starts: data directory access, the embedding provider, and the
// optional rerank service.
package preflight

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hcai-dev/fhirsearch/internal/config"
)

// CheckStatus represents the result of a preflight check.
type CheckStatus int

const (
	// StatusPass indicates the check passed successfully.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a non-critical warning.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// CheckResult holds the result of a single preflight check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Checker runs preflight checks against a configuration.
type Checker struct {
	cfg    *config.Config
	client *http.Client
}

// NewChecker creates a checker for the given configuration.
func NewChecker(cfg *config.Config) *Checker {
	return &Checker{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// RunAll executes every check and returns the results in order.
func (c *Checker) RunAll(ctx context.Context) []CheckResult {
	return []CheckResult{
		c.CheckDataDir(),
		c.CheckEmbeddings(ctx),
		c.CheckRerankService(ctx),
	}
}

// CheckDataDir verifies the data directory exists (or can be created)
// and is writable.
func (c *Checker) CheckDataDir() CheckResult {
	result := CheckResult{Name: "data_dir", Required: true}

	dir := c.cfg.Store.DataDir
	if dir == "" {
		result.Status = StatusWarn
		result.Message = "No data directory configured (in-memory only)"
		return result
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("Cannot create data directory: %v", err)
		return result
	}

	probe := filepath.Join(dir, ".preflight")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("Data directory is not writable: %v", err)
		result.Details = dir
		return result
	}
	_ = os.Remove(probe)

	result.Status = StatusPass
	result.Message = "Data directory is writable"
	result.Details = dir
	return result
}

// CheckEmbeddings verifies the embedding provider is reachable and, for
// Ollama, that the configured model is pulled.
func (c *Checker) CheckEmbeddings(ctx context.Context) CheckResult {
	result := CheckResult{Name: "embeddings", Required: true}

	if c.cfg.Embeddings.Provider == "static" {
		result.Status = StatusPass
		result.Message = "Static embeddings (no provider required)"
		return result
	}

	host := strings.TrimRight(c.cfg.Embeddings.OllamaHost, "/")
	models, err := c.ollamaModels(ctx, host)
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("Ollama is not reachable at %s", host)
		result.Details = err.Error()
		return result
	}

	model := c.cfg.Embeddings.Model
	for _, name := range models {
		if name == model || strings.HasPrefix(name, model+":") {
			result.Status = StatusPass
			result.Message = fmt.Sprintf("Ollama ready, model %s available", model)
			return result
		}
	}

	result.Status = StatusWarn
	result.Message = fmt.Sprintf("Model %s not pulled (run: ollama pull %s)", model, model)
	result.Details = fmt.Sprintf("available: %s", strings.Join(models, ", "))
	return result
}

// CheckRerankService verifies the rerank endpoint responds when one is
// configured. Reranking degrades gracefully, so this is never critical.
func (c *Checker) CheckRerankService(ctx context.Context) CheckResult {
	result := CheckResult{Name: "rerank_service", Required: false}

	endpoint := c.cfg.Rerank.Endpoint
	if endpoint == "" {
		result.Status = StatusWarn
		result.Message = "No rerank endpoint configured (rerank requests serve hybrid order)"
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(endpoint, "/")+"/health", nil)
	if err != nil {
		result.Status = StatusFail
		result.Message = err.Error()
		return result
	}
	resp, err := c.client.Do(req)
	if err != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("Rerank service not reachable at %s", endpoint)
		result.Details = err.Error()
		return result
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 500 {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("Rerank service unhealthy (%d)", resp.StatusCode)
		return result
	}
	result.Status = StatusPass
	result.Message = "Rerank service reachable"
	return result
}

// ollamaModels lists the models an Ollama instance has pulled.
func (c *Checker) ollamaModels(ctx context.Context, host string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned %d", resp.StatusCode)
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}

	names := make([]string, len(parsed.Models))
	for i, m := range parsed.Models {
		names[i] = m.Name
	}
	return names, nil
}
