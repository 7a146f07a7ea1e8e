package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcai-dev/fhirsearch/internal/config"
)

func TestCheckStatus_String(t *testing.T) {
	assert.Equal(t, "PASS", StatusPass.String())
	assert.Equal(t, "WARN", StatusWarn.String())
	assert.Equal(t, "FAIL", StatusFail.String())
	assert.Equal(t, "UNKNOWN", CheckStatus(99).String())
}

func TestCheckResult_IsCritical(t *testing.T) {
	assert.True(t, CheckResult{Required: true, Status: StatusFail}.IsCritical())
	assert.False(t, CheckResult{Required: true, Status: StatusWarn}.IsCritical())
	assert.False(t, CheckResult{Required: false, Status: StatusFail}.IsCritical())
}

func TestCheckDataDir_Writable(t *testing.T) {
	cfg := config.Default()
	cfg.Store.DataDir = filepath.Join(t.TempDir(), "data")

	result := NewChecker(cfg).CheckDataDir()
	assert.Equal(t, StatusPass, result.Status)
	assert.Equal(t, cfg.Store.DataDir, result.Details)
}

func TestCheckDataDir_Empty(t *testing.T) {
	cfg := config.Default()
	cfg.Store.DataDir = ""

	result := NewChecker(cfg).CheckDataDir()
	assert.Equal(t, StatusWarn, result.Status)
}

func TestCheckEmbeddings_StaticProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Embeddings.Provider = "static"

	result := NewChecker(cfg).CheckEmbeddings(context.Background())
	assert.Equal(t, StatusPass, result.Status)
}

func TestCheckEmbeddings_OllamaModelAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[{"name":"mxbai-embed-large:latest"}]}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Embeddings.OllamaHost = srv.URL

	result := NewChecker(cfg).CheckEmbeddings(context.Background())
	assert.Equal(t, StatusPass, result.Status)
	assert.Contains(t, result.Message, "mxbai-embed-large")
}

func TestCheckEmbeddings_ModelMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:latest"}]}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Embeddings.OllamaHost = srv.URL

	result := NewChecker(cfg).CheckEmbeddings(context.Background())
	assert.Equal(t, StatusWarn, result.Status)
	assert.Contains(t, result.Message, "ollama pull")
}

func TestCheckEmbeddings_Unreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Embeddings.OllamaHost = "http://127.0.0.1:1"

	result := NewChecker(cfg).CheckEmbeddings(context.Background())
	assert.Equal(t, StatusFail, result.Status)
	assert.True(t, result.IsCritical())
}

func TestCheckRerankService_NotConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.Rerank.Endpoint = ""

	result := NewChecker(cfg).CheckRerankService(context.Background())
	assert.Equal(t, StatusWarn, result.Status)
	assert.False(t, result.IsCritical())
}

func TestCheckRerankService_Reachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Rerank.Endpoint = srv.URL

	result := NewChecker(cfg).CheckRerankService(context.Background())
	assert.Equal(t, StatusPass, result.Status)
}

func TestCheckRerankService_Unreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Rerank.Endpoint = "http://127.0.0.1:1"

	result := NewChecker(cfg).CheckRerankService(context.Background())
	assert.Equal(t, StatusWarn, result.Status)
	assert.False(t, result.IsCritical())
}

func TestRunAll_Order(t *testing.T) {
	cfg := config.Default()
	cfg.Store.DataDir = t.TempDir()
	cfg.Embeddings.Provider = "static"

	results := NewChecker(cfg).RunAll(context.Background())
	require.Len(t, results, 3)
	assert.Equal(t, "data_dir", results[0].Name)
	assert.Equal(t, "embeddings", results[1].Name)
	assert.Equal(t, "rerank_service", results[2].Name)
}
