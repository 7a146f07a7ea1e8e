package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hcai-dev/fhirsearch/internal/chunk"
	"github.com/hcai-dev/fhirsearch/internal/config"
	"github.com/hcai-dev/fhirsearch/internal/embed"
	"github.com/hcai-dev/fhirsearch/internal/logging"
	"github.com/hcai-dev/fhirsearch/internal/queue"
	"github.com/hcai-dev/fhirsearch/internal/rerank"
	"github.com/hcai-dev/fhirsearch/internal/search"
	"github.com/hcai-dev/fhirsearch/internal/server"
	"github.com/hcai-dev/fhirsearch/internal/store"
)

// newServeCmd creates the serve command.
func newServeCmd() *cobra.Command {
	var addr string
	var dataDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion and retrieval server",
		Long: `Start the fhirsearch HTTP server: ingestion queue workers, the
hybrid retrieval engine, and the observability endpoints.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if dataDir != "" {
				cfg.Store.DataDir = dataDir
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log, logCleanup, err := logging.Setup(logging.Options{
		Level:     cfg.Logging.Level,
		FilePath:  cfg.Logging.FilePath,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
		Stderr:    true,
	})
	if err != nil {
		return err
	}
	defer logCleanup()
	slog.SetDefault(log)

	st, err := store.Open(store.Options{
		DataDir:       cfg.Store.DataDir,
		SparseBackend: cfg.Store.SparseBackend,
		Dimensions:    cfg.Embeddings.Dimensions,
		Pool: store.PoolConfig{
			Size:           cfg.Store.PoolSize,
			Overflow:       cfg.Store.PoolOverflow,
			AcquireTimeout: cfg.Store.PoolAcquireTimeout,
		},
		Logger: log,
	})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	embedder, err := embed.New(cfg.Embeddings)
	if err != nil {
		return err
	}
	defer func() { _ = embedder.Close() }()

	journal, err := queue.NewJournal(filepath.Join(cfg.Store.DataDir, "journal.db"))
	if err != nil {
		return err
	}
	defer func() { _ = journal.Close() }()

	chunker := chunk.New(cfg.Chunker.MinSize, cfg.Chunker.MaxSize, cfg.Chunker.Overlap)
	proc := queue.NewProcessor(chunker, embedder, st, log)
	q := queue.New(cfg.Queue, journal, proc, log)
	if err := q.Start(ctx); err != nil {
		return err
	}

	engine := search.NewEngine(st, embedder, cfg.Search, log)

	var provider rerank.Provider
	if cfg.Rerank.Endpoint != "" {
		provider = rerank.NewHTTPProvider(cfg.Rerank.Endpoint, cfg.Rerank.Timeout)
	}
	reranker := rerank.New(engine, provider, cfg.Rerank, cfg.Search.KRetrieve, log)
	defer func() { _ = reranker.Close() }()

	srv := server.New(cfg.Server, server.Deps{
		Engine:   engine,
		Queue:    q,
		Reranker: reranker,
		Store:    st,
		Logger:   log,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		_ = q.Shutdown(ctx)
		return err
	case sig := <-sigCh:
		log.Info("shutting down", slog.String("signal", sig.String()))
	case <-ctx.Done():
		log.Info("shutting down", slog.String("reason", "context canceled"))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", slog.String("error", err.Error()))
	}
	if err := q.Shutdown(shutdownCtx); err != nil {
		log.Warn("queue drain incomplete", slog.String("error", err.Error()))
	}
	return nil
}
