// Package server exposes ingestion, retrieval, and observability over
// HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hcai-dev/fhirsearch/internal/config"
	ferrors "github.com/hcai-dev/fhirsearch/internal/errors"
	"github.com/hcai-dev/fhirsearch/internal/fhir"
	"github.com/hcai-dev/fhirsearch/internal/queue"
	"github.com/hcai-dev/fhirsearch/internal/rerank"
	"github.com/hcai-dev/fhirsearch/internal/search"
	"github.com/hcai-dev/fhirsearch/internal/store"
	"github.com/hcai-dev/fhirsearch/pkg/version"
)

// Deps are the wired components the server fronts.
type Deps struct {
	Engine   *search.Engine
	Queue    *queue.Queue
	Reranker *rerank.Reranker
	Store    *store.Store
	Logger   *slog.Logger
}

// Server is the fhirsearch HTTP API.
type Server struct {
	engine   *search.Engine
	queue    *queue.Queue
	reranker *rerank.Reranker
	store    *store.Store
	log      *slog.Logger
	http     *http.Server
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		engine:   deps.Engine,
		queue:    deps.Queue,
		reranker: deps.Reranker,
		store:    deps.Store,
		log:      log,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestID(), accessLog(log), gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.POST("/ingest", s.handleIngest)

	retrieve := router.Group("/retrieve")
	retrieve.POST("/dense", s.retrieveWith(s.engine.Dense))
	retrieve.POST("/sparse", s.retrieveWith(s.engine.Sparse))
	retrieve.POST("/hybrid", s.retrieveWith(s.engine.Hybrid))
	retrieve.POST("/timeline", s.handleTimeline)
	retrieve.POST("/rerank", s.handleRerank)

	stats := router.Group("/stats")
	stats.GET("/store", s.handleStoreStats)
	stats.GET("/queue", s.handleQueueStats)
	stats.GET("/rerank-cache", s.handleRerankStats)

	router.GET("/dead-letters", s.handleDeadLetters)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, used directly in tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", slog.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Version,
	})
}

// ingestRequest accepts either a single submission or a batch.
type ingestRequest struct {
	Submissions []*fhir.Submission `json:"submissions"`
}

func (s *Server) handleIngest(c *gin.Context) {
	var batch ingestRequest
	if err := c.ShouldBindBodyWithJSON(&batch); err != nil || len(batch.Submissions) == 0 {
		var single fhir.Submission
		if err := c.ShouldBindBodyWithJSON(&single); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"status": "rejected",
				"reason": "malformed JSON body",
			})
			return
		}
		batch.Submissions = []*fhir.Submission{&single}
	}

	accepted := 0
	for _, sub := range batch.Submissions {
		if err := s.queue.Submit(c.Request.Context(), sub); err != nil {
			switch ferrors.KindOf(err) {
			case ferrors.KindQueueFull:
				c.Header("Retry-After", "1")
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":   "rejected",
					"reason":   "queue_full",
					"accepted": accepted,
				})
			case ferrors.KindValidation:
				c.JSON(http.StatusBadRequest, gin.H{
					"status":   "rejected",
					"reason":   err.Error(),
					"accepted": accepted,
				})
			default:
				_ = c.Error(err)
				c.JSON(http.StatusInternalServerError, gin.H{
					"status": "error",
					"reason": "internal error",
				})
			}
			return
		}
		accepted++
	}

	resp := gin.H{
		"status":   "accepted",
		"accepted": accepted,
	}
	if len(batch.Submissions) == 1 {
		sub := batch.Submissions[0]
		resp["id"] = sub.ResourceID
		resp["resourceType"] = sub.ResourceType
		resp["contentLength"] = len(sub.Content)
	}
	c.JSON(http.StatusAccepted, resp)
}

// retrieveWith adapts one engine operation to an HTTP handler.
func (s *Server) retrieveWith(run func(context.Context, search.Request) ([]search.Result, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req search.Request
		if err := c.ShouldBindBodyWithJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON body"})
			return
		}

		results, err := run(c.Request.Context(), req)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"results": results,
			"count":   len(results),
		})
	}
}

func (s *Server) handleTimeline(c *gin.Context) {
	var req search.TimelineRequest
	if err := c.ShouldBindBodyWithJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON body"})
		return
	}

	results, err := s.engine.Timeline(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"count":   len(results),
	})
}

// rerankRequest accepts k_return as the result-count alias used by the
// rerank endpoint.
type rerankRequest struct {
	search.Request
	KReturn int `json:"k_return"`
}

func (s *Server) handleRerank(c *gin.Context) {
	var req rerankRequest
	if err := c.ShouldBindBodyWithJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON body"})
		return
	}
	if req.KReturn > 0 {
		req.K = req.KReturn
	}

	resp, err := s.reranker.Rerank(c.Request.Context(), req.Request)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"results":  resp.Results,
		"count":    len(resp.Results),
		"reranked": resp.Reranked,
	})
}

func (s *Server) handleStoreStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleQueueStats(c *gin.Context) {
	stats, err := s.queue.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleRerankStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.reranker.Stats())
}

func (s *Server) handleDeadLetters(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if err := parsePositive(v, &limit); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
	}

	letters, err := s.queue.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if letters == nil {
		letters = []*queue.DeadLetter{}
	}
	c.JSON(http.StatusOK, gin.H{
		"dead_letters": letters,
		"count":        len(letters),
	})
}

func parsePositive(v string, out *int) error {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return errors.New("not a positive integer")
	}
	*out = n
	return nil
}

// writeError maps the error taxonomy to HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	switch ferrors.KindOf(err) {
	case ferrors.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case ferrors.KindRetryable, ferrors.KindQueueFull:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
