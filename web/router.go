// Package web serves the polling surface: health, metrics, import progress
// and counter values.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/trailpost/counter"
	"github.com/deemkeen/trailpost/db"
	"github.com/deemkeen/trailpost/domain"
	"github.com/deemkeen/trailpost/metrics"
	"github.com/deemkeen/trailpost/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Database is what the routes read.
type Database interface {
	Ping(ctx context.Context) error
	ReadArchiveImport(ctx context.Context, id uuid.UUID) (*domain.StravaArchiveImport, error)
}

type Server struct {
	db       Database
	counters *counter.Engine
	log      *zap.SugaredLogger
	limiter  *RateLimiter
}

func NewServer(database Database, counters *counter.Engine, log *zap.SugaredLogger) *Server {
	return &Server{
		db:       database,
		counters: counters,
		log:      log,
		// 10 requests per second per IP, burst of 20
		limiter: NewRateLimiter(rate.Limit(10), 20),
	}
}

// Router builds the gin engine with every route installed.
func (s *Server) Router() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(s.log))
	g.Use(gzip.Gzip(gzip.DefaultCompression))
	g.Use(RateLimitMiddleware(s.limiter), MaxBytesMiddleware(1*1024*1024))

	g.GET("/healthz", s.handleHealth)
	g.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{DisableCompression: true})))
	g.GET("/imports/:id", s.handleImport)
	g.GET("/counters/*key", s.handleCounters)
	return g
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, conf *util.AppConfig) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.limiter.Cleanup(ctx, 5*time.Minute, 10*time.Minute)

	errc := make(chan error, 1)
	go func() {
		s.log.Infow("Web: listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.db.Ping(c.Request.Context()); err != nil {
		s.log.Errorw("Web: health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": util.GetVersion()})
}

type importResponse struct {
	Id                     string     `json:"id"`
	ActorId                string     `json:"actorId"`
	Status                 string     `json:"status"`
	NextActivityIndex      int        `json:"nextActivityIndex"`
	PendingMediaActivities int        `json:"pendingMediaActivities"`
	MediaAttachmentRetry   int        `json:"mediaAttachmentRetry"`
	CompletedCount         int        `json:"completedCount"`
	FailedCount            int        `json:"failedCount"`
	FirstFailureMessage    string     `json:"firstFailureMessage,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
	ResolvedAt             *time.Time `json:"resolvedAt,omitempty"`
}

func (s *Server) handleImport(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Import not found"})
		return
	}
	imp, err := s.db.ReadArchiveImport(c.Request.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Import not found"})
		return
	}
	if err != nil {
		s.log.Errorw("Web: failed to read import", "import", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, importResponse{
		Id:                     imp.Id.String(),
		ActorId:                imp.ActorId,
		Status:                 string(imp.Status),
		NextActivityIndex:      imp.NextActivityIndex,
		PendingMediaActivities: len(imp.PendingMediaActivities),
		MediaAttachmentRetry:   imp.MediaAttachmentRetry,
		CompletedCount:         imp.CompletedCount,
		FailedCount:            imp.FailedCount,
		FirstFailureMessage:    imp.FirstFailureMessage,
		CreatedAt:              imp.CreatedAt,
		UpdatedAt:              imp.UpdatedAt,
		ResolvedAt:             imp.ResolvedAt,
	})
}

// handleCounters serves one counter named in the path, or several given
// as repeated id parameters on /counters/. Keys may contain slashes since
// status and actor ids are URLs.
func (s *Server) handleCounters(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key != "" {
		value, err := s.counters.Get(c.Request.Context(), key)
		if err != nil {
			s.log.Errorw("Web: failed to read counter", "counter", key, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": key, "value": value})
		return
	}

	ids := c.QueryArray("id")
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing counter id"})
		return
	}
	values, err := s.counters.GetMany(c.Request.Context(), ids)
	if err != nil {
		s.log.Errorw("Web: failed to read counters", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, values)
}
