// Package http exposes the deduplicating file store over a REST API.
package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/filevault/filevault/internal/logging"
	"github.com/filevault/filevault/internal/server/models"
	"github.com/filevault/filevault/internal/server/repositories/files"
	"github.com/filevault/filevault/internal/server/services"
)

// Service is the use-case surface the transport needs. *services.FileService
// satisfies it.
type Service interface {
	Upload(ctx context.Context, r io.Reader, meta files.FileMetadata) (*services.UploadResult, error)
	Get(ctx context.Context, id string) (*models.LogicalFile, error)
	Download(ctx context.Context, id string) (*models.LogicalFile, io.ReadCloser, error)
	List(ctx context.Context, filter files.ListFilter) ([]*models.LogicalFile, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (*models.StorageStats, error)
	FileTypes(ctx context.Context) ([]string, error)
}

type Server struct {
	address         string
	service         Service
	logger          logging.Logger
	shutdownTimeout time.Duration
	engine          *gin.Engine
}

func NewServer(address string, service Service, logger logging.Logger, shutdownTimeout time.Duration) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		address:         address,
		service:         service,
		logger:          logger.With("module", "http_server"),
		shutdownTimeout: shutdownTimeout,
	}
	s.engine = s.setupRouter()
	return s
}

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/ping", s.ping)

	api := r.Group("/api/files")
	{
		api.POST("/", s.upload)
		api.GET("/", s.list)
		api.GET("/stats/", s.stats)
		api.GET("/file_types/", s.fileTypes)
		api.GET("/:id/", s.get)
		api.GET("/:id/download/", s.download)
		api.DELETE("/:id/", s.remove)
	}
	return r
}

// Router exposes the configured handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info(c.Request.Context(), "request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}

// Run serves HTTP until ctx is canceled, then drains in-flight requests for
// at most the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.address,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.address)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info(ctx, "Stopping HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
