package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/gin-gonic/gin"
	"gocv.io/x/gocv"

	"github.com/dudu/faceswap/internal/models"
	"github.com/dudu/faceswap/internal/pipeline"
)

// SwapPipeline runs one swap request.
type SwapPipeline interface {
	Swap(ctx context.Context, source, target gocv.Mat) (*pipeline.Result, error)
}

// StateFunc reports the model lifecycle state.
type StateFunc func() models.State

// Options configures the HTTP server.
type Options struct {
	Addr           string
	Workers        int
	MaxUploadBytes int64
	JPEGQuality    int
	ShutdownGrace  time.Duration
}

// Server serves the swap API and the upload page.
type Server struct {
	opts     Options
	engine   *gin.Engine
	pool     *workerpool.WorkerPool
	pipeline SwapPipeline
	state    StateFunc
	logger   *slog.Logger
}

// New builds the gin engine and the worker pool that bounds concurrent
// swap jobs.
func New(opts Options, p SwapPipeline, state StateFunc, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	s := &Server{
		opts:     opts,
		pool:     workerpool.New(opts.Workers),
		pipeline: p,
		state:    state,
		logger:   logger,
	}

	engine := gin.New()
	if err := s.setupRoutes(engine); err != nil {
		s.pool.Stop()
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then drains in-flight requests and
// queued swap jobs.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("server listening", "addr", s.opts.Addr, "workers", s.opts.Workers)

	select {
	case err := <-errCh:
		s.pool.Stop()
		if err != nil {
			return fmt.Errorf("failed to serve on %s: %w", s.opts.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down gracefully")
	grace := s.opts.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	err := server.Shutdown(shutdownCtx)
	s.pool.StopWait()
	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.logger.Info("server exited")
	return nil
}

// Close stops the worker pool after queued jobs finish. Run does this itself;
// Close is for servers used only through Handler.
func (s *Server) Close() {
	s.pool.StopWait()
}

// submit runs fn on the worker pool and waits for it.
func (s *Server) submit(fn func()) {
	s.pool.SubmitWait(fn)
}
