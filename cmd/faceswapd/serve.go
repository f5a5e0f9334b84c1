package main

import (
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/dudu/faceswap/internal/models"
	"github.com/dudu/faceswap/internal/pipeline"
	"github.com/dudu/faceswap/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load the models and serve the swap API",
	RunE:  runServe,
}

func init() {
	for _, c := range []*cobra.Command{rootCmd, serveCmd} {
		flags := c.Flags()
		flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
		flags.IntVar(&cfg.Workers, "workers", cfg.Workers, "concurrent swap jobs")
		flags.IntVar(&cfg.JPEGQuality, "jpeg-quality", cfg.JPEGQuality, "JPEG quality of the result")
		flags.DurationVar(&cfg.ModelTimeout, "model-timeout", cfg.ModelTimeout, "limit for each model call, 0 for none")
		flags.Int64Var(&cfg.MaxUploadBytes, "max-upload-bytes", cfg.MaxUploadBytes, "request body size limit")
		flags.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "time allowed for in-flight requests on shutdown")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	manager := models.NewManager(
		models.ArtifactsFor(cfg),
		models.NewHTTPFetcher(),
		models.NewONNXBuilder(cfg, logger),
		logger,
		models.WithProgress(os.Stderr),
	)
	// Serving never starts without models.
	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize models: %w", err)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("failed to release models", "err", err)
		}
	}()

	p := pipeline.New(manager.Detector(), manager.Synthesizer(), pipeline.Config{
		ModelTimeout: cfg.ModelTimeout,
	})

	srv, err := server.New(server.Options{
		Addr:           cfg.Addr,
		Workers:        cfg.Workers,
		MaxUploadBytes: cfg.MaxUploadBytes,
		JPEGQuality:    cfg.JPEGQuality,
		ShutdownGrace:  cfg.ShutdownGrace,
	}, p, manager.State, logger)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
