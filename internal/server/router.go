package server

import (
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/dudu/faceswap/internal/models"
	"github.com/dudu/faceswap/web"
)

func (s *Server) setupRoutes(router *gin.Engine) error {
	index, err := web.IndexHTML()
	if err != nil {
		return fmt.Errorf("failed to load upload page: %w", err)
	}

	router.Use(requestID())
	router.Use(accessLog(s.logger))
	router.Use(gin.CustomRecovery(s.recoverPanic))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", requestIDHeader}
	corsConfig.ExposeHeaders = []string{"Content-Disposition", requestIDHeader}
	router.Use(cors.New(corsConfig))

	router.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", index)
	})
	router.StaticFS("/static", http.FS(web.Static()))
	router.GET("/healthz", s.handleHealth)
	router.POST("/swap_faces/", s.handleSwapFaces)

	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	state := s.state()
	status := http.StatusOK
	if state != models.StateReady {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": state.String()})
}

func (s *Server) recoverPanic(c *gin.Context, recovered any) {
	s.logger.Error("panic while serving request",
		"request_id", c.GetString(requestIDKey),
		"path", c.Request.URL.Path,
		"panic", recovered,
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error."})
}
