package server

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dudu/faceswap/internal/pipeline"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
	facesKey        = "faces"
	timingKey       = "timing"
)

// requestID propagates the caller's X-Request-ID or assigns a new one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"request_id", c.GetString(requestIDKey),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"bytes", c.Writer.Size(),
			"latency", time.Since(start).Round(time.Microsecond),
		}
		if faces, ok := c.Get(facesKey); ok {
			attrs = append(attrs, "faces", faces)
		}
		if v, ok := c.Get(timingKey); ok {
			if t, ok := v.(pipeline.Timing); ok {
				attrs = append(attrs,
					"detection", t.Detection.Round(time.Millisecond),
					"swap", t.Swap.Round(time.Millisecond),
				)
			}
		}

		level := slog.LevelInfo
		if c.Writer.Status() >= 500 {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "request", attrs...)
	}
}
