package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/fragnet/internal/util"
)

// handlePing returns a simple liveness response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "fragnet",
		"role":    s.providers.Role,
		"version": util.Version,
	})
}

func (s *Server) handleGetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":        util.Version,
		"name":           "fragnet",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}
