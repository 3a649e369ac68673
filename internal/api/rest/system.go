package rest

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, status)
}

// POST /api/v1/system/reload
func (s *Server) reloadCatalogs(c *gin.Context) {
	if err := s.lm.ReloadCatalogs(); err != nil {
		s.respondError(c, "Catalog reload failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Catalogs reloaded",
	})
}

// POST /api/v1/system/shutdown
func (s *Server) shutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Shutdown initiated",
	})

	// The request context ends with this handler.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.lm.Config().Server.ShutdownTimeout)
		defer cancel()
		s.lm.Shutdown(ctx)
	}()
}
