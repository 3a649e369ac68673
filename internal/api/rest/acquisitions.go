package rest

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenInstrumentCore/internal/acquisition"
	"github.com/KevinKickass/OpenInstrumentCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type acquisitionRequest struct {
	Timeout string `json:"timeout"` // Go duration, e.g. "10s"
	Wait    bool   `json:"wait"`
}

// POST /api/v1/instruments/:name/acquisitions/:signal
func (s *Server) startAcquisition(c *gin.Context) {
	inst, ok := s.instrument(c)
	if !ok {
		return
	}
	signal := c.Param("signal")

	var req acquisitionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "Invalid request body", err)
		return
	}

	var opts acquisition.Options
	if req.Timeout != "" {
		timeout, err := time.ParseDuration(req.Timeout)
		if err != nil || timeout <= 0 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Invalid timeout", req.Timeout))
			return
		}
		opts.Timeout = timeout
	}

	if !req.Wait {
		h, err := inst.StartAcquisition(c.Request.Context(), signal, opts)
		if err != nil {
			s.respondError(c, "Failed to start acquisition", err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"message":    "Acquisition started",
			"session_id": h.ID(),
			"signal":     signal,
		})
		return
	}

	session, err := inst.Acquire(c.Request.Context(), signal, opts)
	if err != nil {
		s.logger.Warn("Acquisition failed",
			zap.String("instrument", inst.Name()),
			zap.String("signal", signal),
			zap.Error(err))
		status, code := errorStatus(err)
		c.JSON(status, types.NewErrorResponse(code, "Acquisition failed", gin.H{
			"error":   err.Error(),
			"session": session,
		}))
		return
	}

	c.JSON(http.StatusOK, session)
}

// GET /api/v1/instruments/:name/acquisitions/:signal
func (s *Server) getAcquisition(c *gin.Context) {
	inst, ok := s.instrument(c)
	if !ok {
		return
	}
	signal := c.Param("signal")

	session, found, err := inst.Session(signal)
	if err != nil {
		s.respondError(c, "Failed to get acquisition", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, "No acquisition yet", signal))
		return
	}

	c.JSON(http.StatusOK, session)
}

// DELETE /api/v1/instruments/:name/acquisitions/:signal
func (s *Server) cancelAcquisition(c *gin.Context) {
	inst, ok := s.instrument(c)
	if !ok {
		return
	}
	signal := c.Param("signal")

	cancelled, err := inst.CancelAcquisition(signal)
	if err != nil {
		s.respondError(c, "Failed to cancel acquisition", err)
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, types.NewErrorResponse(types.CodeNotRunning, "No active acquisition", signal))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Cancellation requested",
		"signal":  signal,
	})
}
