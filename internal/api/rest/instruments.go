package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/KevinKickass/OpenInstrumentCore/internal/instrument"
	"github.com/KevinKickass/OpenInstrumentCore/internal/storage"
	"github.com/KevinKickass/OpenInstrumentCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// instrument resolves the :name parameter or answers 404.
func (s *Server) instrument(c *gin.Context) (*instrument.Instrument, bool) {
	name := c.Param("name")
	inst, ok := s.lm.Instruments().Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, "Instrument not found", name))
		return nil, false
	}
	return inst, true
}

// GET /api/v1/instruments
func (s *Server) listInstruments(c *gin.Context) {
	manager := s.lm.Instruments()
	list := manager.List()

	response := make([]gin.H, 0, len(list))
	for _, inst := range list {
		cat := inst.Catalog()
		response = append(response, gin.H{
			"id":        inst.ID,
			"name":      inst.Name(),
			"model":     cat.Instrument.Model,
			"vendor":    cat.Instrument.Vendor,
			"connected": manager.Connected(inst.Name()),
			"busy":      inst.Busy(),
			"signals":   len(cat.Signals()),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"instruments": response,
		"count":       len(response),
	})
}

// GET /api/v1/instruments/:name
func (s *Server) getInstrument(c *gin.Context) {
	inst, ok := s.instrument(c)
	if !ok {
		return
	}
	cat := inst.Catalog()

	c.JSON(http.StatusOK, gin.H{
		"id":          inst.ID,
		"name":        inst.Name(),
		"instrument":  cat.Instrument,
		"catalog":     inst.CatalogPath(),
		"connected":   s.lm.Instruments().Connected(inst.Name()),
		"busy":        inst.Busy(),
		"stage":       cat.Stage,
		"diagnostics": cat.Diagnostics,
		"last_values": inst.LastValues(),
	})
}

// GET /api/v1/instruments/:name/signals
func (s *Server) listSignals(c *gin.Context) {
	inst, ok := s.instrument(c)
	if !ok {
		return
	}
	signals := inst.Signals()

	c.JSON(http.StatusOK, gin.H{
		"signals": signals,
		"count":   len(signals),
	})
}

// GET /api/v1/instruments/:name/signals/:signal
func (s *Server) readSignal(c *gin.Context) {
	inst, ok := s.instrument(c)
	if !ok {
		return
	}
	signal := c.Param("signal")

	value, err := inst.Get(c.Request.Context(), signal)
	if err != nil {
		s.respondError(c, "Failed to read signal", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"signal":    signal,
		"value":     value,
		"timestamp": time.Now().Unix(),
	})
}

// PUT /api/v1/instruments/:name/signals/:signal
func (s *Server) writeSignal(c *gin.Context) {
	inst, ok := s.instrument(c)
	if !ok {
		return
	}
	signal := c.Param("signal")

	var req struct {
		Value any `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	if err := inst.Set(c.Request.Context(), signal, req.Value); err != nil {
		s.logger.Warn("Signal write failed",
			zap.String("instrument", inst.Name()),
			zap.String("signal", signal),
			zap.Error(err))
		s.respondError(c, "Failed to write signal", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Signal written successfully",
		"signal":  signal,
		"value":   req.Value,
	})
}

// POST /api/v1/instruments/:name/stage
func (s *Server) stageInstrument(c *gin.Context) {
	inst, ok := s.instrument(c)
	if !ok {
		return
	}

	if err := inst.Stage(c.Request.Context()); err != nil {
		s.respondError(c, "Staging failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":  "Instrument staged",
		"settings": len(inst.Catalog().Stage),
	})
}

// POST /api/v1/instruments/:name/reload
func (s *Server) reloadInstrument(c *gin.Context) {
	name := c.Param("name")

	if err := s.lm.Instruments().Reload(name); err != nil {
		s.respondError(c, "Catalog reload failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Catalog reloaded",
	})
}

// GET /api/v1/instruments/:name/history?signal=&limit=
func (s *Server) listHistory(c *gin.Context) {
	inst, ok := s.instrument(c)
	if !ok {
		return
	}

	recorder := s.lm.Recorder()
	if recorder == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(types.CodeHistoryDisabled, "Acquisition history not available", nil))
		return
	}

	filter := storage.ListFilter{Instrument: inst.Name(), Signal: c.Query("signal")}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Invalid limit", raw))
			return
		}
		filter.Limit = limit
	}

	records, err := recorder.ListAcquisitions(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, "Failed to load history", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"acquisitions": records,
		"count":        len(records),
	})
}
