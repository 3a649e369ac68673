package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenInstrumentCore/internal/api/websocket"
	"github.com/KevinKickass/OpenInstrumentCore/internal/auth"
	"github.com/KevinKickass/OpenInstrumentCore/internal/config"
	"github.com/KevinKickass/OpenInstrumentCore/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.Service
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.Service) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	// Blocking acquisitions can run for the acquisition timeout; the write
	// timeout leaves room for it.
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Acquisition.DefaultTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// ==================== SYSTEM ====================
		system := v1.Group("/system")
		system.Use(s.authService.Middleware())
		{
			system.GET("/status", auth.RequirePermission(auth.PermRead), s.getSystemStatus)
			system.POST("/reload", auth.RequirePermission(auth.PermWrite), s.reloadCatalogs)
			system.POST("/shutdown", auth.RequirePermission(auth.PermWrite), s.shutdown)
		}

		// ==================== INSTRUMENTS ====================
		instruments := v1.Group("/instruments")
		instruments.Use(s.authService.Middleware())
		{
			// Read: viewer+
			instruments.GET("", auth.RequirePermission(auth.PermRead), s.listInstruments)
			instruments.GET("/:name", auth.RequirePermission(auth.PermRead), s.getInstrument)
			instruments.GET("/:name/signals", auth.RequirePermission(auth.PermRead), s.listSignals)
			instruments.GET("/:name/signals/:signal", auth.RequirePermission(auth.PermRead), s.readSignal)
			instruments.GET("/:name/acquisitions/:signal", auth.RequirePermission(auth.PermRead), s.getAcquisition)
			instruments.GET("/:name/history", auth.RequirePermission(auth.PermRead), s.listHistory)

			// Acquire: operator+
			instruments.POST("/:name/acquisitions/:signal", auth.RequirePermission(auth.PermAcquire), s.startAcquisition)
			instruments.DELETE("/:name/acquisitions/:signal", auth.RequirePermission(auth.PermAcquire), s.cancelAcquisition)

			// Write: technician
			instruments.PUT("/:name/signals/:signal", auth.RequirePermission(auth.PermWrite), s.writeSignal)
			instruments.POST("/:name/stage", auth.RequirePermission(auth.PermWrite), s.stageInstrument)
			instruments.POST("/:name/reload", auth.RequirePermission(auth.PermWrite), s.reloadInstrument)
		}

		// ==================== WEBSOCKET (auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.authService.Middleware(), auth.RequirePermission(auth.PermRead), s.wsStatus)
		}
	}
}

func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
