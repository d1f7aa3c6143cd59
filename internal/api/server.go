package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/lims-autoverify-server/internal/audit"
	"github.com/lims-autoverify-server/internal/database"
	"github.com/lims-autoverify-server/internal/domain"
	"github.com/lims-autoverify-server/internal/middleware"
	"github.com/lims-autoverify-server/internal/service"
)

// Server represents the HTTP server
type Server struct {
	config       *domain.Config
	logger       *logrus.Logger
	verification *service.VerificationService
	auditStore   audit.Store
	signals      *service.SignalRegistry
	db           *database.DB
	router       *gin.Engine
	server       *http.Server
}

// NewServer creates a new HTTP server instance
func NewServer(
	config *domain.Config,
	logger *logrus.Logger,
	verification *service.VerificationService,
	auditStore audit.Store,
	signals *service.SignalRegistry,
	db *database.DB,
) *Server {
	// Set Gin mode based on environment
	if config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware
	router.Use(middleware.AuditLogger())
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CorrelationID())
	router.Use(corsMiddleware())

	server := &Server{
		config:       config,
		logger:       logger,
		verification: verification,
		auditStore:   auditStore,
		signals:      signals,
		db:           db,
		router:       router,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.config.Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.GET("/health", s.handleHealth)

	// API v1 routes
	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/results/verify", s.handleVerifyResult)
		v1.POST("/results/:id/acknowledge", s.handleAcknowledgeCritical)

		v1.POST("/qc/results", s.handleRecordQCResult)
		v1.GET("/qc/:testId/levels/:levelId/statistics", s.handleGetQCStatistics)
		v1.GET("/qc/:testId/levels/:levelId/points", s.handleGetQCPoints)

		v1.PUT("/instruments/:id/status", s.handleSetInstrumentStatus)
		v1.PUT("/samples/:id/integrity", s.handleSetSampleIntegrity)
		v1.PUT("/samples/:id/consistency", s.handleSetSampleConsistency)

		v1.GET("/audit/decisions/:testId", s.handleListDecisions)
		v1.GET("/audit/export", s.handleExportDecisions)
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK

	if s.db != nil {
		if err := s.db.Health(c.Request.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   "1.0.0",
	})
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")
		c.Header("Access-Control-Expose-Headers", "Content-Length")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
