package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wenwu/saas-platform/compute-lease-service/internal/config"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/logger"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/metrics"
	"github.com/wenwu/saas-platform/compute-lease-service/internal/service"
)

type Server struct {
	router      *gin.Engine
	handler     *Handler
	cfg         *config.Config
	logger      *logger.Logger
	userLimiter *RateLimiter
	httpServer  *http.Server
}

func NewServer(cfg *config.Config, log *logger.Logger, provisionService *service.ProvisionService, orderService *service.OrderService, leaseService *service.LeaseService) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(RequestLogger(log.With("http")))
	router.Use(metrics.Middleware())

	s := &Server{
		router:      router,
		handler:     NewHandler(provisionService, orderService, leaseService),
		cfg:         cfg,
		logger:      log.With("http"),
		userLimiter: NewRateLimiter(cfg.Server.RateLimitPerSecond, cfg.Server.RateLimitBurst),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "compute-lease-service",
		})
	})
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// User API - requires JWT authentication
	user := s.router.Group("/api/v1")
	user.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey))
	user.Use(RateLimitMiddleware(s.userLimiter))
	{
		user.POST("/resources/custom", s.handler.CreateCustomResource)
		user.GET("/resources/:id/status", s.handler.GetResourceStatus)
		user.GET("/resources/:id/connection", s.handler.GetConnectionDetails)
		user.GET("/resources/:id/lease", s.handler.GetLease)
		user.GET("/resources/:id/console", s.handler.GetConsoleTicket)
		user.POST("/resources/:id/release", s.handler.ReleaseResource)
		user.GET("/allocations", s.handler.ListMyAllocations)

		user.POST("/orders", s.handler.CreateOrder)
		user.GET("/orders", s.handler.ListMyOrders)
		user.GET("/orders/:id", s.handler.GetMyOrder)
	}

	// Internal API - operators and sibling services (payment, admin portal)
	internal := s.router.Group("/api/internal")
	internal.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internal.POST("/resources", s.handler.CreateResource)
		internal.GET("/resources", s.handler.ListResources)
		internal.GET("/resources/:id", s.handler.GetResource)
		internal.DELETE("/resources/:id", s.handler.DeleteResource)
		internal.GET("/resources/:id/history", s.handler.GetResourceHistory)
		internal.GET("/capacity", s.handler.GetCapacity)

		internal.PATCH("/orders/:id", s.handler.UpdateOrder)
		internal.POST("/orders/:id/accept", s.handler.AcceptOrder)
		internal.PUT("/orders/:id/payment", s.handler.UpdatePayment)
		internal.DELETE("/orders/:id", s.handler.DeleteOrder)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.cleanupLimiters(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) cleanupLimiters(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.userLimiter.Cleanup()
		}
	}
}
