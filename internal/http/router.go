package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ip2tor/shop/internal/config"
)

// RateLimiter is a simple in-memory sliding window limiter
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow reports whether key may make another request
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.window)

	var valid []time.Time
	for _, t := range rl.requests[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

// RateLimitMiddleware limits per token subject, or per client IP for
// anonymous requests
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString(ctxSubject)
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, please try again later",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

type Server struct {
	router  *gin.Engine
	handler *Handler
	cfg     *config.Config

	publicLimiter *RateLimiter
	orderLimiter  *RateLimiter
}

func NewServer(cfg *config.Config, services Services) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:  router,
		handler: NewHandler(services, cfg.Server.BaseURL, cfg.Media.URL),
		cfg:     cfg,
		// public reads: 60 per minute and IP
		publicLimiter: NewRateLimiter(60, time.Minute),
		// order creation: 10 per hour and IP
		orderLimiter: NewRateLimiter(10, time.Hour),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "ip2tor-shop",
		})
	})

	if s.cfg.Media.Dir != "" {
		s.router.Static("/media", s.cfg.Media.Dir)
	}

	// Public API - no authentication required
	public := s.router.Group("/api/v1/public")
	public.Use(RateLimitMiddleware(s.publicLimiter))
	{
		public.GET("/hosts", s.handler.ListHosts)
		public.GET("/hosts/:id", s.handler.GetHost)

		public.POST("/orders", RateLimitMiddleware(s.orderLimiter), s.handler.CreateOrder)
		public.GET("/orders/:id", s.handler.GetOrder)
		public.GET("/invoices/:id", s.handler.GetInvoice)

		public.GET("/bridges/:id", s.handler.GetBridge)
		public.POST("/bridges/:id/extend", RateLimitMiddleware(s.orderLimiter), s.handler.ExtendBridge)
	}

	// Host API - called by the agents on the bridge hosts
	host := s.router.Group("/api/v1/host")
	host.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey, RoleHost))
	{
		host.POST("/check-in", s.handler.CheckIn)
		host.GET("/bridges", s.handler.ListHostBridges)
		host.POST("/bridges/:id/status", s.handler.ReportBridgeStatus)
		host.GET("/monitoring", s.handler.Monitoring)
	}

	// Admin API - operator tooling
	admin := s.router.Group("/api/v1/admin")
	admin.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey, RoleAdmin))
	{
		admin.POST("/orders/:id/status", s.handler.SetOrderStatus)
		admin.POST("/bridges/:id/status", s.handler.SetBridgeStatus)
		admin.GET("/stats", s.handler.Stats)
		admin.POST("/sweep", s.handler.Sweep)
		admin.GET("/logs/:type/:id", s.handler.AuditLog)
		admin.GET("/tables", s.handler.Tables)
	}
}

// Handler returns the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "http").Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
