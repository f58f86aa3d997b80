// Package server exposes the deskgate edge over HTTP: the session-scoped
// management API, the desktop relay and tunnel routes, and the operational
// endpoints (health, metrics, front-proxy target lookup).
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/projecteru2/core/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juliankiedaisch/deskgate/allocator"
	"github.com/juliankiedaisch/deskgate/config"
	"github.com/juliankiedaisch/deskgate/registry"
	"github.com/juliankiedaisch/deskgate/relay"
	"github.com/juliankiedaisch/deskgate/resolver"
	"github.com/juliankiedaisch/deskgate/tunnel"
)

const shutdownGrace = 10 * time.Second

// Server is the deskgate edge server.
type Server struct {
	conf     *config.Config
	registry *registry.Registry
	alloc    *allocator.Allocator
	resolver *resolver.Resolver
	relay    *relay.Relay
	tunnel   *tunnel.Tunnel
	hub      *Hub
	router   *gin.Engine
	started  time.Time
}

// New wires the edge server. hub must be the same sink the allocator
// publishes to, so connected API clients see lifecycle events.
func New(conf *config.Config, reg *registry.Registry, alloc *allocator.Allocator, hub *Hub) *Server {
	s := &Server{
		conf:     conf,
		registry: reg,
		alloc:    alloc,
		resolver: resolver.New(reg, conf),
		relay:    relay.New(conf),
		tunnel:   tunnel.New(conf),
		hub:      hub,
		started:  time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on the configured listen address until ctx is canceled, then
// drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	logger := log.WithFunc("server.Run")

	srv := &http.Server{
		Addr:              s.conf.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Infof(ctx, "edge listening on %s", s.conf.Listen)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Infof(ctx, "draining connections")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.resolver.Root()), requestMetrics())
	if len(s.conf.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     s.conf.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Session-ID", "X-API-Key"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/healthz", s.handleHealthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		edge := api.Group("/edge", s.requireAPIKey())
		edge.GET("/target/:proxyPath", s.handleEdgeTarget)

		desktops := api.Group("/desktops", s.requireSession())
		desktops.POST("/start", s.handleDesktopStart)
		desktops.GET("", s.handleDesktopList)
		desktops.GET("/:id/status", s.handleDesktopStatus)
		desktops.POST("/:id/stop", s.handleDesktopStop)
		desktops.DELETE("/:id", s.handleDesktopDelete)

		api.GET("/images", s.requireSession(), s.handleImageList)
		api.GET("/events", s.requireSession(), s.handleEvents)
	}

	// Explicit desktop paths. Everything else (host labels, upgrade
	// requests that lost their path context) lands in NoRoute.
	root := s.resolver.Root()
	r.Any(root+"/:proxyPath", s.handleDesktopProxy)
	r.Any(root+"/:proxyPath/*sub", s.handleDesktopProxy)
	r.NoRoute(s.handleCatchall)

	return r
}
