// Package server exposes the bridge admin HTTP surface.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/danmuck/bacbridge/internal/auth"
	"github.com/danmuck/bacbridge/internal/observability"
	"github.com/danmuck/bacbridge/internal/protocol/session"
)

const version = "0.1.0"

// SessionView is the read side of a bridge session.
type SessionView interface {
	ID() string
	Ready() bool
	Pending() []session.PendingSnapshot
}

type Admin struct {
	ID       string
	Addr     string
	Appeared time.Time

	sess   SessionView
	router *gin.Engine
	logger zerolog.Logger
	auth   auth.Validator
}

type Option func(*Admin)

// WithAuth requires a bearer token on every route except /health and
// /ready.
func WithAuth(v auth.Validator) Option {
	return func(a *Admin) {
		a.auth = v
	}
}

// New builds the admin router. CORS is enabled only when origins are
// given.
func New(id, addr string, corsOrigins []string, sess SessionView, logger zerolog.Logger, opts ...Option) *Admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware(sess.ID()))
	if len(corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: corsOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		sess:     sess,
		router:   r,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.RegisterRoutes()
	return a
}

// NodeID and Kind identify this bridge in health output and logs.
func (a *Admin) NodeID() string {
	return a.ID
}

func (a *Admin) Kind() string {
	return "bacbridge"
}

func (a *Admin) HTTPRouter() *gin.Engine {
	return a.router
}

func (a *Admin) RegisterRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.Appeared).String(),
			"bridge":  a.NodeID(),
			"kind":    a.Kind(),
			"session": a.sess.ID(),
			"version": version,
		})
	})

	a.router.GET("/ready", func(c *gin.Context) {
		ready := a.sess.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"session": a.sess.ID(),
		})
	})

	protected := a.router.Group("/")
	if a.auth != nil {
		protected.Use(auth.Middleware(a.auth))
	}

	protected.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected.GET("/pending", func(c *gin.Context) {
		pending := a.sess.Pending()
		c.JSON(http.StatusOK, gin.H{
			"session": a.sess.ID(),
			"count":   len(pending),
			"pending": pending,
		})
	})
}

// Serve listens on Addr until ctx is cancelled, then shuts down.
func (a *Admin) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.Addr).Msg("admin listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
