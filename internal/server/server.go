// Package server exposes a connected session over a small HTTP status API.
package server

import (
	"strings"
	"time"

	"github.com/danmuck/m1n1ctl/internal/config"
	"github.com/danmuck/m1n1ctl/internal/observability"
	"github.com/danmuck/m1n1ctl/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const version = "0.1.0"

type Status struct {
	cfg      config.ServeConfig
	sess     *session.Session
	router   *gin.Engine
	appeared time.Time
}

// New builds the router for sess. Routes are registered immediately.
func New(cfg config.ServeConfig, sess *session.Session) *Status {
	observability.RegisterMetrics()
	logger := observability.InitLogger(cfg.Name)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.HTTPMiddleware(cfg.Name, logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Status{
		cfg:      cfg,
		sess:     sess,
		router:   r,
		appeared: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Status) Router() *gin.Engine {
	return s.router
}

// Run blocks serving on the configured address.
func (s *Status) Run() error {
	return s.router.Run(s.cfg.Addr)
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if v := strings.TrimRight(strings.TrimSpace(o), "/"); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
