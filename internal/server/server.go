// Package server exposes the admin recovery surface over HTTP: sync status,
// manual sync, failed-row retry, and the audit log.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/dwenderf/membership-system/internal/clock"
	"github.com/dwenderf/membership-system/internal/config"
	stagingdomain "github.com/dwenderf/membership-system/internal/staging/domain"
	tenantdomain "github.com/dwenderf/membership-system/internal/tenant/domain"
	"github.com/dwenderf/membership-system/internal/xerosync"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	repo        stagingdomain.Repository
	tenants     tenantdomain.Service
	coordinator *xerosync.Coordinator
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Repo        stagingdomain.Repository
	Tenants     tenantdomain.Service
	Coordinator *xerosync.Coordinator
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("server"),
		clock:       p.Clock,
		repo:        p.Repo,
		tenants:     p.Tenants,
		coordinator: p.Coordinator,
	}

	svc.registerXeroRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerXeroRoutes() {
	xero := s.engine.Group("/api/v1/xero")

	xero.GET("/status", s.GetXeroStatus)
	xero.POST("/sync", s.PostManualSync)
	xero.POST("/retry-failed", s.PostRetryFailed)
	xero.GET("/sync-logs", s.ListSyncLogs)
}
