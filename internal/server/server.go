package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	billingsyncdomain "github.com/smallbiznis/agentmeter/internal/billingsync/domain"
	"github.com/smallbiznis/agentmeter/internal/config"
	"github.com/smallbiznis/agentmeter/internal/observability"
	obslogger "github.com/smallbiznis/agentmeter/internal/observability/logger"
	"github.com/smallbiznis/agentmeter/internal/scheduler"
	usagestatsdomain "github.com/smallbiznis/agentmeter/internal/usagestats/domain"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// JobRunner triggers a scheduled job out of band.
type JobRunner interface {
	Trigger(ctx context.Context, name string) (any, error)
	JobNames() []string
}

func NewEngine(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	if obsCfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log))
	if obsCfg.OtelEnabled {
		r.Use(otelgin.Middleware(obsCfg.ServiceName))
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	return NewEngine(obsCfg, log)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("ops server stopped", zap.Error(err))
				}
			}()
			log.Info("ops server listening", zap.String("addr", cfg.HTTPAddr))
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
	engine   *gin.Engine
	log      *zap.Logger
	db       *gorm.DB
	stats    usagestatsdomain.Service
	gate     billingsyncdomain.Gate
	jobs     JobRunner
	jobLimit time.Duration
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Log       *zap.Logger
	DB        *gorm.DB `optional:"true"`
	Stats     usagestatsdomain.Service
	Gate      billingsyncdomain.Gate
	Scheduler *scheduler.Scheduler
}

func NewServer(p ServerParams) *Server {
	return newServer(p.Gin, p.Log, p.DB, p.Stats, p.Gate, p.Scheduler)
}

func newServer(
	engine *gin.Engine,
	log *zap.Logger,
	db *gorm.DB,
	stats usagestatsdomain.Service,
	gate billingsyncdomain.Gate,
	jobs JobRunner,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	svc := &Server{
		engine:   engine,
		log:      log.Named("server"),
		db:       db,
		stats:    stats,
		gate:     gate,
		jobs:     jobs,
		jobLimit: 30 * time.Minute,
	}
	svc.registerRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.Health)

	internal := s.engine.Group("/internal")
	{
		internal.GET("/billing-sync/status", s.BillingSyncStatus)
		internal.GET("/jobs", s.ListJobs)
		internal.POST("/jobs/:job/run", s.RunJob)
		internal.GET("/tenants/:tenant_id/usage", s.GetTenantUsage)
	}
}

func (s *Server) Health(c *gin.Context) {
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			err = sqlDB.PingContext(ctx)
			cancel()
		}
		if err != nil {
			s.log.Warn("health check database ping failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
