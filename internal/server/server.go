package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	balancedomain "github.com/smallbiznis/slabworks/internal/balance/domain"
	"github.com/smallbiznis/slabworks/internal/config"
	generationdomain "github.com/smallbiznis/slabworks/internal/generation/domain"
	"github.com/smallbiznis/slabworks/internal/observability"
	obsmiddleware "github.com/smallbiznis/slabworks/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/slabworks/internal/observability/metrics"
	obstracing "github.com/smallbiznis/slabworks/internal/observability/tracing"
	"github.com/smallbiznis/slabworks/internal/providers/storage"
	"github.com/smallbiznis/slabworks/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultMaxUploadBytes = 20 << 20
	shutdownTimeout       = 10 * time.Second
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, obsCfg observability.Config) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	generationSvc   generationdomain.Service
	balanceSvc      balancedomain.Service
	generateLimiter *ratelimit.GenerateLimiter
	obsMetrics      *obsmetrics.Metrics
	maxUploadBytes  int64
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	GenerationSvc   generationdomain.Service
	BalanceSvc      balancedomain.Service
	GenerateLimiter *ratelimit.GenerateLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics        `optional:"true"`
	Storage         storage.Backend            `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		generationSvc:   p.GenerationSvc,
		balanceSvc:      p.BalanceSvc,
		generateLimiter: p.GenerateLimiter,
		obsMetrics:      p.ObsMetrics,
		maxUploadBytes:  defaultMaxUploadBytes,
	}

	svc.registerArtifactRoutes(p.Storage)
	svc.RegisterAPIRoutes()
	svc.RegisterDevRoutes()
	return svc
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("")
	api.Use(TenantContext())

	api.POST("/generate", s.GenerateRateLimit(), s.StartGeneration)
	api.GET("/generate", s.ResolveGeneration)
	api.GET("/generate/jobs", s.ListGenerations)

	api.GET("/balance", s.GetBalance)
	api.POST("/balance", s.ChargeBalance)
}

func (s *Server) RegisterDevRoutes() {
	if s.cfg.IsProduction() {
		return
	}
	dev := s.engine.Group("/dev")
	dev.Use(TenantContext())
	dev.POST("/balance/credit", s.DevCredit)
}

// registerArtifactRoutes serves archived worlds straight from the filesystem backend.
func (s *Server) registerArtifactRoutes(backend storage.Backend) {
	fs, ok := backend.(*storage.FileBackend)
	if !ok || fs == nil {
		return
	}
	s.engine.Static("/artifacts", fs.BasePath())
}
