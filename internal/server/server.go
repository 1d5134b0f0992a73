package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	checksdomain "github.com/smallbiznis/checkledger/internal/checks/domain"
	"github.com/smallbiznis/checkledger/internal/config"
	creditdomain "github.com/smallbiznis/checkledger/internal/credit/domain"
	"github.com/smallbiznis/checkledger/internal/dispatcher"
	"github.com/smallbiznis/checkledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/checkledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/checkledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/checkledger/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
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
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
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
	engine     *gin.Engine
	cfg        config.Config
	credits    creditdomain.Service
	checks     checksdomain.Service
	dispatcher *dispatcher.Dispatcher
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Credits    creditdomain.Service
	Checks     checksdomain.Service
	Dispatcher *dispatcher.Dispatcher
}

func NewServer(p ServerParams) *Server {
	svr := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		credits:    p.Credits,
		checks:     p.Checks,
		dispatcher: p.Dispatcher,
	}

	svr.registerCronRoutes()
	svr.registerAPIRoutes()

	return svr
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	// -------- Credits --------
	api.POST("/credits/debit", s.DebitCredits)
	api.POST("/credits/refund", s.RefundCredits)
	api.POST("/credits/grant", s.GrantCredits)
	api.POST("/credits/reset-included", s.ResetIncludedCredits)
	api.GET("/credits/:tenant_id/balance", s.GetCreditBalance)
	api.GET("/credits/:tenant_id/transactions", s.ListCreditTransactions)

	// -------- Checks --------
	api.POST("/checks", s.SubmitChecks)
	api.POST("/checks/estimate", s.EstimateChecks)
	api.GET("/checks/:run_id", s.GetCheckRun)
}

func (s *Server) registerCronRoutes() {
	s.engine.GET("/process", s.CronSecretRequired(), s.ProcessBatchRuns)
	s.engine.POST("/process", s.CronSecretRequired(), s.ProcessBatchRuns)
}
