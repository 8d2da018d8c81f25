package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/solacelabs/talktime/internal/config"
	creditdomain "github.com/solacelabs/talktime/internal/credit/domain"
	entitlementdomain "github.com/solacelabs/talktime/internal/entitlement/domain"
	"github.com/solacelabs/talktime/internal/observability"
	obsmiddleware "github.com/solacelabs/talktime/internal/observability/logger"
	obsmetrics "github.com/solacelabs/talktime/internal/observability/metrics"
	sessiondomain "github.com/solacelabs/talktime/internal/session/domain"
	"github.com/solacelabs/talktime/internal/session/liveevents"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Log:             log,
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, log, httpMetrics)
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
	engine         *gin.Engine
	cfg            config.Config
	db             *gorm.DB
	genID          *snowflake.Node
	entitlementSvc entitlementdomain.Service
	creditSvc      creditdomain.Service
	sessionSvc     sessiondomain.Service
	liveEvents     *liveevents.Hub
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	DB             *gorm.DB
	GenID          *snowflake.Node
	EntitlementSvc entitlementdomain.Service
	CreditSvc      creditdomain.Service
	SessionSvc     sessiondomain.Service
	LiveEvents     *liveevents.Hub `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		db:             p.DB,
		genID:          p.GenID,
		entitlementSvc: p.EntitlementSvc,
		creditSvc:      p.CreditSvc,
		sessionSvc:     p.SessionSvc,
		liveEvents:     p.LiveEvents,
	}

	svc.registerAPIRoutes()
	return svc
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.POST("/accounts", s.HandleEnsureAccount)
	api.GET("/accounts/:id/balance", s.HandleGetBalance)
	api.GET("/accounts/:id/credits", s.HandleListCreditEvents)
	api.GET("/accounts/:id/sessions", s.HandleListSessions)

	api.POST("/credits/webhooks/:provider", s.HandleCreditWebhook)

	api.POST("/sessions", s.HandleStartSession)
	api.GET("/sessions/:id", s.HandleGetSession)
	api.POST("/sessions/:id/heartbeat", s.HandleSessionHeartbeat)
	api.POST("/sessions/:id/stop", s.HandleStopSession)
	api.GET("/sessions/:id/live", s.StreamSessionLiveEvents)
}
