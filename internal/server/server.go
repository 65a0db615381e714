package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rowglow/rowledger/internal/config"
	jobdomain "github.com/rowglow/rowledger/internal/job/domain"
	ledgerdomain "github.com/rowglow/rowledger/internal/ledger/domain"
	"github.com/rowglow/rowledger/internal/metrics"
	"github.com/rowglow/rowledger/internal/progress/hub"
	"github.com/rowglow/rowledger/internal/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Engine     *gin.Engine
	Log        *zap.Logger
	JobSvc     jobdomain.Service
	LedgerSvc  ledgerdomain.Service
	WebhookSvc *webhook.Service
	Hub        *hub.Hub `optional:"true"`
}

type Server struct {
	engine     *gin.Engine
	log        *zap.Logger
	jobSvc     jobdomain.Service
	ledgerSvc  ledgerdomain.Service
	webhookSvc *webhook.Service
	hub        *hub.Hub
}

func NewEngine(cfg config.Config, log *zap.Logger, m *metrics.Metrics) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})))

	return r
}

func NewServer(p Params) *Server {
	s := &Server{
		engine:     p.Engine,
		log:        p.Log.Named("server"),
		jobSvc:     p.JobSvc,
		ledgerSvc:  p.LedgerSvc,
		webhookSvc: p.WebhookSvc,
		hub:        p.Hub,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")
	v1.POST("/jobs", s.SubmitJob)
	v1.GET("/jobs/:id", s.GetJob)
	v1.GET("/jobs/:id/events", s.WatchJob)
	v1.GET("/credits", s.GetBalance)
	v1.POST("/webhooks/payments", s.PaymentWebhook)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: s.engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)
