package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/sagepilot/billing-engine/internal/config"
	entitlementservice "github.com/sagepilot/billing-engine/internal/entitlement/service"
	"github.com/sagepilot/billing-engine/internal/gateway/adapters"
	ledgerdomain "github.com/sagepilot/billing-engine/internal/ledger/domain"
	"github.com/sagepilot/billing-engine/internal/ledgerevents"
	"github.com/sagepilot/billing-engine/internal/observability"
	"github.com/sagepilot/billing-engine/internal/observability/logger"
	"github.com/sagepilot/billing-engine/internal/observability/metrics"
	"github.com/sagepilot/billing-engine/internal/queue"
	reconciliationservice "github.com/sagepilot/billing-engine/internal/reconciliation/service"
	usageservice "github.com/sagepilot/billing-engine/internal/usage/service"
	"github.com/sagepilot/billing-engine/internal/workspace"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log.Named("http")))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithContext(c.Request.Context(), log)
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("request", fields...)
			return
		}
		entry.Info("request", fields...)
	}
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	entitlements   *entitlementservice.Service
	usage          *usageservice.Service
	reconciliation *reconciliationservice.Service
	ledgerEvents   *ledgerevents.Processor
	gateway        ledgerdomain.Gateway
	directory      workspace.Directory
	adapters       *adapters.Registry
	queues         queue.Queues
	metrics        *metrics.Metrics
	log            *zap.Logger
}

type Params struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Entitlements   *entitlementservice.Service
	Usage          *usageservice.Service
	Reconciliation *reconciliationservice.Service
	LedgerEvents   *ledgerevents.Processor
	Gateway        ledgerdomain.Gateway
	Directory      workspace.Directory
	Adapters       *adapters.Registry
	Queues         queue.Queues
	Metrics        *metrics.Metrics `optional:"true"`
	Log            *zap.Logger
}

func NewServer(p Params) *Server {
	return &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		entitlements:   p.Entitlements,
		usage:          p.Usage,
		reconciliation: p.Reconciliation,
		ledgerEvents:   p.LedgerEvents,
		gateway:        p.Gateway,
		directory:      p.Directory,
		adapters:       p.Adapters,
		queues:         p.Queues,
		metrics:        p.Metrics,
		log:            p.Log.Named("server"),
	}
}

func (s *Server) RegisterRoutes() {
	v1 := s.engine.Group("/v1")

	workspaces := v1.Group("/workspaces/:workspace_id")
	workspaces.GET("/entitlements", s.GetEntitlements)
	workspaces.GET("/entitlements/features/:feature", s.CheckFeature)
	workspaces.GET("/entitlements/limits/:meter", s.CheckUsageLimit)
	workspaces.GET("/subscription", s.GetSubscription)
	workspaces.POST("/subscription/cancel", s.CancelSubscription)
	workspaces.GET("/usage/report", s.GetUsageReport)

	v1.POST("/usage", s.RecordUsage)
	v1.POST("/usage/events", s.PublishUsage)

	v1.GET("/invoices/overdue", s.ListOverdueInvoices)
	v1.GET("/invoices/:invoice_id", s.GetInvoice)

	v1.POST("/checkout/sessions", s.CreateCheckoutSession)

	v1.POST("/reconciliations", s.SubmitReconciliation)
	v1.GET("/reconciliations/failed", s.ListFailedReconciliations)

	webhooks := s.engine.Group("/webhooks")
	webhooks.POST("/ledger", s.HandleLedgerWebhook)
	webhooks.POST("/gateway/:provider", s.HandleGatewayWebhook)
}
