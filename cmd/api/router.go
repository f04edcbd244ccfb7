package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/noah-isme/m1cart-orders/internal/app"
	"github.com/noah-isme/m1cart-orders/internal/audit"
	"github.com/noah-isme/m1cart-orders/internal/auth"
	"github.com/noah-isme/m1cart-orders/internal/checkout"
	"github.com/noah-isme/m1cart-orders/internal/common"
	"github.com/noah-isme/m1cart-orders/internal/health"
	"github.com/noah-isme/m1cart-orders/internal/obs"
	"github.com/noah-isme/m1cart-orders/internal/order"
	"github.com/noah-isme/m1cart-orders/internal/ratelimit"
	"github.com/noah-isme/m1cart-orders/internal/realtime"
	"github.com/noah-isme/m1cart-orders/internal/reconcile"
	"github.com/noah-isme/m1cart-orders/internal/security"
)

type routerOptions struct {
	Logger      zerolog.Logger
	Tokens      auth.TokenParser
	HTTPMetrics *obs.HTTPMetrics
	Tracing     bool
	Metrics     http.Handler
	Pprof       http.Handler
	Health      health.Handler
	HSTS        bool
}

func newRouter(deps *app.Dependencies, opts routerOptions) http.Handler {
	cfg := deps.Config
	authMiddleware := auth.Middleware{Parser: opts.Tokens}
	idem := common.Idem{R: deps.Redis, TTL: cfg.Checkout.IdempotencyTTL}
	onLimitErr := func(err error) { opts.Logger.Warn().Err(err).Msg("rate limiter unavailable") }
	webhookLimit := ratelimit.Handler{
		Limiter: deps.Limiter,
		Config:  ratelimit.Config{Name: "payment_webhook", Key: ratelimit.ByClientIP, Window: time.Minute, Max: cfg.Limits.WebhookPerMinute},
		OnError: onLimitErr,
	}
	checkoutLimit := ratelimit.Handler{
		Limiter: deps.Limiter,
		Config:  ratelimit.Config{Name: "checkout", Key: ratelimit.ByPrincipal, Window: time.Minute, Max: cfg.Limits.CheckoutPerMinute},
		OnError: onLimitErr,
	}

	checkoutHandler := &checkout.Handler{Svc: deps.Checkout}
	orderHandler := &order.Handler{Engine: deps.Engine, Owners: deps.Catalog}
	paymentHandler := &reconcile.Handler{Dispatcher: deps.Reconciler, Owners: deps.Catalog}
	auditRec := audit.HTTPRecorder{
		Service: deps.Audit,
		OnError: func(err error) { opts.Logger.Warn().Err(err).Msg("audit record failed") },
	}
	auditStatus := auditRec.Middleware(audit.HTTPConfig{
		Action:          "order.status.update",
		ResourceIDParam: "orderId",
	})
	auditCheckout := auditRec.Middleware(audit.HTTPConfig{
		Action:       "order.checkout",
		ResourceType: "orders",
	})
	streamHandler := &realtime.Handler{
		Hub:            deps.Hub,
		Orders:         deps.Engine,
		AllowedOrigins: allowedOrigins(cfg.CORSAllowedOrigins),
		Logger:         opts.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if opts.Tracing {
		r.Use(obs.TracingMiddleware)
	}
	if opts.HTTPMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: opts.HTTPMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: opts.Logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	if opts.Pprof != nil {
		r.Mount("/debug/pprof", opts.Pprof)
	}
	r.Get("/health/live", opts.Health.Live)
	r.Get("/health/ready", opts.Health.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(security.Headers{EnableHSTS: opts.HSTS}.Middleware)
		v.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)

		v.With(webhookLimit.Middleware).Post("/payments/webhook", paymentHandler.Webhook)

		v.Group(func(authR chi.Router) {
			authR.Use(authMiddleware.RequireAuth)
			authR.With(checkoutLimit.Middleware, auditCheckout, idem.Middleware).Post("/checkout", checkoutHandler.Checkout)
			authR.Post("/payments/success", paymentHandler.PaymentSuccess)
			authR.Post("/payments/verify", paymentHandler.Verify)
			authR.Get("/orders", orderHandler.List)
			authR.Get("/orders/{orderId}", orderHandler.Get)
			authR.With(auditStatus, idem.Middleware).Patch("/orders/{orderId}/status", paymentHandler.SetStatus)
			authR.Get("/orders/{orderId}/ws", streamHandler.Stream)

			if deps.Audit != nil {
				auditHandler := audit.Handler{Store: deps.Audit.Store}
				authR.With(auth.RequireRole("admin")).Get("/admin/audit", auditHandler.List)
			}
		})
	})
	return r
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
