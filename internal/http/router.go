package http

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robertarktes/day-dedications/internal/observability"
	"github.com/robertarktes/day-dedications/internal/rateLimit"
)

type AdminAuth struct {
	JWTSecret string
	JWTIssuer string
}

func SetupRouter(h *Handlers, logger observability.Logger, rl rateLimit.Limiter, admin AdminAuth) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", h.Healthz)
		r.Get("/readyz", h.Readyz)

		r.Get("/settings", h.PublicSettings)
		r.Get("/days", h.ListDays)
		r.Get("/days/{date}", h.GetDay)
		r.With(RateLimitMiddleware(rl, "hold", 10, time.Minute)).Post("/days/{date}/holds", h.CreateHold)
		r.With(RateLimitMiddleware(rl, "release", 30, time.Minute)).Post("/days/{date}/release", h.ReleaseHold)
		r.With(RateLimitMiddleware(rl, "checkout", 20, time.Minute)).Post("/days/{date}/checkout", h.SubmitCheckout)
		r.Get("/checkout/{paymentRef}", h.CheckoutStatus)

		r.Post("/webhooks/gateway", h.GatewayWebhook)

		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminAuthMiddleware(admin.JWTSecret, admin.JWTIssuer, logger))

			r.Get("/days", h.AdminListDays)
			r.Get("/days/{date}", h.AdminGetDay)
			r.Post("/days/{date}/admin-hold", h.CreateAdminHold)
			r.Delete("/days/{date}/admin-hold", h.ReleaseAdminHold)
			r.Put("/days/{date}/dedication", h.EditDedication)
			r.Post("/days/{date}/refund", h.Refund)
			r.Get("/audit", h.AuditLog)
			r.Get("/export", h.Export)
			r.Get("/settings", h.AdminSettings)
			r.Patch("/settings", h.PatchSettings)
			r.Get("/payments/{paymentRef}/events", h.PaymentEvents)
		})
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}
