package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scanguard/gateway/internal/admission"
	"github.com/scanguard/gateway/internal/ratelimit"
)

// Route policies.
var (
	ScanPolicy     = admission.Policy{Name: "scan", Pool: ratelimit.PoolTier, RequireAuth: true, Priced: true}
	ThreatsPolicy  = admission.Policy{Name: "threats", Pool: ratelimit.PoolReports}
	PaymentsPolicy = admission.Policy{Name: "payments", Pool: ratelimit.PoolReports}
)

type RouterConfig struct {
	Gate        *admission.Gate
	API         *APIHandler
	Admin       *AdminHandler
	AdminSecret string
	TrustProxy  bool
	// AccessLog enables chi's request logger.
	AccessLog bool
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	if cfg.AccessLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-API-Key, X-Scan-ID, PAYMENT-SIGNATURE")
			w.Header().Set("Access-Control-Expose-Headers", "PAYMENT-REQUIRED, PAYMENT-RESPONSE, X-Scan-ID, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.NotFound(NotFound)
	r.MethodNotAllowed(MethodNotAllowed)

	r.Get("/health", cfg.API.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", cfg.API.Discovery)
		r.With(Admit(cfg.Gate, ThreatsPolicy)).Get("/threats", cfg.API.Threats)
		r.With(Admit(cfg.Gate, PaymentsPolicy)).Get("/payments/{scanId}", cfg.API.PaymentStatus)
		r.With(Admit(cfg.Gate, ScanPolicy)).Post("/scan", cfg.API.Scan)
	})

	if cfg.Admin != nil {
		r.Route("/admin/keys", func(r chi.Router) {
			r.Use(AdminMiddleware(cfg.AdminSecret))
			r.Get("/", cfg.Admin.ListKeys)
			r.Post("/", cfg.Admin.CreateKey)
			r.Post("/disable", cfg.Admin.DisableKey)
		})
	}

	return r
}
