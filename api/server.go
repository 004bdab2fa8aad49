/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Request count and latency per route pattern
  5. CORS:       Cross-origin requests for configured origins
  6. Identity:   /api only; 401 without a user

ROUTE GROUPS:
  /healthz              Store ping
  /metrics              Prometheus exposition
  /api/wallet/*         Ledger
  /api/sessions/*       Playthroughs
  /api/stories/*        Catalog
  /api/achievements     Unlocks
  /api/scenarios/*      Demo data (only with DevRoutes)

SEE ALSO:
  - handlers.go: Handler implementations
  - identity.go: Request identity
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/story-engine/metrics"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Identity    Identity
	CORSOrigins []string
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer // nil uses the default registry

	// DevRoutes mounts /api/scenarios.
	DevRoutes bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(instrument(opts.Metrics))
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserHeader},
			AllowCredentials: true,
		}))
	}

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(opts.Identity.Middleware)

		r.Route("/wallet", func(r chi.Router) {
			r.Get("/", h.GetBalance)
			r.Get("/summary", h.GetSummary)
			r.Get("/entries", h.ListEntries)
			r.Get("/entries/{id}", h.GetEntry)
			r.Post("/topup", h.Topup)
			r.Post("/refund", h.Refund)
		})
		r.Get("/packs", h.ListPacks)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.StartSession)
			r.Get("/", h.ListSessions)
			r.Get("/active", h.GetActiveSession)
			r.Get("/{id}", h.GetSession)
			r.Post("/{id}/choices", h.RecordChoice)
			r.Post("/{id}/advance", h.AdvanceChapter)
			r.Post("/{id}/complete", h.CompleteSession)
		})

		r.Route("/stories", func(r chi.Router) {
			r.Get("/", h.ListStories)
			r.Get("/{id}", h.GetStory)
		})

		r.Get("/achievements", h.ListAchievements)

		if opts.DevRoutes {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// instrument records request count and latency by chi route pattern, so
// ids in paths do not explode label cardinality.
func instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTP(r.Method, route, strconv.Itoa(status), time.Since(start))
		})
	}
}
