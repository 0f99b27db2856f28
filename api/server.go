/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zerolog access log (warn on 4xx, error on 5xx)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the front-desk app

ROUTE GROUPS:
  /api/patients/*       Patients and their billable orders
  /api/services         Service catalog
  /api/appointments/*   Booking and appointment lifecycle
  /api/commissions/*    Commission approval and payout
  /api/invoices/*       Invoicing and reconciliation
  /api/payments/*       Payment recording
  /api/scenarios/*      Demo scenarios
  /healthz              Liveness plus database ping

SECURITY NOTE:
  No authentication middleware. The X-Actor-ID header is trusted as-is.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/serve.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// DefaultCORSOrigins are the local front-end dev servers.
var DefaultCORSOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	if len(corsOrigins) == 0 {
		corsOrigins = DefaultCORSOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/patients", func(r chi.Router) {
			r.Post("/", h.CreatePatient)
			r.Get("/{id}", h.GetPatient)
			r.Get("/{id}/uninvoiced-orders", h.ListUninvoicedOrders)
		})

		r.Route("/services", func(r chi.Router) {
			r.Get("/", h.ListServices)
			r.Post("/", h.CreateServices)
		})

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", h.CreateAppointment)
			r.Get("/{id}", h.GetAppointment)
			r.Patch("/{id}", h.UpdateAppointment)
			r.Post("/{id}/attend", h.AttendAppointment)
			r.Post("/{id}/start", h.StartAppointment)
			r.Post("/{id}/no-show", h.NoShowAppointment)
			r.Post("/{id}/cancel", h.CancelAppointment)
			r.Get("/{id}/commissions", h.ListAppointmentCommissions)
		})

		r.Route("/commissions", func(r chi.Router) {
			r.Post("/batch/approve", h.BatchApproveCommissions)
			r.Post("/batch/pay", h.BatchPayCommissions)
			r.Post("/{id}/approve", h.ApproveCommission)
			r.Post("/{id}/reject", h.RejectCommission)
			r.Post("/{id}/pay", h.PayCommission)
			r.Post("/{id}/cancel", h.CancelCommission)
		})

		r.Route("/invoices", func(r chi.Router) {
			r.Post("/", h.CreateInvoice)
			r.Get("/{id}", h.GetInvoice)
			r.Post("/{id}/cancel", h.CancelInvoice)
			r.Post("/{id}/recompute", h.RecomputeInvoice)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.CreatePayment)
			r.Delete("/{id}", h.DeletePayment)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// Health reports whether the database answers.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RequestLogger writes one structured event per request.
func RequestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			var ev *zerolog.Event
			switch {
			case status >= 500:
				ev = log.Error()
			case status >= 400:
				ev = log.Warn()
			default:
				ev = log.Info()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("actor_id", r.Header.Get(ActorHeader)).
				Msg("API request")
		})
	}
}
