package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/trade-ledger/internal/metrics"
)

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	CORSOrigins    []string
	RequestTimeout time.Duration // 0 disables
	RateLimitRPS   float64       // order submissions per client IP; 0 disables
	RateLimitBurst int
}

// NewRouter wires the handler, the WebSocket hub, health and metrics into a
// chi router. hub may be nil.
func NewRouter(h *Handler, hub *WSHub, opts RouterOptions) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogging(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors(opts.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "trade-ledger"})
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for order and price events. It sits outside
		// the request timeout.
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			if opts.RequestTimeout > 0 {
				r.Use(middleware.Timeout(opts.RequestTimeout))
			}

			// Accounts.
			r.Post("/accounts", h.CreateAccount)
			r.Route("/accounts/{accountID}", func(r chi.Router) {
				r.Get("/", h.GetAccount)
				r.Put("/status", h.SetAccountStatus)
				r.Get("/orders", h.ListAccountOrders)
				r.Get("/positions", h.ListAccountPositions)
				r.Get("/transactions", h.ListAccountTransactions)
				r.Get("/transactions/latest", h.LatestTransaction)
				r.Get("/portfolio", h.GetPortfolio)
				r.Get("/stats", h.GetOrderStats)
			})

			// Reference data.
			r.Get("/instruments", h.ListInstruments)
			r.Post("/instruments", h.CreateInstrument)
			r.Get("/instruments/{symbol}", h.GetInstrument)
			r.Put("/instruments/{symbol}/price", h.UpdatePrice)

			// Orders.
			r.With(rateLimit(opts.RateLimitRPS, opts.RateLimitBurst)).Post("/orders", h.SubmitOrder)
			r.Get("/orders/{orderID}", h.GetOrder)
			r.Post("/orders/{orderID}/execute", h.ExecuteOrder)
			r.Delete("/orders/{orderID}", h.CancelOrder)

			// Reporting.
			r.Get("/stats/orders", h.OrderCountsBySide)
		})
	})

	return r
}

// requestLogging logs each request's method, path, status and duration.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Debug("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// cors answers preflight requests and sets the allowed origin. An empty list
// or "*" allows any origin.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
