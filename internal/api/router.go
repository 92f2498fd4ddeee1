package api

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/yegors/flightlog/internal/metrics"
	"github.com/yegors/flightlog/internal/websocket"
	"github.com/yegors/flightlog/pkg/logger"
)

// webhookTokenHeader carries the shared secret of inbound telemetry
const webhookTokenHeader = "X-Webhook-Token"

// Options controls optional routes and checks
type Options struct {
	WebhookToken string // empty disables the check
	MetricsPath  string // empty disables the metrics endpoint
}

// Router wires the HTTP routes
type Router struct {
	handler *Handler
	metrics *metrics.Metrics
	options Options
	logger  *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(c Correlator, flights FlightReader, telemetry TelemetryWriter, resolver IdentityResolver, wsServer *websocket.Server, m *metrics.Metrics, options Options, log *logger.Logger) *Router {
	return &Router{
		handler: NewHandler(c, flights, telemetry, resolver, wsServer, log),
		metrics: m,
		options: options,
		logger:  log.Named("api-router"),
	}
}

// Routes returns the HTTP handler of the service
func (rt *Router) Routes() http.Handler {
	h := rt.handler
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	r.Get("/ws", h.HandleWebSocket)
	if rt.metrics != nil && rt.options.MetricsPath != "" {
		r.Handle(rt.options.MetricsPath, rt.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(rt.requireWebhookToken)
			r.Post("/events", h.ReceiveEvent)
			r.Post("/telemetry", h.UploadTelemetry)
		})

		r.Route("/flights", func(r chi.Router) {
			r.Get("/", h.ListFlights)
			r.Post("/", h.CreateFlight)
			r.Get("/{id}", h.GetFlight)
			r.Post("/{id}/actions", h.FlightAction)
		})

		r.Get("/identity/{deviceId}", h.GetIdentity)
		r.Post("/identity/resolve", h.ResolveIdentities)
		r.Post("/broadcast/test", h.BroadcastTest)
	})

	return r
}

func (rt *Router) requireWebhookToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := rt.options.WebhookToken
		if expected != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(webhookTokenHeader)), []byte(expected)) != 1 {
			rt.logger.Warn("Rejected webhook with invalid token",
				logger.String("remote_addr", r.RemoteAddr),
				logger.String("path", r.URL.Path))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		rt.logger.Debug("HTTP request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Int("bytes", ww.BytesWritten()),
			logger.Duration("duration", time.Since(start)),
			logger.String("request_id", middleware.GetReqID(r.Context())))
	})
}
