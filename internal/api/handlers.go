package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/flightlog/internal/correlator"
	"github.com/yegors/flightlog/internal/flight"
	"github.com/yegors/flightlog/internal/storage"
	"github.com/yegors/flightlog/internal/storage/sqlite"
	"github.com/yegors/flightlog/internal/websocket"
	"github.com/yegors/flightlog/pkg/logger"
)

// maxBodyBytes bounds every JSON request body
const maxBodyBytes = 1 << 20

// Correlator is the flight correlation service
type Correlator interface {
	HandleEvent(ctx context.Context, ev flight.Event) (*correlator.Result, error)
	CreatePending(ctx context.Context, draft flight.FlightRecord) (*flight.FlightRecord, error)
	StartNow(ctx context.Context, flightID int64, airfield string) (*flight.FlightRecord, error)
	LandNow(ctx context.Context, flightID int64, airfield string) (*flight.FlightRecord, error)
	Delete(ctx context.Context, flightID int64) (*flight.FlightRecord, error)
}

// FlightReader reads stored flights
type FlightReader interface {
	GetFlight(ctx context.Context, id int64) (*flight.FlightRecord, error)
	ListFlights(ctx context.Context, filter sqlite.FlightFilter) ([]*flight.FlightRecord, error)
}

// TelemetryWriter stores telemetry points
type TelemetryWriter interface {
	AddTelemetry(ctx context.Context, points []flight.TelemetryPoint) (int, error)
}

// IdentityResolver resolves device ids
type IdentityResolver interface {
	Normalize(deviceID string) string
	Resolve(ctx context.Context, deviceID, clubID string) flight.Identity
	ResolveBatch(ctx context.Context, deviceIDs []string, clubID string) map[string]flight.Identity
}

// Handler contains the API handlers
type Handler struct {
	correlator Correlator
	flights    FlightReader
	telemetry  TelemetryWriter
	resolver   IdentityResolver
	wsServer   *websocket.Server
	logger     *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(c Correlator, flights FlightReader, telemetry TelemetryWriter, resolver IdentityResolver, wsServer *websocket.Server, log *logger.Logger) *Handler {
	return &Handler{
		correlator: c,
		flights:    flights,
		telemetry:  telemetry,
		resolver:   resolver,
		wsServer:   wsServer,
		logger:     log.Named("api-handler"),
	}
}

// WriteJSON writes data as a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps service errors onto HTTP statuses
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, flight.ErrUnknownEvent),
		errors.Is(err, flight.ErrMissingDeviceID),
		errors.Is(err, correlator.ErrMissingIdentity):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, correlator.ErrFlightNotFound), errors.Is(err, storage.ErrNotFound):
		http.Error(w, "Flight not found", http.StatusNotFound)
	case errors.Is(err, flight.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, correlator.ErrRetryable):
		h.logger.Warn("Retryable failure", logger.Error(err))
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Temporarily unavailable, retry", http.StatusServiceUnavailable)
	default:
		h.logger.Error("Request failed", logger.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func flightID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"clients":   h.wsServer.ClientCount(),
	})
}

// HandleWebSocket handles WebSocket connections
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("WebSocket connection request received", logger.String("remote_addr", r.RemoteAddr))
	h.wsServer.HandleConnection(w, r)
}

// ReceiveEvent correlates one takeoff or landing event
func (h *Handler) ReceiveEvent(w http.ResponseWriter, r *http.Request) {
	var ev flight.Event
	if !decodeJSON(w, r, &ev) {
		return
	}

	result, err := h.correlator.HandleEvent(r.Context(), ev)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusOK
	if result.IsNewFlight {
		status = http.StatusCreated
	}
	WriteJSON(w, status, result)
}

// UploadTelemetry stores a batch of telemetry points
func (h *Handler) UploadTelemetry(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Points []flight.TelemetryPoint `json:"points"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	for i, p := range body.Points {
		if strings.TrimSpace(p.DeviceID) == "" || p.Timestamp.IsZero() {
			http.Error(w, "Every point needs a deviceId and a timestamp", http.StatusBadRequest)
			return
		}
		body.Points[i].DeviceID = h.resolver.Normalize(p.DeviceID)
	}

	n, err := h.telemetry.AddTelemetry(r.Context(), body.Points)
	if err != nil {
		h.logger.Error("Failed to store telemetry", logger.Error(err))
		http.Error(w, "Failed to store telemetry", http.StatusInternalServerError)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{"stored": n})
}

// ListFlights returns flights, newest first
func (h *Handler) ListFlights(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := sqlite.FlightFilter{
		Status:         flight.Status(strings.ToUpper(q.Get("status"))),
		Airfield:       q.Get("airfield"),
		IncludeDeleted: q.Get("includeDeleted") == "true",
	}
	if filter.Status != "" && !filter.Status.Valid() {
		http.Error(w, "Invalid status", http.StatusBadRequest)
		return
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	flights, err := h.flights.ListFlights(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"count":   len(flights),
		"flights": flights,
	})
}

// GetFlight returns one flight
func (h *Handler) GetFlight(w http.ResponseWriter, r *http.Request) {
	id, ok := flightID(r)
	if !ok {
		http.Error(w, "Invalid flight ID", http.StatusBadRequest)
		return
	}

	f, err := h.flights.GetFlight(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, f)
}

// CreateFlight pre-registers a pending flight
func (h *Handler) CreateFlight(w http.ResponseWriter, r *http.Request) {
	var draft flight.FlightRecord
	if !decodeJSON(w, r, &draft) {
		return
	}

	f, err := h.correlator.CreatePending(r.Context(), draft)
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, f)
}

// FlightAction runs a manual start, end or delete on a known flight
func (h *Handler) FlightAction(w http.ResponseWriter, r *http.Request) {
	id, ok := flightID(r)
	if !ok {
		http.Error(w, "Invalid flight ID", http.StatusBadRequest)
		return
	}
	var body struct {
		Action   string `json:"action"`
		Airfield string `json:"airfield"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	var (
		f   *flight.FlightRecord
		err error
	)
	switch strings.ToLower(strings.TrimSpace(body.Action)) {
	case "start":
		f, err = h.correlator.StartNow(r.Context(), id, body.Airfield)
	case "end":
		f, err = h.correlator.LandNow(r.Context(), id, body.Airfield)
	case "delete":
		f, err = h.correlator.Delete(r.Context(), id)
	default:
		http.Error(w, "Unknown action, expected start, end or delete", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, f)
}

// GetIdentity resolves one device id
func (h *Handler) GetIdentity(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")
	if strings.TrimSpace(deviceID) == "" {
		http.Error(w, "Missing device ID", http.StatusBadRequest)
		return
	}
	WriteJSON(w, http.StatusOK, h.resolver.Resolve(r.Context(), deviceID, r.URL.Query().Get("clubId")))
}

// ResolveIdentities resolves a batch of device ids
func (h *Handler) ResolveIdentities(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceIDs []string `json:"deviceIds"`
		ClubID    string   `json:"clubId"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	identities := h.resolver.ResolveBatch(r.Context(), body.DeviceIDs, body.ClubID)
	WriteJSON(w, http.StatusOK, map[string]any{
		"count":      len(identities),
		"identities": identities,
	})
}

// BroadcastTest sends a test message to every authenticated subscriber, or
// to one channel when given
func (h *Handler) BroadcastTest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Channel string `json:"channel"`
		Message string `json:"message"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &body) {
		return
	}
	if body.Message == "" {
		body.Message = "connectivity test"
	}

	msg := &websocket.Message{
		Type:    websocket.MessageTypeTest,
		Message: body.Message,
		Data:    map[string]any{"timestamp": time.Now().UTC()},
	}
	var delivered int
	if body.Channel != "" {
		delivered = h.wsServer.BroadcastToChannel(body.Channel, msg)
	} else {
		delivered = h.wsServer.Broadcast(msg, "")
	}
	WriteJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}
