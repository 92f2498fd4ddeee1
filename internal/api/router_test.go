package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/flightlog/internal/correlator"
	"github.com/yegors/flightlog/internal/flight"
	"github.com/yegors/flightlog/internal/identity"
	"github.com/yegors/flightlog/internal/metrics"
	"github.com/yegors/flightlog/internal/stats"
	"github.com/yegors/flightlog/internal/storage/sqlite"
	"github.com/yegors/flightlog/internal/websocket"
	"github.com/yegors/flightlog/pkg/logger"
)

const testToken = "webhook-secret"

func newTestAPI(t *testing.T) (*httptest.Server, *sqlite.Store) {
	t.Helper()
	log := logger.NewNop()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "flightlog.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.UpsertPlane(context.Background(), flight.Aircraft{ID: "p1", ClubID: "c1", DeviceID: "DD1234", Registration: "D-1234"}))

	m := metrics.New()
	resolver := identity.NewResolver(store, nil, identity.Options{}, m, log)
	ws := websocket.NewServer(websocket.Config{Password: "pw"}, m, log)
	svc := correlator.NewService(correlator.Dependencies{
		Flights:     store,
		Counters:    store,
		Assignments: store,
		Resolver:    resolver,
		Statistics:  stats.NewEngine(store, store, log),
		Broadcaster: ws,
	}, correlator.Config{}, m, log)

	router := NewRouter(svc, store, store, resolver, ws, m, Options{WebhookToken: testToken, MetricsPath: "/metrics"}, log)
	srv := httptest.NewServer(router.Routes())
	t.Cleanup(func() {
		srv.Close()
		ws.Close()
		svc.Wait()
	})
	return srv, store
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any, headers ...string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestHealth(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, body := do(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]any](t, body)["status"])
}

func TestEvents_RequireWebhookToken(t *testing.T) {
	srv, _ := newTestAPI(t)
	ev := map[string]string{"type": "takeoff", "deviceId": "DD1234", "airfield": "EKFS"}

	resp, _ := do(t, srv, http.MethodPost, "/api/v1/events", ev)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/events", ev, webhookTokenHeader, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/events", ev, webhookTokenHeader, testToken)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestEvents_TakeoffThenLanding(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, body := do(t, srv, http.MethodPost, "/api/v1/events",
		map[string]string{"type": "local_takeoff", "deviceId": "FLARM:DD1234", "airfield": "EKFS"},
		webhookTokenHeader, testToken)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	takeoff := decode[correlator.Result](t, body)
	assert.True(t, takeoff.IsNewFlight)
	assert.Equal(t, flight.StatusInFlight, takeoff.Flight.Status)
	assert.Equal(t, "p1", takeoff.Flight.PlaneID)

	resp, body = do(t, srv, http.MethodPost, "/api/v1/events",
		map[string]string{"type": "landing", "deviceId": "DD1234", "airfield": "EKAB"},
		webhookTokenHeader, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	landing := decode[correlator.Result](t, body)
	assert.Equal(t, takeoff.Flight.ID, landing.Flight.ID)
	assert.Equal(t, flight.StatusLanded, landing.Flight.Status)
	assert.Equal(t, "EKAB", landing.Flight.LandingAirfield)

	resp, body = do(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `flightlog_events_total{kind="landing",outcome="matched"} 1`)
}

func TestEvents_BadInput(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, _ := do(t, srv, http.MethodPost, "/api/v1/events", "{not json", webhookTokenHeader, testToken)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/events", map[string]string{"type": "hover", "deviceId": "DD1234"}, webhookTokenHeader, testToken)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/events", map[string]string{"type": "landing"}, webhookTokenHeader, testToken)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFlights_ManualLifecycle(t *testing.T) {
	srv, store := newTestAPI(t)

	resp, body := do(t, srv, http.MethodPost, "/api/v1/flights", map[string]any{"registration": "D-1234", "planeId": "p1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	created := decode[flight.FlightRecord](t, body)
	assert.Equal(t, flight.StatusPending, created.Status)
	path := fmt.Sprintf("/api/v1/flights/%d", created.ID)

	resp, body = do(t, srv, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.ID, decode[flight.FlightRecord](t, body).ID)

	resp, body = do(t, srv, http.MethodPost, path+"/actions", map[string]string{"action": "start", "airfield": "EKFS"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, flight.StatusInFlight, decode[flight.FlightRecord](t, body).Status)

	resp, _ = do(t, srv, http.MethodPost, path+"/actions", map[string]string{"action": "start"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, path+"/actions", map[string]string{"action": "loop"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, srv, http.MethodPost, path+"/actions", map[string]string{"action": "end", "airfield": "EKFS"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, flight.StatusLanded, decode[flight.FlightRecord](t, body).Status)

	resp, body = do(t, srv, http.MethodPost, path+"/actions", map[string]string{"action": "delete"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.True(t, decode[flight.FlightRecord](t, body).Deleted)

	plane, err := store.GetPlane(context.Background(), "p1")
	require.NoError(t, err)
	assert.Zero(t, plane.Starts)

	resp, body = do(t, srv, http.MethodGet, "/api/v1/flights?includeDeleted=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), decode[map[string]any](t, body)["count"])

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/flights?status=flying", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFlights_NotFoundAndBadIDs(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, _ := do(t, srv, http.MethodGet, "/api/v1/flights/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/flights/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/flights/999/actions", map[string]string{"action": "delete"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/flights", map[string]any{"pilotId": "pilot-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTelemetryUpload(t *testing.T) {
	srv, store := newTestAPI(t)

	resp, body := do(t, srv, http.MethodPost, "/api/v1/telemetry", map[string]any{
		"points": []map[string]any{
			{"deviceId": "flarm:dd1234", "timestamp": "2026-07-04T10:00:00Z", "latitude": 55.0, "longitude": 12.0, "altitude": 120},
			{"deviceId": "DD1234", "timestamp": "2026-07-04T10:01:00Z", "groundSpeed": 55},
		},
	}, webhookTokenHeader, testToken)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	assert.Equal(t, float64(2), decode[map[string]any](t, body)["stored"])

	points, err := store.PointsForDevice(context.Background(), "DD1234", nil, nil)
	require.NoError(t, err)
	assert.Len(t, points, 2)

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/telemetry", map[string]any{
		"points": []map[string]any{{"deviceId": "DD1234"}},
	}, webhookTokenHeader, testToken)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIdentity(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, body := do(t, srv, http.MethodGet, "/api/v1/identity/flarm-dd1234", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := decode[flight.Identity](t, body)
	assert.Equal(t, flight.SourceClub, id.Source)
	assert.Equal(t, "D-1234", id.Registration)

	resp, body = do(t, srv, http.MethodPost, "/api/v1/identity/resolve", map[string]any{"deviceIds": []string{"DD1234", "dd1234", "3E0001"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	batch := decode[struct {
		Count      int                        `json:"count"`
		Identities map[string]flight.Identity `json:"identities"`
	}](t, body)
	assert.Equal(t, 2, batch.Count)
	assert.Equal(t, flight.SourceFallback, batch.Identities["3E0001"].Source)
	assert.Equal(t, "FLARM-3E0001", batch.Identities["3E0001"].Registration)
}

func TestBroadcastTest(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, body := do(t, srv, http.MethodPost, "/api/v1/broadcast/test", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), decode[map[string]any](t, body)["delivered"])

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/broadcast/test", map[string]string{"channel": "EKFS", "message": "hello"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// failingCorrelator returns the same error from every operation
type failingCorrelator struct{ err error }

func (f failingCorrelator) HandleEvent(context.Context, flight.Event) (*correlator.Result, error) {
	return nil, f.err
}

func (f failingCorrelator) CreatePending(context.Context, flight.FlightRecord) (*flight.FlightRecord, error) {
	return nil, f.err
}

func (f failingCorrelator) StartNow(context.Context, int64, string) (*flight.FlightRecord, error) {
	return nil, f.err
}

func (f failingCorrelator) LandNow(context.Context, int64, string) (*flight.FlightRecord, error) {
	return nil, f.err
}

func (f failingCorrelator) Delete(context.Context, int64) (*flight.FlightRecord, error) {
	return nil, f.err
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unknown event", flight.ErrUnknownEvent, http.StatusBadRequest},
		{"not found", fmt.Errorf("%w: 7", correlator.ErrFlightNotFound), http.StatusNotFound},
		{"invalid transition", flight.ErrInvalidTransition, http.StatusConflict},
		{"retryable", fmt.Errorf("%w: disk I/O error", correlator.ErrRetryable), http.StatusServiceUnavailable},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := logger.NewNop()
			ws := websocket.NewServer(websocket.Config{Password: "pw"}, nil, log)
			router := NewRouter(failingCorrelator{err: tt.err}, nil, nil, nil, ws, nil, Options{}, log)
			srv := httptest.NewServer(router.Routes())
			defer srv.Close()

			resp, _ := do(t, srv, http.MethodPost, "/api/v1/flights/7/actions", map[string]string{"action": "end"})
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.status == http.StatusServiceUnavailable {
				assert.Equal(t, "1", resp.Header.Get("Retry-After"))
			}
		})
	}
}
