package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/flightlog/internal/flight"
	"github.com/yegors/flightlog/internal/storage"
)

func TestStore_LookupAircraft(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPlane(ctx, flight.Aircraft{ID: "p1", ClubID: "c1", DeviceID: "DD1234", Registration: "D-1234", AircraftType: "ASK-21"}))
	require.NoError(t, s.UpsertPlane(ctx, flight.Aircraft{ID: "p2", ClubID: "c2", DeviceID: "3E1234", Registration: "OY-XAB"}))

	a, err := s.LookupAircraft(ctx, "DD1234", "")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "p1", a.ID)

	a, err = s.LookupAircraft(ctx, "DD1234", "c2")
	require.NoError(t, err)
	assert.Nil(t, a)

	batch, err := s.LookupAircraftBatch(ctx, []string{"DD1234", "3E1234", "FFFFFF"}, "")
	require.NoError(t, err)
	assert.Len(t, batch, 2)
	assert.Equal(t, "OY-XAB", batch["3E1234"].Registration)

	batch, err = s.LookupAircraftBatch(ctx, []string{"DD1234", "3E1234"}, "c2")
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestStore_Counters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPlane(ctx, flight.Aircraft{ID: "p1", DeviceID: "DD1234"}))
	require.NoError(t, s.UpsertPilot(ctx, "pilot-1", "c1", "Ada"))

	require.NoError(t, s.AddPlaneStarts(ctx, "p1", 1))
	require.NoError(t, s.AddPlaneStarts(ctx, "p1", 1))
	require.NoError(t, s.AddPlaneStarts(ctx, "p1", -1))
	require.NoError(t, s.AddPlaneFlightMinutes(ctx, "p1", 61))
	require.NoError(t, s.AddPilotStarts(ctx, "pilot-1", 1))

	p, err := s.GetPlane(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Starts)
	assert.Equal(t, 61, p.FlightMinutes)

	starts, err := s.PilotStarts(ctx, "pilot-1")
	require.NoError(t, err)
	assert.Equal(t, 1, starts)

	// Re-registering a plane keeps its counters
	require.NoError(t, s.UpsertPlane(ctx, flight.Aircraft{ID: "p1", DeviceID: "DD9999"}))
	p, err = s.GetPlane(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Starts)
	assert.Equal(t, "DD9999", p.DeviceID)

	assert.ErrorIs(t, s.AddPilotStarts(ctx, "ghost", 1), storage.ErrNotFound)
	assert.ErrorIs(t, s.AddPlaneStarts(ctx, "", 1), storage.ErrNotFound)
}

func TestStore_PrivateAssignment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := flight.DateKey(time.Date(2026, 7, 4, 12, 0, 0, 0, time.UTC))

	a, err := s.PrivateAssignment(ctx, "p1", "c1", day)
	require.NoError(t, err)
	assert.Nil(t, a)

	require.NoError(t, s.SetPrivateAssignment(ctx, flight.PrivateAssignment{
		PlaneID: "p1", ClubID: "c1", Date: day, PilotID: "pilot-1", IsSchoolFlight: true, LaunchMethod: "winch",
	}))

	a, err = s.PrivateAssignment(ctx, "p1", "c1", day)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "pilot-1", a.PilotID)
	assert.True(t, a.IsSchoolFlight)
	assert.Equal(t, "winch", a.LaunchMethod)
}

func TestStore_Telemetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 7, 4, 10, 0, 0, 0, time.UTC)
	lat, lon, alt := 55.0, 12.0, 300.0
	flightID := int64(5)

	n, err := s.AddTelemetry(ctx, []flight.TelemetryPoint{
		{DeviceID: "DD1234", Timestamp: t0.Add(2 * time.Minute), Latitude: &lat, Longitude: &lon},
		{DeviceID: "DD1234", Timestamp: t0, Altitude: &alt, FlightID: &flightID},
		{DeviceID: "DD1234", Timestamp: t0.Add(time.Hour)},
		{DeviceID: "OTHER", Timestamp: t0},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	byFlight, err := s.PointsForFlight(ctx, flightID)
	require.NoError(t, err)
	require.Len(t, byFlight, 1)
	assert.Equal(t, 300.0, *byFlight[0].Altitude)
	assert.Nil(t, byFlight[0].Latitude)

	to := t0.Add(10 * time.Minute)
	window, err := s.PointsForDevice(ctx, "DD1234", &t0, &to)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.True(t, window[0].Timestamp.Equal(t0))
	assert.True(t, window[1].HasPosition())

	open, err := s.PointsForDevice(ctx, "DD1234", nil, nil)
	require.NoError(t, err)
	assert.Len(t, open, 3)
}
