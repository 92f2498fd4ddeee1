package flight

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
		ok   bool
	}{
		{"takeoff", KindTakeoff, true},
		{"LANDING", KindLanding, true},
		{"local_takeoff", KindTakeoff, true},
		{"ogn.landing", KindLanding, true},
		{"ekfs-takeoff", KindTakeoff, true},
		{"takeoffs", "", false},
		{"ping", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrUnknownEvent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventValidate_RequiresDevice(t *testing.T) {
	_, err := Event{Type: "takeoff", Airfield: "EKFS"}.Validate()
	assert.ErrorIs(t, err, ErrMissingDeviceID)
}

func TestTakeoffThenLanding_SetsDurationAndCompletes(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	r, err := NewInFlight(Identity{DeviceID: "DD1234", Registration: "D-1234"}, t0, "EKFS")
	require.NoError(t, err)
	assert.Equal(t, StatusInFlight, r.Status)
	assert.Equal(t, "EKFS", r.TakeoffAirfield)

	require.NoError(t, LandingAt(t0.Add(61*time.Minute+59*time.Second), "EKAB", "DD1234").Apply(r))
	assert.Equal(t, StatusLanded, r.Status)
	assert.Equal(t, StatusCompleted, r.Lifecycle())
	require.NotNil(t, r.FlightDurationMinutes)
	assert.Equal(t, 61, *r.FlightDurationMinutes)
	assert.Equal(t, "EKAB", r.Airfield())
}

func TestTransition_RejectsWrongSourceAndDeleted(t *testing.T) {
	now := time.Now()
	r, err := NewLandingOnly(Identity{DeviceID: "ABC123"}, now, "EKFS")
	require.NoError(t, err)
	assert.True(t, r.IsLandingOnly())
	assert.Equal(t, StatusLanded, r.Lifecycle())

	assert.ErrorIs(t, TakeoffAt(now, "EKFS", "").Apply(r), ErrInvalidTransition)

	p := NewPending(FlightRecord{Registration: "D-5555"}, now)
	p.Deleted = true
	assert.ErrorIs(t, TakeoffAt(now, "EKFS", "").Apply(p), ErrInvalidTransition)
	assert.Equal(t, StatusDeleted, p.Lifecycle())
}

func TestApply_KeepsExistingDeviceID(t *testing.T) {
	p := NewPending(FlightRecord{DeviceID: "AAAAAA"}, time.Now())
	require.NoError(t, TakeoffAt(time.Now(), "EKFS", "BBBBBB").Apply(p))
	assert.Equal(t, "AAAAAA", p.DeviceID)

	q := NewPending(FlightRecord{Registration: "D-1"}, time.Now())
	require.NoError(t, TakeoffAt(time.Now(), "EKFS", "BBBBBB").Apply(q))
	assert.Equal(t, "BBBBBB", q.DeviceID)
}

func TestTelemetryPointHasPosition(t *testing.T) {
	lat, lon, bad := 55.0, 12.0, 200.0
	assert.True(t, TelemetryPoint{Latitude: &lat, Longitude: &lon}.HasPosition())
	assert.False(t, TelemetryPoint{Latitude: &lat}.HasPosition())
	assert.False(t, TelemetryPoint{Latitude: &lat, Longitude: &bad}.HasPosition())
}
