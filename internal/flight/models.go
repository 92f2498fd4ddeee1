package flight

import (
	"time"
)

// Status is the stored lifecycle state of a flight record
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusInFlight  Status = "INFLIGHT"
	StatusLanded    Status = "LANDED"
	StatusCompleted Status = "COMPLETED" // derived: LANDED with both times set
	StatusDeleted   Status = "DELETED"   // derived: soft-deleted record
)

// Valid reports whether s is one of the stored statuses
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusLanded:
		return true
	}
	return false
}

// FlightRecord is the unit of correlation
type FlightRecord struct {
	ID int64 `json:"id"`

	// Identity
	ClubID        string `json:"clubId,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
	Registration  string `json:"registration,omitempty"`
	AircraftType  string `json:"aircraftType,omitempty"`
	CompetitionID string `json:"competitionId,omitempty"`
	PlaneID       string `json:"planeId,omitempty"`

	// Crew
	PilotID        string `json:"pilotId,omitempty"`
	CoPilotID      string `json:"coPilotId,omitempty"`
	IsSchoolFlight bool   `json:"isSchoolFlight"`
	LaunchMethod   string `json:"launchMethod,omitempty"`

	// Lifecycle
	Status          Status     `json:"status"`
	TakeoffTime     *time.Time `json:"takeoffTime,omitempty"`
	TakeoffAirfield string     `json:"takeoffAirfield,omitempty"`
	LandingTime     *time.Time `json:"landingTime,omitempty"`
	LandingAirfield string     `json:"landingAirfield,omitempty"`

	// Derived
	FlightDurationMinutes *int     `json:"flightDurationMinutes,omitempty"`
	MaxAltitude           *float64 `json:"maxAltitude,omitempty"`
	MaxSpeed              *float64 `json:"maxSpeed,omitempty"`
	DistanceKm            *float64 `json:"distanceKm,omitempty"`
	Deleted               bool     `json:"deleted"`

	// Counter bookkeeping, so a delete reverses exactly what was credited
	PlaneStartCredited   bool `json:"-"`
	PilotStartCredited   bool `json:"-"`
	CoPilotStartCredited bool `json:"-"`
	PlaneMinutesCredited int  `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Lifecycle returns the display state, including the derived COMPLETED and DELETED states
func (f *FlightRecord) Lifecycle() Status {
	if f.Deleted {
		return StatusDeleted
	}
	if f.Status == StatusLanded && f.TakeoffTime != nil && f.LandingTime != nil {
		return StatusCompleted
	}
	return f.Status
}

// IsLandingOnly reports whether the record was landed without an observed takeoff
func (f *FlightRecord) IsLandingOnly() bool {
	return f.Status == StatusLanded && f.TakeoffTime == nil
}

// Airfield returns the most recent airfield the flight was seen at
func (f *FlightRecord) Airfield() string {
	if f.LandingAirfield != "" {
		return f.LandingAirfield
	}
	return f.TakeoffAirfield
}

// TelemetryPoint is one position fix. Optional readings are nil when absent.
type TelemetryPoint struct {
	ID          int64     `json:"id,omitempty"`
	DeviceID    string    `json:"deviceId"`
	FlightID    *int64    `json:"flightId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	Altitude    *float64  `json:"altitude,omitempty"`
	GroundSpeed *float64  `json:"groundSpeed,omitempty"` // knots
}

// HasPosition reports whether both coordinates are present and in range
func (p TelemetryPoint) HasPosition() bool {
	if p.Latitude == nil || p.Longitude == nil {
		return false
	}
	lat, lon := *p.Latitude, *p.Longitude
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Aircraft is a club-registered plane
type Aircraft struct {
	ID            string `json:"id"`
	ClubID        string `json:"clubId"`
	DeviceID      string `json:"deviceId"`
	Registration  string `json:"registration"`
	AircraftType  string `json:"aircraftType,omitempty"`
	CompetitionID string `json:"competitionId,omitempty"`
	Starts        int    `json:"starts"`
	FlightMinutes int    `json:"flightMinutes"`
}

// PrivateAssignment binds a plane to a pilot and launch method for one day
type PrivateAssignment struct {
	PlaneID        string `json:"planeId"`
	ClubID         string `json:"clubId"`
	Date           string `json:"date"` // YYYY-MM-DD
	PilotID        string `json:"pilotId,omitempty"`
	CoPilotID      string `json:"coPilotId,omitempty"`
	IsSchoolFlight bool   `json:"isSchoolFlight"`
	LaunchMethod   string `json:"launchMethod,omitempty"`
}

// DateKey formats t the way assignment dates are stored
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// Source identifies which tier resolved an identity
type Source string

const (
	SourceClub     Source = "CLUB"
	SourceExternal Source = "EXTERNAL"
	SourceFallback Source = "FALLBACK"
)

// Identity is the result of resolving a device id
type Identity struct {
	DeviceID      string `json:"deviceId"`
	Registration  string `json:"registration"`
	AircraftType  string `json:"aircraftType,omitempty"`
	CompetitionID string `json:"competitionId,omitempty"`
	Source        Source `json:"source"`
	IsClubAsset   bool   `json:"isClubAsset"`
	PlaneID       string `json:"planeId,omitempty"`
	ClubID        string `json:"clubId,omitempty"`
}
